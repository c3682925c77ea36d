package httpremote

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TTR-x/ttr-gestion-sub000/internal/auth"
	"github.com/TTR-x/ttr-gestion-sub000/model"
	"github.com/TTR-x/ttr-gestion-sub000/remote"
	"github.com/TTR-x/ttr-gestion-sub000/remote/memremote"
	"github.com/TTR-x/ttr-gestion-sub000/replica"
	"github.com/TTR-x/ttr-gestion-sub000/server"
	"github.com/TTR-x/ttr-gestion-sub000/syncer"
)

type harness struct {
	url   string
	store *memremote.Store
	auth  *server.JWTAuth
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memremote.New()
	jwtAuth := server.NewJWTAuth("test-secret")
	ts := httptest.NewServer(server.New(server.Config{Backend: store, Auth: jwtAuth, DevSignin: true}).Handler())
	t.Cleanup(ts.Close)
	return &harness{url: ts.URL, store: store, auth: jwtAuth}
}

func (h *harness) client(t *testing.T, business, device string) *Client {
	t.Helper()
	tok, err := h.auth.GenerateToken(auth.Identity{UserID: "u-" + device, BusinessID: business, DeviceID: device, Name: "Kofi"}, time.Hour)
	require.NoError(t, err)
	c, err := New(Config{BaseURL: h.url, BusinessID: business, Token: StaticToken(tok), PollInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	return c
}

func decodeDoc(t *testing.T, raw json.RawMessage) remote.Doc {
	t.Helper()
	var d remote.Doc
	require.NoError(t, json.Unmarshal(raw, &d))
	return d
}

func TestClientReadsAndWrites(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, "biz-1", "d-1")
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "biz-1", model.Clients, "c-1", remote.Doc{"id": "c-1", "workspaceId": "ws-1", "name": "Ama"}))
	require.NoError(t, c.Update(ctx, "biz-1", model.Clients, "c-1", remote.Doc{"notes": "regular"}))

	raw, err := c.Get(ctx, "biz-1", model.Clients, "c-1")
	require.NoError(t, err)
	d := decodeDoc(t, raw)
	assert.Equal(t, "Ama", d["name"])
	assert.Equal(t, "regular", d["notes"])

	docs, err := c.List(ctx, "biz-1", model.Clients, "workspaceId", "ws-1")
	require.NoError(t, err)
	require.Len(t, docs, 1)

	docs, err = c.List(ctx, "biz-1", model.Clients, "workspaceId", "ws-9")
	require.NoError(t, err)
	require.Empty(t, docs)

	// Written through the HTTP API, visible in the backing store.
	raw, err = h.store.Get(ctx, "biz-1", model.Clients, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "regular", decodeDoc(t, raw)["notes"])
}

func TestClientMapsErrors(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, "biz-1", "d-1")
	ctx := context.Background()

	_, err := c.Get(ctx, "biz-1", model.Expenses, "missing")
	require.ErrorIs(t, err, remote.ErrNotFound)

	err = c.Update(ctx, "biz-1", model.Expenses, "missing", remote.Doc{"amount": 1})
	require.ErrorIs(t, err, remote.ErrNotFound)

	require.NoError(t, c.Set(ctx, "biz-1", model.Stock, "s-1", remote.Doc{"id": "s-1", "currentQuantity": 2}))
	_, err = c.AdjustStock(ctx, "biz-1", "s-1", -3, false, nil)
	require.ErrorIs(t, err, remote.ErrInsufficientStock)
	n, err := c.AdjustStock(ctx, "biz-1", "s-1", -1, false, remote.Doc{"updatedBy": "Kofi"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	err = c.Set(ctx, "biz-1", model.Clients, "c-1", remote.Doc{"id": "c-1", "email": remote.Undefined})
	require.ErrorIs(t, err, remote.ErrUnencodable)

	_, err = c.Get(ctx, "biz-2", model.Clients, "c-1")
	require.ErrorIs(t, err, ErrWrongBusiness)

	h.store.SetOffline(true)
	_, err = c.ServerTime(ctx)
	require.ErrorIs(t, err, remote.ErrUnavailable)

	bad, err := New(Config{BaseURL: h.url, Token: StaticToken("garbage")})
	require.NoError(t, err)
	_, err = bad.Head(ctx, "biz-1")
	require.ErrorIs(t, err, ErrUnauthorized)

	down, err := New(Config{BaseURL: "http://127.0.0.1:1", Token: StaticToken("x")})
	require.NoError(t, err)
	_, err = down.Head(ctx, "biz-1")
	require.ErrorIs(t, err, remote.ErrUnavailable)
}

func TestDevSignin(t *testing.T) {
	h := newHarness(t)
	tok, err := DevSignin(context.Background(), nil, h.url, Credentials{User: "u-1", Business: "biz-1", Device: "d-1"})
	require.NoError(t, err)
	claims, err := h.auth.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "biz-1", claims.BusinessID)

	_, err = DevSignin(context.Background(), nil, h.url, Credentials{User: "u-1"})
	require.Error(t, err)
}

func TestWatchSnapshotThenPolledChanges(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, "biz-1", "d-1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, h.store.Set(ctx, "biz-1", model.Expenses, "e-1", remote.Doc{"id": "e-1"}))

	events, err := c.Watch(ctx, "biz-1", model.Expenses)
	require.NoError(t, err)
	next := func() remote.ChangeEvent {
		t.Helper()
		select {
		case ev := <-events:
			return ev
		case <-time.After(3 * time.Second):
			t.Fatal("no event")
		}
		return remote.ChangeEvent{}
	}

	ev := next()
	assert.Equal(t, remote.EventAdded, ev.Type)
	assert.Equal(t, "e-1", ev.ID)

	require.NoError(t, h.store.Set(ctx, "biz-1", model.Clients, "c-1", remote.Doc{"id": "c-1"}))
	require.NoError(t, h.store.Set(ctx, "biz-1", model.Expenses, "e-2", remote.Doc{"id": "e-2"}))
	ev = next()
	assert.Equal(t, "e-2", ev.ID)

	// The stream survives an outage.
	h.store.SetOffline(true)
	time.Sleep(60 * time.Millisecond)
	h.store.SetOffline(false)
	require.NoError(t, h.store.Remove(ctx, "biz-1", model.Expenses, "e-1"))
	ev = next()
	assert.Equal(t, remote.EventRemoved, ev.Type)
	assert.Equal(t, "e-1", ev.ID)

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-events
		return !open
	}, 3*time.Second, 10*time.Millisecond)
}

func TestTwoDevicesSyncThroughServer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	device := func(name string) *syncer.Engine {
		store, err := replica.Open(ctx, ":memory:", nil)
		require.NoError(t, err)
		cfg := syncer.DefaultConfig()
		cfg.AutoDrain = false
		e := syncer.New(store, h.client(t, "biz-1", name), syncer.StaticSession{Business: "biz-1", Workspace: "ws-1", Name: name}, cfg)
		t.Cleanup(func() {
			_ = e.Close()
			_ = store.Close()
		})
		return e
	}
	a, b := device("a"), device("b")

	unsubscribe, err := b.Subscribe(ctx, "biz-1", "ws-1")
	require.NoError(t, err)
	defer unsubscribe()

	client := &model.Client{Name: "Ama"}
	require.NoError(t, a.CreateClient(ctx, client))
	a.SetOnline(true)
	require.NoError(t, a.Drain(ctx))

	require.Eventually(t, func() bool {
		got, err := replica.GetAs[*model.Client](ctx, b.Store(), model.Clients, client.ID)
		return err == nil && got.Name == "Ama"
	}, 3*time.Second, 20*time.Millisecond)
}
