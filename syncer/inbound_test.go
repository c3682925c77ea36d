package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/TTR-x/ttr-gestion-sub000/model"
	"github.com/TTR-x/ttr-gestion-sub000/remote"
	"github.com/TTR-x/ttr-gestion-sub000/remote/memremote"
	"github.com/TTR-x/ttr-gestion-sub000/replica"
)

func putRemote(t *testing.T, rs *memremote.Store, ent model.Entity) {
	t.Helper()
	doc, err := remote.ToDoc(ent)
	require.NoError(t, err)
	businessID, _ := ent.Partition()
	require.NoError(t, rs.Set(context.Background(), businessID, ent.Collection(), ent.EntityID(), doc))
}

func env(id, ws string) model.Envelope {
	return model.Envelope{ID: id, WorkspaceID: ws, BusinessID: "biz-1", CreatedAt: 1, UpdatedAt: 1}
}

func TestInitialSync(t *testing.T) {
	f := newFixture(t, nil)

	putRemote(t, f.remote, &model.Expense{Envelope: env("e-1", "ws-1"), ItemName: "Soap", Amount: decimal.NewFromInt(5)})
	deleted := &model.Expense{Envelope: env("e-2", "ws-1"), ItemName: "Old", Amount: decimal.NewFromInt(5)}
	deleted.MarkDeleted(2, "Kofi")
	putRemote(t, f.remote, deleted)
	putRemote(t, f.remote, &model.Expense{Envelope: env("e-3", "ws-2"), ItemName: "Other", Amount: decimal.NewFromInt(5)})
	putRemote(t, f.remote, &model.Client{Envelope: env("c-1", "ws-1"), Name: "Remote name"})

	// A local edit still queued wins over the remote row.
	local := &model.Client{Envelope: model.Envelope{ID: "c-1"}, Name: "Local name"}
	require.NoError(t, f.engine.CreateClient(f.ctx, local))
	// A local-only row is not removed.
	require.NoError(t, f.store.Put(f.ctx, &model.Investment{Envelope: env("i-local", "ws-1"), Description: "Fridge", Amount: decimal.NewFromInt(1)}))

	require.NoError(t, f.engine.InitialSync(f.ctx, "biz-1", "ws-1"))

	exps, err := f.store.QueryAll(f.ctx, model.Expenses, "workspaceId", "ws-1")
	require.NoError(t, err)
	require.Len(t, exps, 1)
	require.Equal(t, "e-1", exps[0].EntityID())

	c, err := replica.GetAs[*model.Client](f.ctx, f.store, model.Clients, "c-1")
	require.NoError(t, err)
	require.Equal(t, "Local name", c.Name)

	_, err = f.store.Get(f.ctx, model.Investments, "i-local")
	require.NoError(t, err)

	at, ok, err := f.engine.LastInitialSync(f.ctx, "ws-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, at.IsZero())
}

type flakyList struct {
	*memremote.Store
	fail model.Collection
}

func (f flakyList) List(ctx context.Context, businessID string, c model.Collection, field, value string) ([]json.RawMessage, error) {
	if c == f.fail {
		return nil, errors.New("deadline exceeded")
	}
	return f.Store.List(ctx, businessID, c, field, value)
}

func TestInitialSyncIsolatesCollectionFailures(t *testing.T) {
	ctx := context.Background()
	store, err := replica.Open(ctx, ":memory:", nil)
	require.NoError(t, err)
	defer store.Close()
	rs := memremote.New()
	putRemote(t, rs, &model.Expense{Envelope: env("e-1", "ws-1"), ItemName: "Soap", Amount: decimal.NewFromInt(5)})
	putRemote(t, rs, &model.Client{Envelope: env("c-1", "ws-1"), Name: "Ama"})

	cfg := DefaultConfig()
	cfg.AutoDrain = false
	engine := New(store, flakyList{Store: rs, fail: model.Reservations}, StaticSession{Business: "biz-1", Workspace: "ws-1"}, cfg)

	err = engine.InitialSync(ctx, "biz-1", "ws-1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "reservations")

	_, err = store.Get(ctx, model.Expenses, "e-1")
	require.NoError(t, err)
	_, err = store.Get(ctx, model.Clients, "c-1")
	require.NoError(t, err)

	_, ok, err := engine.LastInitialSync(ctx, "ws-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSubscribeAppliesRemoteChanges(t *testing.T) {
	f := newFixture(t, nil)
	putRemote(t, f.remote, &model.Client{Envelope: env("c-1", "ws-1"), Name: "Ama"})

	unsubscribe, err := f.engine.Subscribe(f.ctx, "biz-1", "ws-1")
	require.NoError(t, err)
	defer unsubscribe()

	clientName := func(id string) string {
		c, err := replica.GetAs[*model.Client](f.ctx, f.store, model.Clients, id)
		if err != nil {
			return ""
		}
		return c.Name
	}

	// Snapshot and live additions.
	require.Eventually(t, func() bool { return clientName("c-1") == "Ama" }, 2*time.Second, 10*time.Millisecond)
	putRemote(t, f.remote, &model.Client{Envelope: env("c-2", "ws-1"), Name: "Kwame"})
	require.Eventually(t, func() bool { return clientName("c-2") == "Kwame" }, 2*time.Second, 10*time.Millisecond)

	// Other workspaces are ignored.
	putRemote(t, f.remote, &model.Client{Envelope: env("c-3", "ws-2"), Name: "Elsewhere"})

	// A soft-deleted row is pruned locally.
	gone := &model.Client{Envelope: env("c-1", "ws-1"), Name: "Ama"}
	gone.MarkDeleted(5, "Kofi")
	putRemote(t, f.remote, gone)
	require.Eventually(t, func() bool { return clientName("c-1") == "" }, 2*time.Second, 10*time.Millisecond)

	// A hard removal too.
	require.NoError(t, f.remote.Remove(f.ctx, "biz-1", model.Clients, "c-2"))
	require.Eventually(t, func() bool { return clientName("c-2") == "" }, 2*time.Second, 10*time.Millisecond)

	require.Empty(t, clientName("c-3"))

	unsubscribe()
	putRemote(t, f.remote, &model.Client{Envelope: env("c-4", "ws-1"), Name: "Late"})
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, clientName("c-4"))
}

func TestPendingLocalEditSuppressesRemoteChange(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.SetOnline(true)
	r := &model.Reservation{
		ClientName:   "Ama",
		CheckInDate:  "2025-03-01",
		CheckOutDate: "2025-03-03",
		Status:       model.StatusPending,
		TotalAmount:  decimal.NewFromInt(1000),
		AmountPaid:   decimal.NewFromInt(200),
	}
	require.NoError(t, f.engine.CreateReservation(f.ctx, r))
	require.NoError(t, f.engine.Drain(f.ctx))

	// Offline edit.
	f.engine.SetOnline(false)
	r.Status = model.StatusCheckedIn
	require.NoError(t, f.engine.UpdateReservation(f.ctx, r))

	unsubscribe, err := f.engine.Subscribe(f.ctx, "biz-1", "ws-1")
	require.NoError(t, err)
	defer unsubscribe()

	// Stale remote data for the same reservation, then a marker row on the
	// same stream to know the stale event went through the pipeline.
	stale, err := model.Clone(r)
	require.NoError(t, err)
	stale.Status = model.StatusCancelled
	putRemote(t, f.remote, stale)
	marker := &model.Reservation{Envelope: env("r-marker", "ws-1"), ClientName: "Marker", Status: model.StatusPending}
	putRemote(t, f.remote, marker)

	require.Eventually(t, func() bool {
		_, err := f.store.Get(f.ctx, model.Reservations, "r-marker")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	local, err := replica.GetAs[*model.Reservation](f.ctx, f.store, model.Reservations, r.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCheckedIn, local.Status)

	// Once drained, remote changes flow again.
	f.engine.SetOnline(true)
	require.NoError(t, f.engine.Drain(f.ctx))
	fresh, err := model.Clone(local)
	require.NoError(t, err)
	fresh.Status = model.StatusCheckedOut
	putRemote(t, f.remote, fresh)
	require.Eventually(t, func() bool {
		got, err := replica.GetAs[*model.Reservation](f.ctx, f.store, model.Reservations, r.ID)
		return err == nil && got.Status == model.StatusCheckedOut
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUndeleteRecoversPrunedRow(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.SetOnline(true)
	exp := &model.Expense{ItemName: "Soap", Amount: decimal.NewFromInt(3)}
	require.NoError(t, f.engine.CreateExpense(f.ctx, exp))
	require.NoError(t, f.engine.DeleteExpense(f.ctx, exp.ID))
	require.NoError(t, f.engine.Drain(f.ctx))

	// The remote echo of the delete pruned the local row.
	require.NoError(t, f.store.Delete(f.ctx, model.Expenses, exp.ID))

	require.NoError(t, f.engine.Undelete(f.ctx, model.Expenses, exp.ID))
	got, err := replica.GetAs[*model.Expense](f.ctx, f.store, model.Expenses, exp.ID)
	require.NoError(t, err)
	require.False(t, got.IsDeleted)

	require.NoError(t, f.engine.Drain(f.ctx))
	require.Equal(t, false, f.remoteDoc(t, model.Expenses, exp.ID)["isDeleted"])
}

// scriptedWatch feeds one collection from a test-controlled channel.
type scriptedWatch struct {
	*memremote.Store
	collection model.Collection
	events     chan remote.ChangeEvent
}

func (s scriptedWatch) Watch(ctx context.Context, businessID string, c model.Collection) (<-chan remote.ChangeEvent, error) {
	if c != s.collection {
		return s.Store.Watch(ctx, businessID, c)
	}
	out := make(chan remote.ChangeEvent)
	go func() {
		defer close(out)
		for {
			select {
			case ev := <-s.events:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func clientEvent(t *testing.T, typ remote.EventType, c *model.Client) remote.ChangeEvent {
	t.Helper()
	doc, err := json.Marshal(c)
	require.NoError(t, err)
	return remote.ChangeEvent{Type: typ, BusinessID: "biz-1", Collection: model.Clients, ID: c.ID, Doc: doc}
}

func TestLocalWriteBetweenFilterAndApplyWins(t *testing.T) {
	ctx := context.Background()
	store, err := replica.Open(ctx, ":memory:", nil)
	require.NoError(t, err)
	defer store.Close()
	rs := scriptedWatch{Store: memremote.New(), collection: model.Clients, events: make(chan remote.ChangeEvent)}

	cfg := DefaultConfig()
	cfg.AutoDrain = false
	engine := New(store, rs, StaticSession{Business: "biz-1", Workspace: "ws-1", Name: "Kofi"}, cfg)
	defer engine.Close()

	require.NoError(t, store.Put(ctx, &model.Client{Envelope: env("c-1", "ws-1"), Name: "Ama"}))

	// The stale event has already passed suppressPending when the local edit
	// is queued.
	var editErr error
	engine.beforeApply = func(c model.Collection, ev remote.ChangeEvent) {
		if ev.ID != "c-1" {
			return
		}
		editErr = engine.UpdateClient(ctx, &model.Client{Envelope: model.Envelope{ID: "c-1"}, Name: "Ama Local"})
	}

	unsubscribe, err := engine.Subscribe(ctx, "biz-1", "ws-1")
	require.NoError(t, err)
	defer unsubscribe()

	rs.events <- clientEvent(t, remote.EventChanged, &model.Client{Envelope: env("c-1", "ws-1"), Name: "Ama Stale"})
	rs.events <- clientEvent(t, remote.EventAdded, &model.Client{Envelope: env("c-marker", "ws-1"), Name: "Marker"})

	require.Eventually(t, func() bool {
		_, err := store.Get(ctx, model.Clients, "c-marker")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	unsubscribe()
	require.NoError(t, editErr)

	got, err := replica.GetAs[*model.Client](ctx, store, model.Clients, "c-1")
	require.NoError(t, err)
	require.Equal(t, "Ama Local", got.Name)

	pending, err := store.HasPending(ctx, model.Clients, "c-1")
	require.NoError(t, err)
	require.True(t, pending)
}

func TestApplyEventSkipsQueuedRows(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.engine.CreateClient(f.ctx, &model.Client{Envelope: model.Envelope{ID: "c-1"}, Name: "Local"}))

	stale := &model.Client{Envelope: env("c-1", "ws-1"), Name: "Remote"}
	require.NoError(t, f.engine.applyEvent(f.ctx, model.Clients, clientEvent(t, remote.EventChanged, stale)))
	require.NoError(t, f.engine.applyEvent(f.ctx, model.Clients, remote.ChangeEvent{Type: remote.EventRemoved, BusinessID: "biz-1", Collection: model.Clients, ID: "c-1"}))

	got, err := replica.GetAs[*model.Client](f.ctx, f.store, model.Clients, "c-1")
	require.NoError(t, err)
	require.Equal(t, "Local", got.Name)

	// Unqueued rows still take remote changes.
	require.NoError(t, f.engine.applyEvent(f.ctx, model.Clients, clientEvent(t, remote.EventAdded, &model.Client{Envelope: env("c-2", "ws-1"), Name: "Kwame"})))
	_, err = f.store.Get(f.ctx, model.Clients, "c-2")
	require.NoError(t, err)
}
