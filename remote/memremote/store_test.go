package memremote

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TTR-x/ttr-gestion-sub000/model"
	"github.com/TTR-x/ttr-gestion-sub000/remote"
)

func seedStock(t *testing.T, s *Store, id string, qty int) {
	t.Helper()
	err := s.Set(context.Background(), "biz-1", model.Stock, id, remote.Doc{
		"id":              id,
		"workspaceId":     "ws-1",
		"businessId":      "biz-1",
		"name":            "Coca",
		"currentQuantity": qty,
	})
	require.NoError(t, err)
}

func TestAdjustStockNeverGoesNegative(t *testing.T) {
	s := New()
	seedStock(t, s, "s-1", 10)

	var (
		wg       sync.WaitGroup
		ok       atomic.Int32
		rejected atomic.Int32
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AdjustStock(context.Background(), "biz-1", "s-1", -1, false, nil)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, remote.ErrInsufficientStock):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(10), ok.Load())
	require.Equal(t, int32(15), rejected.Load())

	raw, err := s.Get(context.Background(), "biz-1", model.Stock, "s-1")
	require.NoError(t, err)
	var d remote.Doc
	require.NoError(t, json.Unmarshal(raw, &d))
	require.Equal(t, 0, remote.Quantity(d, "currentQuantity"))
}

func TestAdjustStockClamp(t *testing.T) {
	s := New()
	seedStock(t, s, "s-1", 2)

	q, err := s.AdjustStock(context.Background(), "biz-1", "s-1", -5, true, remote.Doc{"updatedBy": "Kofi"})
	require.NoError(t, err)
	require.Zero(t, q)

	_, err = s.AdjustStock(context.Background(), "biz-1", "missing", 1, false, nil)
	require.ErrorIs(t, err, remote.ErrNotFound)
}

func TestUpdateRequiresExistingDocument(t *testing.T) {
	s := New()
	err := s.Update(context.Background(), "biz-1", model.Expenses, "e-1", remote.Doc{"isDeleted": true})
	require.ErrorIs(t, err, remote.ErrNotFound)

	require.NoError(t, s.Set(context.Background(), "biz-1", model.Expenses, "e-1", remote.Doc{"id": "e-1", "amount": "10"}))
	require.NoError(t, s.Update(context.Background(), "biz-1", model.Expenses, "e-1", remote.Doc{"isDeleted": true}))

	raw, err := s.Get(context.Background(), "biz-1", model.Expenses, "e-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"e-1","amount":"10","isDeleted":true}`, string(raw))
}

func TestRejectsUndefinedValues(t *testing.T) {
	s := New()
	err := s.Set(context.Background(), "biz-1", model.Clients, "c-1", remote.Doc{"id": "c-1", "email": remote.Undefined})
	require.Error(t, err)
	require.Empty(t, s.Writes())
}

func TestListFiltersByField(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "biz-1", model.Expenses, "e-1", remote.Doc{"id": "e-1", "workspaceId": "ws-1"}))
	require.NoError(t, s.Set(ctx, "biz-1", model.Expenses, "e-2", remote.Doc{"id": "e-2", "workspaceId": "ws-2"}))
	require.NoError(t, s.Set(ctx, "biz-2", model.Expenses, "e-3", remote.Doc{"id": "e-3", "workspaceId": "ws-1"}))

	docs, err := s.List(ctx, "biz-1", model.Expenses, "workspaceId", "ws-1")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Contains(t, string(docs[0]), `"e-1"`)
}

func TestListWithoutFieldReturnsWholeCollection(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "biz-1", model.Expenses, "e-1", remote.Doc{"id": "e-1", "workspaceId": "ws-1"}))
	require.NoError(t, s.Set(ctx, "biz-1", model.Expenses, "e-2", remote.Doc{"id": "e-2", "workspaceId": "ws-2"}))
	require.NoError(t, s.Set(ctx, "biz-2", model.Expenses, "e-3", remote.Doc{"id": "e-3", "workspaceId": "ws-1"}))

	docs, err := s.List(ctx, "biz-1", model.Expenses, "", "")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Contains(t, string(docs[0]), `"e-1"`)
	require.Contains(t, string(docs[1]), `"e-2"`)
}

func TestWatchEmitsSnapshotThenChanges(t *testing.T) {
	s := New()
	seedStock(t, s, "s-1", 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := s.Watch(ctx, "biz-1", model.Stock)
	require.NoError(t, err)

	next := func() remote.ChangeEvent {
		select {
		case ev := <-events:
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
		}
		return remote.ChangeEvent{}
	}

	ev := next()
	require.Equal(t, remote.EventAdded, ev.Type)
	require.Equal(t, "s-1", ev.ID)

	_, err = s.AdjustStock(ctx, "biz-1", "s-1", 1, false, nil)
	require.NoError(t, err)
	ev = next()
	require.Equal(t, remote.EventChanged, ev.Type)

	require.NoError(t, s.Remove(ctx, "biz-1", model.Stock, "s-1"))
	ev = next()
	require.Equal(t, remote.EventRemoved, ev.Type)
	require.Nil(t, ev.Doc)

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-events
		return !open
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOfflineAndInjectedFailures(t *testing.T) {
	s := New()
	ctx := context.Background()

	s.SetOffline(true)
	_, err := s.List(ctx, "biz-1", model.Stock, "workspaceId", "ws-1")
	require.ErrorIs(t, err, remote.ErrUnavailable)
	s.SetOffline(false)

	boom := errors.New("boom")
	s.FailNext("biz-1", model.Clients, "c-1", boom)
	require.ErrorIs(t, s.Set(ctx, "biz-1", model.Clients, "c-1", remote.Doc{"id": "c-1"}), boom)
	require.NoError(t, s.Set(ctx, "biz-1", model.Clients, "c-1", remote.Doc{"id": "c-1"}))
}

func TestChangesAfterCursor(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Set(ctx, "biz-1", model.Clients, id, remote.Doc{"id": id}))
	}
	all, err := s.Changes(ctx, "biz-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	rest, err := s.Changes(ctx, "biz-1", all[0].Seq, 1)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, "b", rest[0].ID)
}
