package replica

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/TTR-x/ttr-gestion-sub000/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func stockItem(id, ws string, qty int) *model.StockItem {
	return &model.StockItem{
		Envelope: model.Envelope{
			ID:          id,
			WorkspaceID: ws,
			BusinessID:  "biz-1",
			CreatedAt:   1000,
			UpdatedAt:   1000,
		},
		Name:            "Coca",
		Unit:            "bottle",
		CurrentQuantity: qty,
		Price:           decimal.NewFromInt(500),
		PurchasePrice:   decimal.NewFromInt(300),
		IsForSale:       true,
	}
}

func TestInitializeDatabase(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expectedTables := []string{
		"reservations", "expenses", "clients", "stock", "investments", "quick_incomes",
		"activity_log", "profits", "sync_queue", "sync_meta", "local_images",
		"image_upload_queue", "deletion_history",
	}
	for _, table := range expectedTables {
		var count int
		err := s.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "Table %s should exist", table)
	}

	var journalMode string
	require.NoError(t, s.DB().QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode))
	require.Contains(t, []string{"wal", "memory"}, journalMode)

	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, currentSchemaVersion, v)
}

func TestMigrationsAreAdditive(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(1)

	// Bring the database to version 4 and write a row the old way.
	for _, m := range migrations {
		if m.version > 4 {
			break
		}
		for _, stmt := range m.stmts {
			_, err := db.ExecContext(ctx, stmt)
			require.NoError(t, err)
		}
	}
	_, err = db.ExecContext(ctx, "PRAGMA user_version = 4")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `
		INSERT INTO reservations (id, workspace_id, business_id, status, is_deleted, doc)
		VALUES ('r-old', 'ws-1', 'biz-1', 'confirmed', 0,
		        '{"id":"r-old","workspaceId":"ws-1","businessId":"biz-1","clientId":"c-1","clientName":"Ama","status":"confirmed"}')`)
	require.NoError(t, err)

	s, err := New(ctx, db, nil)
	require.NoError(t, err)

	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, currentSchemaVersion, v)

	// The row survived and the widened index was backfilled.
	got, err := QueryAs[*model.Reservation](ctx, s, model.Reservations, "clientId", "c-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "r-old", got[0].ID)
	require.Equal(t, "Ama", got[0].ClientName)
	require.True(t, got[0].TotalAmount.IsZero(), "fields missing from old rows decode to zero values")

	// Re-opening is a no-op.
	require.NoError(t, runMigrations(ctx, db))
}

func TestPutIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	item := stockItem("s-1", "ws-1", 10)

	require.NoError(t, s.Put(ctx, item))
	require.NoError(t, s.Put(ctx, item))

	var n int
	require.NoError(t, s.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM stock WHERE id = 's-1'").Scan(&n))
	require.Equal(t, 1, n)

	got, err := GetAs[*model.StockItem](ctx, s, model.Stock, "s-1")
	require.NoError(t, err)
	require.Equal(t, 10, got.CurrentQuantity)
	require.True(t, got.Price.Equal(decimal.NewFromInt(500)))
}

func TestQueryFiltersDeletedAndUnknownFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	live := stockItem("s-1", "ws-1", 10)
	gone := stockItem("s-2", "ws-1", 5)
	gone.MarkDeleted(2000, "Kofi")
	other := stockItem("s-3", "ws-2", 1)
	require.NoError(t, s.PutMany(ctx, []model.Entity{live, gone, other}))

	rows, err := s.Query(ctx, model.Stock, "workspaceId", "ws-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "s-1", rows[0].EntityID())

	all, err := s.QueryAll(ctx, model.Stock, "workspaceId", "ws-1")
	require.NoError(t, err)
	require.Len(t, all, 2)

	_, err = s.Query(ctx, model.Stock, "name", "Coca")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not indexed")

	_, err = s.Query(ctx, model.Collection("nope"), "id", "x")
	require.ErrorIs(t, err, model.ErrUnknownCollection)
}

func TestQueryByNumericIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	entry := &model.ActivityLogEntry{
		Envelope:        model.Envelope{ID: "a-1", WorkspaceID: "ws-1", BusinessID: "biz-1"},
		Action:          "stock.sale",
		DeviceTimestamp: 1700000000123,
	}
	require.NoError(t, s.Put(ctx, entry))

	rows, err := s.Query(ctx, model.ActivityLog, "deviceTimestamp", int64(1700000000123))
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestDeleteIsPhysical(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, stockItem("s-1", "ws-1", 3)))
	require.NoError(t, s.Delete(ctx, model.Stock, "s-1"))

	_, err := s.Get(ctx, model.Stock, "s-1")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestEnsureDeviceID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.EnsureDeviceID(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	id2, err := s.EnsureDeviceID(ctx)
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestQueueOrderAndPendingChecks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := stockItem("s-1", "ws-1", 1)
	b := stockItem("s-2", "ws-1", 2)
	// Same timestamp for the last two: sequence breaks the tie.
	_, err := s.Enqueue(ctx, model.ActionCreate, b, 20)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, model.ActionCreate, a, 10)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, model.ActionAdjust, &model.StockAdjustment{ID: "s-1", BusinessID: "biz-1", WorkspaceID: "ws-1", Delta: -1}, 20)
	require.NoError(t, err)

	items, err := s.PendingItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, "s-1", items[0].EntityID)
	require.Equal(t, "s-2", items[1].EntityID)
	require.Equal(t, model.ActionAdjust, items[2].Action)
	adj, ok := items[2].Payload.(*model.StockAdjustment)
	require.True(t, ok)
	require.Equal(t, -1, adj.Delta)

	pending, err := s.HasPending(ctx, model.Stock, "s-1")
	require.NoError(t, err)
	require.True(t, pending)

	ids, err := s.PendingIDs(ctx, model.Stock)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	for _, it := range items {
		require.NoError(t, s.RemoveQueueItem(ctx, it.Seq))
	}
	n, err := s.QueueLen(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	pending, err = s.HasPending(ctx, model.Stock, "s-1")
	require.NoError(t, err)
	require.False(t, pending)
}

func TestPendingItemsKeepsUndecodableRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.DB().ExecContext(ctx,
		`INSERT INTO sync_queue (collection, action, entity_id, data, timestamp) VALUES ('stock', 'create', 'x', '{not json', 1)`)
	require.NoError(t, err)

	items, err := s.PendingItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Nil(t, items[0].Payload)
	require.Error(t, items[0].DecodeErr)
}

func TestImagesAndUploadQueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	img := &LocalImage{
		ID:           "img-1",
		Blob:         []byte{1, 2, 3},
		FileName:     "coca.png",
		FileSize:     3,
		MimeType:     "image/png",
		UploadStatus: UploadPending,
		CreatedAt:    100,
	}
	require.NoError(t, s.SaveImage(ctx, img))
	require.NoError(t, s.EnqueueUpload(ctx, "img-1", 100))

	tasks, err := s.PendingUploads(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	n, err := s.BumpUploadRetry(ctx, tasks[0].Seq)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	at := int64(200)
	require.NoError(t, s.SetImageStatus(ctx, "img-1", UploadUploaded, "https://cdn.example/coca.png", &at))
	got, err := s.FindImageByRemoteURL(ctx, "https://cdn.example/coca.png")
	require.NoError(t, err)
	require.Equal(t, UploadUploaded, got.UploadStatus)
	require.Equal(t, []byte{1, 2, 3}, got.Blob)
	require.NotNil(t, got.UploadedAt)

	// An empty URL leaves the stored one in place.
	require.NoError(t, s.SetImageStatus(ctx, "img-1", UploadFailed, "", nil))
	got, err = s.GetImage(ctx, "img-1")
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example/coca.png", got.RemoteURL)

	require.NoError(t, s.RemoveUpload(ctx, tasks[0].Seq))
	tasks, err = s.PendingUploads(ctx)
	require.NoError(t, err)
	require.Empty(t, tasks)

	_, err = s.GetImage(ctx, "missing")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestDeletionHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, at := range []int64{100, 300, 200} {
		h := &model.DeletionHistory{
			ID:          fmt.Sprintf("h-%d", i),
			WorkspaceID: "ws-1",
			BusinessID:  "biz-1",
			EntityType:  model.EntityReservation,
			EntityID:    "r-1",
			DeletedAt:   at,
			CanRestore:  true,
		}
		require.NoError(t, s.SaveHistory(ctx, h))
	}

	latest, err := s.LatestRestorable(ctx, "r-1")
	require.NoError(t, err)
	require.Equal(t, "h-1", latest.ID)

	latest.CanRestore = false
	require.NoError(t, s.SaveHistory(ctx, latest))

	next, err := s.LatestRestorable(ctx, "r-1")
	require.NoError(t, err)
	require.Equal(t, "h-2", next.ID)

	list, err := s.ListHistory(ctx, "ws-1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, int64(300), list[0].DeletedAt)

	_, err = s.LatestRestorable(ctx, "nothing")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestApplyRemoteYieldsToQueuedRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	local := stockItem("s-1", "ws-1", 7)
	_, err := s.PutAndEnqueue(ctx, local, model.ActionUpdate, local, 10)
	require.NoError(t, err)

	applied, err := s.ApplyRemote(ctx, model.Stock, "s-1", stockItem("s-1", "ws-1", 2))
	require.NoError(t, err)
	require.False(t, applied)
	applied, err = s.ApplyRemote(ctx, model.Stock, "s-1", nil)
	require.NoError(t, err)
	require.False(t, applied)

	got, err := GetAs[*model.StockItem](ctx, s, model.Stock, "s-1")
	require.NoError(t, err)
	require.Equal(t, 7, got.CurrentQuantity)

	applied, err = s.ApplyRemote(ctx, model.Stock, "s-2", stockItem("s-2", "ws-1", 4))
	require.NoError(t, err)
	require.True(t, applied)
	applied, err = s.ApplyRemote(ctx, model.Stock, "s-2", nil)
	require.NoError(t, err)
	require.True(t, applied)
	_, err = s.Get(ctx, model.Stock, "s-2")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestPutAndEnqueueRollsBackTogether(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.PutAndEnqueue(ctx, stockItem("s-1", "ws-1", 3), model.Action("merge"), stockItem("s-1", "ws-1", 3), 10)
	require.ErrorIs(t, err, model.ErrUnknownAction)

	_, err = s.Get(ctx, model.Stock, "s-1")
	require.ErrorIs(t, err, model.ErrNotFound)
	n, err := s.QueueLen(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}
