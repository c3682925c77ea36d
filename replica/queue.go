// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/TTR-x/ttr-gestion-sub000/model"
)

// QueueItem is one outbound mutation. Payload is nil when the stored data
// could not be decoded; DecodeErr then says why.
type QueueItem struct {
	Seq        int64
	Collection model.Collection
	Action     model.Action
	EntityID   string
	Payload    model.Payload
	Raw        json.RawMessage
	Timestamp  int64
	DecodeErr  error
}

// Enqueue appends a mutation to the outbound queue and returns its sequence.
func (s *Store) Enqueue(ctx context.Context, a model.Action, p model.Payload, timestamp int64) (int64, error) {
	return enqueue(ctx, s.db, a, p, timestamp)
}

// PutAndEnqueue writes a local row and queues its mutation in one
// transaction.
func (s *Store) PutAndEnqueue(ctx context.Context, e model.Entity, a model.Action, p model.Payload, timestamp int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin local write %s/%s: %w", e.Collection(), e.EntityID(), err)
	}
	if err := putEntity(ctx, tx, e); err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	seq, err := enqueue(ctx, tx, a, p, timestamp)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit local write %s/%s: %w", e.Collection(), e.EntityID(), err)
	}
	return seq, nil
}

func enqueue(ctx context.Context, x execer, a model.Action, p model.Payload, timestamp int64) (int64, error) {
	if !a.Valid() {
		return 0, fmt.Errorf("%w: %q", model.ErrUnknownAction, a)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return 0, fmt.Errorf("encode queue payload %s/%s: %w", p.Collection(), p.EntityID(), err)
	}
	res, err := x.ExecContext(ctx, `
		INSERT INTO sync_queue (collection, action, entity_id, data, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		string(p.Collection()), string(a), p.EntityID(), string(data), timestamp)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s %s/%s: %w", a, p.Collection(), p.EntityID(), err)
	}
	return res.LastInsertId()
}

// PendingItems returns the whole queue in drain order: enqueue timestamp, then
// sequence for items stamped in the same millisecond.
func (s *Store) PendingItems(ctx context.Context) ([]QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, collection, action, entity_id, data, timestamp
		FROM sync_queue
		ORDER BY timestamp, seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync queue: %w", err)
	}
	var items []QueueItem
	for rows.Next() {
		var (
			it        QueueItem
			coll, act string
			data      string
		)
		if err := rows.Scan(&it.Seq, &coll, &act, &it.EntityID, &data, &it.Timestamp); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan sync queue row: %w", err)
		}
		it.Collection = model.Collection(coll)
		it.Action = model.Action(act)
		it.Raw = json.RawMessage(data)
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("failed to iterate sync queue: %w", err)
	}
	_ = rows.Close()

	for i := range items {
		it := &items[i]
		if !it.Collection.Valid() {
			it.DecodeErr = fmt.Errorf("%w: %q", model.ErrUnknownCollection, it.Collection)
			continue
		}
		it.Payload, it.DecodeErr = model.DecodePayload(it.Collection, it.Action, it.Raw)
	}
	return items, nil
}

// RemoveQueueItem deletes a drained item.
func (s *Store) RemoveQueueItem(ctx context.Context, seq int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE seq = ?`, seq); err != nil {
		return fmt.Errorf("remove queue item %d: %w", seq, err)
	}
	return nil
}

// HasPending reports whether any queued item targets collection/id.
func (s *Store) HasPending(ctx context.Context, c model.Collection, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE collection = ? AND entity_id = ?`,
		string(c), id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check pending %s/%s: %w", c, id, err)
	}
	return n > 0, nil
}

// PendingIDs returns the set of entity ids queued for a collection.
func (s *Store) PendingIDs(ctx context.Context, c model.Collection) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT entity_id FROM sync_queue WHERE collection = ?`, string(c))
	if err != nil {
		return nil, fmt.Errorf("query pending ids %s: %w", c, err)
	}
	defer rows.Close()
	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pending id %s: %w", c, err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// QueueLen returns the number of queued items.
func (s *Store) QueueLen(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sync queue: %w", err)
	}
	return n, nil
}
