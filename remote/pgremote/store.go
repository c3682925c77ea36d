// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package pgremote is the server-side remote store on PostgreSQL. Documents are
// JSONB rows keyed by business, collection and id; every write appends to a
// change log in the same transaction and notifies listeners, which is what
// Watch and the HTTP change feed are built on.
package pgremote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/TTR-x/ttr-gestion-sub000/model"
	"github.com/TTR-x/ttr-gestion-sub000/remote"
)

type Config struct {
	// Publisher receives every committed change. Optional.
	Publisher remote.Publisher
	// PollInterval bounds how long Watch waits for a notification before
	// reading the change log anyway.
	PollInterval time.Duration
	// MaxAttempts bounds transaction retries on serialization failures.
	MaxAttempts int
	Logger      *slog.Logger
}

type Store struct {
	pool         *pgxpool.Pool
	publisher    remote.Publisher
	pollInterval time.Duration
	maxAttempts  int
	logger       *slog.Logger
}

var _ remote.Store = (*Store)(nil)
var _ remote.ChangeFeed = (*Store)(nil)

// New creates the store and its tables.
func New(ctx context.Context, pool *pgxpool.Pool, cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	s := &Store{
		pool:         pool,
		publisher:    cfg.Publisher,
		pollInterval: cfg.PollInterval,
		maxAttempts:  cfg.MaxAttempts,
		logger:       cfg.Logger,
	}
	if err := s.initializeSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) List(ctx context.Context, businessID string, c model.Collection, field, value string) ([]json.RawMessage, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if field == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT doc FROM documents WHERE business_id = $1 AND collection = $2 ORDER BY id`,
			businessID, string(c))
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT doc FROM documents WHERE business_id = $1 AND collection = $2 AND doc->>$3 = $4 ORDER BY id`,
			businessID, string(c), field, value)
	}
	if err != nil {
		return nil, fmt.Errorf("list %s/%s: %w", businessID, c, err)
	}
	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (json.RawMessage, error) {
		var raw []byte
		err := row.Scan(&raw)
		return json.RawMessage(raw), err
	})
	if err != nil {
		return nil, fmt.Errorf("list %s/%s: %w", businessID, c, err)
	}
	return docs, nil
}

func (s *Store) Get(ctx context.Context, businessID string, c model.Collection, id string) (json.RawMessage, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM documents WHERE business_id = $1 AND collection = $2 AND id = $3`,
		businessID, string(c), id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", remote.DocPath(businessID, c, id), remote.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", remote.DocPath(businessID, c, id), err)
	}
	return raw, nil
}

func encode(d remote.Doc) ([]byte, error) {
	if err := remote.CheckDoc(d); err != nil {
		return nil, err
	}
	return json.Marshal(d)
}

func (s *Store) Set(ctx context.Context, businessID string, c model.Collection, id string, doc remote.Doc) error {
	path := remote.DocPath(businessID, c, id)
	raw, err := encode(doc)
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	var ev remote.ChangeEvent
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		var inserted bool
		if err := tx.QueryRow(ctx, `
			INSERT INTO documents (business_id, collection, id, doc)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (business_id, collection, id) DO UPDATE
			SET doc = EXCLUDED.doc, updated_at = now()
			RETURNING (xmax = 0)`,
			businessID, string(c), id, raw).Scan(&inserted); err != nil {
			return err
		}
		typ := remote.EventChanged
		if inserted {
			typ = remote.EventAdded
		}
		ev, err = appendChange(ctx, tx, businessID, c, id, typ, raw)
		return err
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	s.publish(ctx, ev)
	return nil
}

func (s *Store) Update(ctx context.Context, businessID string, c model.Collection, id string, fields remote.Doc) error {
	path := remote.DocPath(businessID, c, id)
	raw, err := encode(fields)
	if err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	var ev remote.ChangeEvent
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		var merged []byte
		err := tx.QueryRow(ctx, `
			UPDATE documents SET doc = doc || $4::jsonb, updated_at = now()
			WHERE business_id = $1 AND collection = $2 AND id = $3
			RETURNING doc`,
			businessID, string(c), id, raw).Scan(&merged)
		if errors.Is(err, pgx.ErrNoRows) {
			return remote.ErrNotFound
		}
		if err != nil {
			return err
		}
		ev, err = appendChange(ctx, tx, businessID, c, id, remote.EventChanged, merged)
		return err
	})
	if err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	s.publish(ctx, ev)
	return nil
}

// AdjustStock locks the stock row, checks the new quantity and writes it back
// in one transaction.
func (s *Store) AdjustStock(ctx context.Context, businessID, id string, delta int, clamp bool, fields remote.Doc) (int, error) {
	path := remote.DocPath(businessID, model.Stock, id)
	if err := remote.CheckDoc(fields); err != nil {
		return 0, fmt.Errorf("adjust %s: %w", path, err)
	}
	var (
		ev   remote.ChangeEvent
		next int
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var raw []byte
		err := tx.QueryRow(ctx, `
			SELECT doc FROM documents
			WHERE business_id = $1 AND collection = $2 AND id = $3
			FOR UPDATE`,
			businessID, string(model.Stock), id).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			return remote.ErrNotFound
		}
		if err != nil {
			return err
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var doc remote.Doc
		if err := dec.Decode(&doc); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		have := remote.Quantity(doc, "currentQuantity")
		next = have + delta
		if next < 0 {
			if !clamp {
				next = have
				return fmt.Errorf("have %d, cannot remove %d: %w", have, -delta, remote.ErrInsufficientStock)
			}
			next = 0
		}
		doc = remote.Merge(doc, fields)
		doc["currentQuantity"] = next
		updated, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE documents SET doc = $4, updated_at = now()
			WHERE business_id = $1 AND collection = $2 AND id = $3`,
			businessID, string(model.Stock), id, updated); err != nil {
			return err
		}
		ev, err = appendChange(ctx, tx, businessID, model.Stock, id, remote.EventChanged, updated)
		return err
	})
	if err != nil {
		return next, fmt.Errorf("adjust %s: %w", path, err)
	}
	s.publish(ctx, ev)
	return next, nil
}

// Remove deletes a document physically. Application flows soft-delete; this
// serves administrative purges.
func (s *Store) Remove(ctx context.Context, businessID string, c model.Collection, id string) error {
	path := remote.DocPath(businessID, c, id)
	var ev remote.ChangeEvent
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM documents WHERE business_id = $1 AND collection = $2 AND id = $3`,
			businessID, string(c), id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return remote.ErrNotFound
		}
		ev, err = appendChange(ctx, tx, businessID, c, id, remote.EventRemoved, nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	s.publish(ctx, ev)
	return nil
}

func appendChange(ctx context.Context, tx pgx.Tx, businessID string, c model.Collection, id string, typ remote.EventType, doc []byte) (remote.ChangeEvent, error) {
	ev := remote.ChangeEvent{Type: typ, BusinessID: businessID, Collection: c, ID: id, Doc: doc}
	if err := tx.QueryRow(ctx, `
		INSERT INTO change_log (business_id, collection, id, op, doc)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING seq`,
		businessID, string(c), id, string(typ), doc).Scan(&ev.Seq); err != nil {
		return ev, fmt.Errorf("append change: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, businessID); err != nil {
		return ev, fmt.Errorf("notify change: %w", err)
	}
	return ev, nil
}

func (s *Store) publish(ctx context.Context, ev remote.ChangeEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("failed to publish change", "path", ev.Path(), "seq", ev.Seq, "error", err)
	}
}

// Changes reads the change log of a business after a cursor.
func (s *Store) Changes(ctx context.Context, businessID string, after int64, limit int) ([]remote.ChangeEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT seq, collection, id, op, doc FROM change_log
		WHERE business_id = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3`,
		businessID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("read changes of %s: %w", businessID, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (remote.ChangeEvent, error) {
		var (
			ev         remote.ChangeEvent
			collection string
			op         string
			doc        []byte
		)
		if err := row.Scan(&ev.Seq, &collection, &ev.ID, &op, &doc); err != nil {
			return ev, err
		}
		ev.BusinessID = businessID
		ev.Collection = model.Collection(collection)
		ev.Type = remote.EventType(op)
		ev.Doc = doc
		return ev, nil
	})
}

func (s *Store) Head(ctx context.Context, businessID string) (int64, error) {
	var seq int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM change_log WHERE business_id = $1`, businessID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("change head of %s: %w", businessID, err)
	}
	return seq, nil
}

func (s *Store) ServerTime(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT now()`).Scan(&now); err != nil {
		return time.Time{}, err
	}
	return now, nil
}
