// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package replica is the on-device mirror of a tenant workspace: one SQLite table
// per replicated collection plus the sync infrastructure tables (outbound queue,
// image cache, upload queue, sync metadata and deletion history).
//
// Entity rows are stored as JSON documents next to the extracted index columns, so
// rows written by an older schema version decode without the fields introduced
// later.
package replica

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/TTR-x/ttr-gestion-sub000/model"
)

// Store is the local replica. All access goes through a single SQLite
// connection, so callers never hold a result set open while issuing another
// statement.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Open opens (or creates) the replica database at path. Use ":memory:" for a
// throwaway store.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	s, err := New(ctx, db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already opened SQLite handle, applying pragmas and migrations.
func New(ctx context.Context, db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeDatabase(ctx, db); err != nil {
		return nil, fmt.Errorf("failed to initialize replica: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func initializeDatabase(ctx context.Context, db *sql.DB) error {
	// One connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA foreign_keys=ON`,
		`PRAGMA busy_timeout=5000`,
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return runMigrations(ctx, db)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for diagnostics and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// SchemaVersion returns the applied schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("get user_version: %w", err)
	}
	return v, nil
}

// Put upserts an entity by id. Writing the same row twice leaves one row.
func (s *Store) Put(ctx context.Context, e model.Entity) error {
	return putEntity(ctx, s.db, e)
}

// PutMany upserts entities in one transaction.
func (s *Store) PutMany(ctx context.Context, es []model.Entity) error {
	if len(es) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bulk put: %w", err)
	}
	for _, e := range es {
		if err := putEntity(ctx, tx, e); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bulk put: %w", err)
	}
	return nil
}

func putEntity(ctx context.Context, x execer, e model.Entity) error {
	t, err := tableFor(e.Collection())
	if err != nil {
		return err
	}
	base := e.Base()
	if base.ID == "" {
		return fmt.Errorf("put %s: empty id", e.Collection())
	}
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", e.Collection(), base.ID, err)
	}
	fields, err := indexValues(doc)
	if err != nil {
		return fmt.Errorf("index %s/%s: %w", e.Collection(), base.ID, err)
	}

	cols := []string{"id"}
	args := []any{base.ID}
	for _, idx := range t.indexes {
		cols = append(cols, idx.column)
		args = append(args, fields[idx.field])
	}
	cols = append(cols, "is_deleted", "doc")
	args = append(args, base.IsDeleted, string(doc))

	updates := make([]string, 0, len(cols)-1)
	for _, c := range cols[1:] {
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s`,
		t.name,
		strings.Join(cols, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "),
		strings.Join(updates, ", "))

	if _, err := x.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("put %s/%s: %w", e.Collection(), base.ID, err)
	}
	return nil
}

// indexValues extracts scalar top-level fields from a JSON document as SQL
// values. Numbers keep their integer form when they have one.
func indexValues(doc []byte) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(string(doc)))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case json.Number:
			if i, err := val.Int64(); err == nil {
				out[k] = i
			} else {
				out[k] = val.String()
			}
		case string, bool:
			out[k] = val
		}
	}
	return out, nil
}

// Get returns one row by id, deleted or not.
func (s *Store) Get(ctx context.Context, c model.Collection, id string) (model.Entity, error) {
	t, err := tableFor(c)
	if err != nil {
		return nil, err
	}
	var doc string
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT doc FROM %s WHERE id = ?`, t.name), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", c, id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", c, id, err)
	}
	return model.DecodeEntity(c, []byte(doc))
}

// Query returns the non-deleted rows whose indexed field equals value.
func (s *Store) Query(ctx context.Context, c model.Collection, field string, value any) ([]model.Entity, error) {
	return s.query(ctx, c, field, value, false)
}

// QueryAll is Query including soft-deleted rows.
func (s *Store) QueryAll(ctx context.Context, c model.Collection, field string, value any) ([]model.Entity, error) {
	return s.query(ctx, c, field, value, true)
}

func (s *Store) query(ctx context.Context, c model.Collection, field string, value any, withDeleted bool) ([]model.Entity, error) {
	t, err := tableFor(c)
	if err != nil {
		return nil, err
	}
	col, ok := t.column(field)
	if !ok {
		return nil, fmt.Errorf("query %s: field %q is not indexed", c, field)
	}
	q := fmt.Sprintf(`SELECT doc FROM %s WHERE %s = ?`, t.name, col)
	if !withDeleted {
		q += ` AND is_deleted = 0`
	}
	q += ` ORDER BY rowid`
	return s.selectDocs(ctx, c, q, value)
}

// Scan returns every non-deleted row of a collection.
func (s *Store) Scan(ctx context.Context, c model.Collection) ([]model.Entity, error) {
	t, err := tableFor(c)
	if err != nil {
		return nil, err
	}
	return s.selectDocs(ctx, c, fmt.Sprintf(`SELECT doc FROM %s WHERE is_deleted = 0 ORDER BY rowid`, t.name))
}

func (s *Store) selectDocs(ctx context.Context, c model.Collection, q string, args ...any) ([]model.Entity, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", c, err)
	}
	var docs []string
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan %s: %w", c, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate %s: %w", c, err)
	}
	_ = rows.Close()

	out := make([]model.Entity, 0, len(docs))
	for _, doc := range docs {
		e, err := model.DecodeEntity(c, []byte(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Delete physically removes a row. Application deletes are soft; this is only
// used when the remote store reports a removal.
func (s *Store) Delete(ctx context.Context, c model.Collection, id string) error {
	return deleteEntity(ctx, s.db, c, id)
}

func deleteEntity(ctx context.Context, x execer, c model.Collection, id string) error {
	t, err := tableFor(c)
	if err != nil {
		return err
	}
	if _, err := x.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, t.name), id); err != nil {
		return fmt.Errorf("delete %s/%s: %w", c, id, err)
	}
	return nil
}

// ApplyRemote writes a remote change unless a queued local mutation targets
// the same row. A nil entity removes the row. The queue check and the write
// share one transaction, so an Enqueue cannot land between them.
func (s *Store) ApplyRemote(ctx context.Context, c model.Collection, id string, e model.Entity) (applied bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin remote apply %s/%s: %w", c, id, err)
	}
	defer func() {
		if err != nil || !applied {
			_ = tx.Rollback()
		}
	}()

	var n int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE collection = ? AND entity_id = ?`,
		string(c), id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check pending %s/%s: %w", c, id, err)
	}
	if n > 0 {
		return false, nil
	}

	if e == nil {
		err = deleteEntity(ctx, tx, c, id)
	} else {
		err = putEntity(ctx, tx, e)
	}
	if err != nil {
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit remote apply %s/%s: %w", c, id, err)
	}
	return true, nil
}

// GetAs is Get with the concrete entity type.
func GetAs[T model.Entity](ctx context.Context, s *Store, c model.Collection, id string) (T, error) {
	var zero T
	e, err := s.Get(ctx, c, id)
	if err != nil {
		return zero, err
	}
	typed, ok := e.(T)
	if !ok {
		return zero, fmt.Errorf("%s/%s: unexpected type %T", c, id, e)
	}
	return typed, nil
}

// QueryAs is Query with the concrete entity type.
func QueryAs[T model.Entity](ctx context.Context, s *Store, c model.Collection, field string, value any) ([]T, error) {
	es, err := s.Query(ctx, c, field, value)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(es))
	for _, e := range es {
		typed, ok := e.(T)
		if !ok {
			return nil, fmt.Errorf("%s: unexpected type %T", c, e)
		}
		out = append(out, typed)
	}
	return out, nil
}

// GetMeta reads a sync metadata value. ok is false when the key is absent.
func (s *Store) GetMeta(ctx context.Context, key string) (value string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get meta %q: %w", key, err)
	}
	return value, true, nil
}

// SetMeta writes a sync metadata value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %q: %w", key, err)
	}
	return nil
}

const deviceIDKey = "deviceId"

// EnsureDeviceID returns the persisted device id, generating it on first use.
func (s *Store) EnsureDeviceID(ctx context.Context) (string, error) {
	id, ok, err := s.GetMeta(ctx, deviceIDKey)
	if err != nil {
		return "", err
	}
	if ok && id != "" {
		return id, nil
	}
	id = uuid.New().String()
	if err := s.SetMeta(ctx, deviceIDKey, id); err != nil {
		return "", fmt.Errorf("failed to persist device id: %w", err)
	}
	s.logger.Info("generated device id", "device_id", id)
	return id, nil
}
