// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package memremote is an in-process remote realtime store. It keeps documents
// as JSON, emits change events to watchers and records every write, which makes
// it the remote side of tests and local demos.
package memremote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/TTR-x/ttr-gestion-sub000/model"
	"github.com/TTR-x/ttr-gestion-sub000/remote"
)

// Write is one accepted write, in commit order.
type Write struct {
	Op         string
	BusinessID string
	Collection model.Collection
	ID         string
	Doc        remote.Doc
}

type docKey struct {
	businessID string
	collection model.Collection
	id         string
}

type watchKey struct {
	businessID string
	collection model.Collection
}

// Store implements remote.Store and remote.ChangeFeed in memory.
type Store struct {
	mu        sync.Mutex
	docs      map[docKey]json.RawMessage
	changes   []remote.ChangeEvent
	seq       int64
	writes    []Write
	watchers  map[watchKey]map[*watcher]struct{}
	offline   bool
	failures  map[string][]error
	now       func() time.Time
	publisher remote.Publisher
	logger    *slog.Logger
}

var (
	_ remote.Store      = (*Store)(nil)
	_ remote.ChangeFeed = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		docs:     make(map[docKey]json.RawMessage),
		watchers: make(map[watchKey]map[*watcher]struct{}),
		failures: make(map[string][]error),
		now:      time.Now,
		logger:   slog.Default(),
	}
}

// WithPublisher forwards every applied change to p. Publish errors are logged.
func (s *Store) WithPublisher(p remote.Publisher) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publisher = p
	return s
}

// SetClock replaces the server clock.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetOffline makes every call fail with remote.ErrUnavailable while true.
func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// FailNext makes the next write to the document fail with err.
func (s *Store) FailNext(businessID string, c model.Collection, id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := remote.DocPath(businessID, c, id)
	s.failures[p] = append(s.failures[p], err)
}

// Writes returns the accepted writes in order.
func (s *Store) Writes() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Write, len(s.writes))
	copy(out, s.writes)
	return out
}

func (s *Store) check(path string) error {
	if s.offline {
		return remote.ErrUnavailable
	}
	if errs := s.failures[path]; len(errs) > 0 {
		s.failures[path] = errs[1:]
		return errs[0]
	}
	return nil
}

func (s *Store) List(ctx context.Context, businessID string, c model.Collection, field, value string) ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return nil, remote.ErrUnavailable
	}
	var keys []docKey
	for k := range s.docs {
		if k.businessID == businessID && k.collection == c {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].id < keys[j].id })

	var out []json.RawMessage
	for _, k := range keys {
		raw := s.docs[k]
		var d remote.Doc
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("decode %s: %w", remote.DocPath(k.businessID, k.collection, k.id), err)
		}
		if field == "" || fieldEquals(d[field], value) {
			out = append(out, append(json.RawMessage(nil), raw...))
		}
	}
	return out, nil
}

func fieldEquals(v any, want string) bool {
	switch val := v.(type) {
	case string:
		return val == want
	case float64:
		return fmt.Sprint(int64(val)) == want || fmt.Sprint(val) == want
	case bool:
		return fmt.Sprint(val) == want
	}
	return false
}

func (s *Store) Get(ctx context.Context, businessID string, c model.Collection, id string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return nil, remote.ErrUnavailable
	}
	raw, ok := s.docs[docKey{businessID, c, id}]
	if !ok {
		return nil, fmt.Errorf("%s: %w", remote.DocPath(businessID, c, id), remote.ErrNotFound)
	}
	return append(json.RawMessage(nil), raw...), nil
}

func (s *Store) Set(ctx context.Context, businessID string, c model.Collection, id string, doc remote.Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := remote.DocPath(businessID, c, id)
	if err := s.check(path); err != nil {
		return err
	}
	if err := remote.CheckDoc(doc); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	_, existed := s.docs[docKey{businessID, c, id}]
	ev := remote.EventAdded
	if existed {
		ev = remote.EventChanged
	}
	return s.commit(ctx, "set", businessID, c, id, doc, ev)
}

func (s *Store) Update(ctx context.Context, businessID string, c model.Collection, id string, fields remote.Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := remote.DocPath(businessID, c, id)
	if err := s.check(path); err != nil {
		return err
	}
	if err := remote.CheckDoc(fields); err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	raw, ok := s.docs[docKey{businessID, c, id}]
	if !ok {
		return fmt.Errorf("update %s: %w", path, remote.ErrNotFound)
	}
	var current remote.Doc
	if err := json.Unmarshal(raw, &current); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return s.commit(ctx, "update", businessID, c, id, remote.Merge(current, fields), remote.EventChanged)
}

func (s *Store) AdjustStock(ctx context.Context, businessID, id string, delta int, clamp bool, fields remote.Doc) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := remote.DocPath(businessID, model.Stock, id)
	if err := s.check(path); err != nil {
		return 0, err
	}
	raw, ok := s.docs[docKey{businessID, model.Stock, id}]
	if !ok {
		return 0, fmt.Errorf("adjust %s: %w", path, remote.ErrNotFound)
	}
	var current remote.Doc
	if err := json.Unmarshal(raw, &current); err != nil {
		return 0, fmt.Errorf("decode %s: %w", path, err)
	}
	qty := remote.Quantity(current, "currentQuantity")
	next := qty + delta
	if next < 0 {
		if !clamp {
			return qty, fmt.Errorf("adjust %s by %d (have %d): %w", path, delta, qty, remote.ErrInsufficientStock)
		}
		next = 0
	}
	doc := remote.Merge(current, fields)
	doc["currentQuantity"] = next
	if err := s.commit(ctx, "adjust", businessID, model.Stock, id, doc, remote.EventChanged); err != nil {
		return qty, err
	}
	return next, nil
}

// Remove hard-deletes a document, as an administrator would.
func (s *Store) Remove(ctx context.Context, businessID string, c model.Collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := docKey{businessID, c, id}
	if _, ok := s.docs[k]; !ok {
		return fmt.Errorf("remove %s: %w", remote.DocPath(businessID, c, id), remote.ErrNotFound)
	}
	delete(s.docs, k)
	s.writes = append(s.writes, Write{Op: "remove", BusinessID: businessID, Collection: c, ID: id})
	s.emit(ctx, remote.ChangeEvent{Type: remote.EventRemoved, BusinessID: businessID, Collection: c, ID: id})
	return nil
}

// commit stores doc and notifies watchers. Callers hold s.mu.
func (s *Store) commit(ctx context.Context, op, businessID string, c model.Collection, id string, doc remote.Doc, ev remote.EventType) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", remote.DocPath(businessID, c, id), err)
	}
	s.docs[docKey{businessID, c, id}] = raw
	var stored remote.Doc
	_ = json.Unmarshal(raw, &stored)
	s.writes = append(s.writes, Write{Op: op, BusinessID: businessID, Collection: c, ID: id, Doc: stored})
	s.emit(ctx, remote.ChangeEvent{Type: ev, BusinessID: businessID, Collection: c, ID: id, Doc: raw})
	return nil
}

func (s *Store) emit(ctx context.Context, ev remote.ChangeEvent) {
	s.seq++
	ev.Seq = s.seq
	s.changes = append(s.changes, ev)
	for w := range s.watchers[watchKey{ev.BusinessID, ev.Collection}] {
		w.push(ev)
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, ev); err != nil {
			s.logger.Warn("publish change failed", "path", ev.Path(), "error", err)
		}
	}
}

// Watch streams the collection: an added event per existing document, then
// live changes.
func (s *Store) Watch(ctx context.Context, businessID string, c model.Collection) (<-chan remote.ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return nil, remote.ErrUnavailable
	}
	w := newWatcher()
	var ids []string
	for k := range s.docs {
		if k.businessID == businessID && k.collection == c {
			ids = append(ids, k.id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		w.push(remote.ChangeEvent{
			Type:       remote.EventAdded,
			BusinessID: businessID,
			Collection: c,
			ID:         id,
			Doc:        s.docs[docKey{businessID, c, id}],
			Seq:        s.seq,
		})
	}

	key := watchKey{businessID, c}
	if s.watchers[key] == nil {
		s.watchers[key] = make(map[*watcher]struct{})
	}
	s.watchers[key][w] = struct{}{}

	go func() {
		w.run(ctx)
		s.mu.Lock()
		delete(s.watchers[key], w)
		s.mu.Unlock()
	}()
	return w.out, nil
}

// Changes implements remote.ChangeFeed.
func (s *Store) Changes(ctx context.Context, businessID string, after int64, limit int) ([]remote.ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return nil, remote.ErrUnavailable
	}
	var out []remote.ChangeEvent
	for _, ev := range s.changes {
		if ev.Seq <= after || ev.BusinessID != businessID {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Head implements remote.ChangeFeed. The sequence is shared by all businesses.
func (s *Store) Head(ctx context.Context, businessID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return 0, remote.ErrUnavailable
	}
	return s.seq, nil
}

func (s *Store) ServerTime(ctx context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return time.Time{}, remote.ErrUnavailable
	}
	return s.now(), nil
}

// watcher buffers events so commits never block on a slow reader.
type watcher struct {
	mu     sync.Mutex
	queue  []remote.ChangeEvent
	signal chan struct{}
	out    chan remote.ChangeEvent
}

func newWatcher() *watcher {
	return &watcher{
		signal: make(chan struct{}, 1),
		out:    make(chan remote.ChangeEvent),
	}
}

func (w *watcher) push(ev remote.ChangeEvent) {
	w.mu.Lock()
	w.queue = append(w.queue, ev)
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *watcher) run(ctx context.Context) {
	defer close(w.out)
	for {
		w.mu.Lock()
		batch := w.queue
		w.queue = nil
		w.mu.Unlock()

		for _, ev := range batch {
			select {
			case w.out <- ev:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-w.signal:
		case <-ctx.Done():
			return
		}
	}
}
