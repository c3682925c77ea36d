// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package syncer keeps a device replica consistent with the remote store under
// unreliable connectivity. Local mutations are applied optimistically and
// queued; the queue is drained in enqueue order whenever the device is online.
// Inbound remote changes are applied unless the same entity still has a queued
// mutation, so a local edit is never overwritten before it round-trips.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/TTR-x/ttr-gestion-sub000/model"
	"github.com/TTR-x/ttr-gestion-sub000/remote"
	"github.com/TTR-x/ttr-gestion-sub000/replica"
)

// ErrInsufficientStock is returned when an adjustment would make a stock
// quantity negative. It matches remote rejections too.
var ErrInsufficientStock = remote.ErrInsufficientStock

// Config holds Engine options.
type Config struct {
	// AutoDrain starts a background drain after every mutation and on
	// reconnect.
	AutoDrain bool
	// PhoneRegion is the default region for client phone numbers without a
	// country code, e.g. "TG".
	PhoneRegion string
	// Writers overrides the remote writer of individual collections.
	Writers map[model.Collection]Writer
	Clock   *Clock
	Metrics StageMetricsRecorder
	Logger  *slog.Logger
}

// DefaultConfig returns the configuration used by devices.
func DefaultConfig() Config {
	return Config{
		AutoDrain:   true,
		PhoneRegion: "TG",
	}
}

// Engine is one sync session. All state lives on the struct so several
// engines can run side by side.
type Engine struct {
	store   *replica.Store
	remote  remote.Store
	session Session
	clock   *Clock
	writers map[model.Collection]Writer
	metrics StageMetricsRecorder
	logger  *slog.Logger

	autoDrain   bool
	phoneRegion string

	online   atomic.Bool
	draining atomic.Bool
	rerun    atomic.Bool
	closed   atomic.Bool

	// bg outlives callers: background drains are never aborted mid-write.
	bg context.Context
	wg sync.WaitGroup

	// beforeApply runs in Subscribe listeners ahead of each write; tests only.
	beforeApply func(model.Collection, remote.ChangeEvent)
}

// New builds an engine. The engine starts offline; call SetOnline.
func New(store *replica.Store, rs remote.Store, session Session, cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = NewClock(nil)
	}
	writers := DefaultWriters(rs)
	for c, w := range cfg.Writers {
		writers[c] = w
	}
	return &Engine{
		store:       store,
		remote:      rs,
		session:     session,
		clock:       clock,
		writers:     writers,
		metrics:     cfg.Metrics,
		logger:      logger,
		autoDrain:   cfg.AutoDrain,
		phoneRegion: cfg.PhoneRegion,
		bg:          context.Background(),
	}
}

// Store returns the local replica.
func (e *Engine) Store() *replica.Store { return e.store }

// Clock returns the engine clock.
func (e *Engine) Clock() *Clock { return e.clock }

// Session returns the session the engine writes for.
func (e *Engine) Session() Session { return e.session }

// Start calibrates the clock and drains once if already online.
func (e *Engine) Start(ctx context.Context) error {
	drifted, err := e.clock.Calibrate(ctx, e.remote)
	switch {
	case err != nil:
		e.logger.Warn("clock calibration failed", "error", err)
	case drifted:
		e.logger.Warn("device clock drift", "offset", e.clock.Offset())
	}
	if !e.online.Load() {
		return nil
	}
	return e.Drain(ctx)
}

// SetOnline records connectivity. Going online triggers a drain.
func (e *Engine) SetOnline(online bool) {
	was := e.online.Swap(online)
	if online && !was {
		e.logger.Info("connectivity restored")
		e.kick()
	}
}

// Online reports the current connectivity.
func (e *Engine) Online() bool { return e.online.Load() }

// IsPending reports whether the queue holds a mutation for c/id.
func (e *Engine) IsPending(ctx context.Context, c model.Collection, id string) (bool, error) {
	return e.store.HasPending(ctx, c, id)
}

// Close waits for background drains. The engine accepts no further kicks.
func (e *Engine) Close() error {
	e.closed.Store(true)
	e.wg.Wait()
	return nil
}

// kick starts a background drain when enabled.
func (e *Engine) kick() {
	if !e.autoDrain || e.closed.Load() || !e.online.Load() {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.Drain(e.bg); err != nil {
			e.logger.Warn("background drain failed", "error", err)
		}
	}()
}

func (e *Engine) writerFor(c model.Collection) (Writer, error) {
	w, ok := e.writers[c]
	if !ok {
		return nil, fmt.Errorf("%w: no writer for %q", model.ErrUnknownCollection, c)
	}
	return w, nil
}
