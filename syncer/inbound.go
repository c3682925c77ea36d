// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/TTR-x/ttr-gestion-sub000/model"
	"github.com/TTR-x/ttr-gestion-sub000/remote"
)

const lastInitialSyncKey = "lastInitialSync:"

// InitialSync pulls every collection of a workspace into the replica. Rows
// with a queued local mutation and soft-deleted rows are skipped; local rows
// missing remotely are kept. A failing collection does not stop the others;
// their errors are joined.
func (e *Engine) InitialSync(ctx context.Context, businessID, workspaceID string) error {
	started := time.Now()
	var (
		errs  []error
		total int
	)
	for _, c := range model.Collections {
		n, err := e.syncCollection(ctx, businessID, workspaceID, c)
		if err != nil {
			e.logger.Error("initial sync failed for collection",
				"collection", c, "business_id", businessID, "workspace_id", workspaceID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c, err))
			continue
		}
		total += n
		e.logger.Debug("initial sync collection done", "collection", c, "rows", n)
	}

	err := errors.Join(errs...)
	e.observeStage(ctx, MetricsOpInitialSync, MetricsStageTotal, started, total, err != nil)
	if err == nil {
		stamp := strconv.FormatInt(model.Millis(e.clock.ServerNow()), 10)
		if serr := e.store.SetMeta(ctx, lastInitialSyncKey+workspaceID, stamp); serr != nil {
			e.logger.Warn("failed to record initial sync time", "error", serr)
		}
	}
	return err
}

// LastInitialSync returns when the workspace last completed an initial sync.
func (e *Engine) LastInitialSync(ctx context.Context, workspaceID string) (time.Time, bool, error) {
	v, ok, err := e.store.GetMeta(ctx, lastInitialSyncKey+workspaceID)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse last initial sync: %w", err)
	}
	return time.UnixMilli(ms), true, nil
}

func (e *Engine) syncCollection(ctx context.Context, businessID, workspaceID string, c model.Collection) (int, error) {
	docs, err := e.remote.List(ctx, businessID, c, "workspaceId", workspaceID)
	if err != nil {
		return 0, err
	}
	pending, err := e.store.PendingIDs(ctx, c)
	if err != nil {
		return 0, err
	}

	rows := make([]model.Entity, 0, len(docs))
	for _, raw := range docs {
		ent, err := model.DecodeEntity(c, raw)
		if err != nil {
			e.logger.Warn("skipping undecodable remote row", "collection", c, "error", err)
			continue
		}
		if _, ok := pending[ent.EntityID()]; ok {
			continue
		}
		if ent.Base().IsDeleted {
			continue
		}
		rows = append(rows, ent)
	}
	if err := e.store.PutMany(ctx, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// Subscribe watches every collection of the business and applies changes to
// the workspace's rows. The returned function detaches all listeners and
// waits for them to stop.
func (e *Engine) Subscribe(ctx context.Context, businessID, workspaceID string) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	for _, c := range model.Collections {
		events, err := e.remote.Watch(subCtx, businessID, c)
		if err != nil {
			cancel()
			wg.Wait()
			return nil, fmt.Errorf("watch %s: %w", c, err)
		}
		stream := e.suppressPending(subCtx, c, e.scopeToWorkspace(subCtx, c, workspaceID, events))

		wg.Add(1)
		go func(c model.Collection) {
			defer wg.Done()
			for ev := range stream {
				if e.beforeApply != nil {
					e.beforeApply(c, ev)
				}
				if err := e.applyEvent(subCtx, c, ev); err != nil {
					e.logger.Warn("failed to apply remote change",
						"collection", c, "id", ev.ID, "type", ev.Type, "error", err)
				}
			}
		}(c)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}, nil
}

// scopeToWorkspace drops events of other workspaces. A removal carries no
// document, so it is kept only when the local row belongs to the workspace
// or is unknown.
func (e *Engine) scopeToWorkspace(ctx context.Context, c model.Collection, workspaceID string, in <-chan remote.ChangeEvent) <-chan remote.ChangeEvent {
	return filterEvents(ctx, in, func(ev remote.ChangeEvent) bool {
		if ev.Type == remote.EventRemoved {
			local, err := e.store.Get(ctx, c, ev.ID)
			if err != nil {
				return true
			}
			_, ws := local.Partition()
			return ws == workspaceID
		}
		var scope struct {
			WorkspaceID string `json:"workspaceId"`
		}
		if err := json.Unmarshal(ev.Doc, &scope); err != nil {
			return false
		}
		return scope.WorkspaceID == workspaceID
	})
}

// suppressPending drops events for entities with a queued local mutation.
// applyEvent checks again when writing; this stage only spares the decode.
func (e *Engine) suppressPending(ctx context.Context, c model.Collection, in <-chan remote.ChangeEvent) <-chan remote.ChangeEvent {
	return filterEvents(ctx, in, func(ev remote.ChangeEvent) bool {
		pending, err := e.store.HasPending(ctx, c, ev.ID)
		if err != nil {
			e.logger.Warn("pending check failed, skipping remote change", "collection", c, "id", ev.ID, "error", err)
			return false
		}
		if pending {
			e.logger.Debug("remote change suppressed by pending local write", "collection", c, "id", ev.ID)
		}
		return !pending
	})
}

func filterEvents(ctx context.Context, in <-chan remote.ChangeEvent, keep func(remote.ChangeEvent) bool) <-chan remote.ChangeEvent {
	out := make(chan remote.ChangeEvent)
	go func() {
		defer close(out)
		for ev := range in {
			if !keep(ev) {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// applyEvent writes a remote change to the replica. A nil entity removes the
// row. The write is skipped when a local mutation was queued for the row
// after the event passed suppressPending.
func (e *Engine) applyEvent(ctx context.Context, c model.Collection, ev remote.ChangeEvent) error {
	var ent model.Entity
	switch ev.Type {
	case remote.EventAdded, remote.EventChanged:
		decoded, err := model.DecodeEntity(c, ev.Doc)
		if err != nil {
			return err
		}
		if !decoded.Base().IsDeleted {
			ent = decoded
		}
	case remote.EventRemoved:
	default:
		return fmt.Errorf("unknown change type %q", ev.Type)
	}
	applied, err := e.store.ApplyRemote(ctx, c, ev.ID, ent)
	if err != nil {
		return err
	}
	if !applied {
		e.logger.Debug("remote change suppressed by pending local write", "collection", c, "id", ev.ID)
	}
	return nil
}
