// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/TTR-x/ttr-gestion-sub000/model"
	"github.com/TTR-x/ttr-gestion-sub000/remote"
	"github.com/TTR-x/ttr-gestion-sub000/replica"
)

// DrainStats summarizes one drain.
type DrainStats struct {
	Sent    int
	Failed  int
	Dropped int
}

// Drain pushes queued mutations to the remote store in enqueue order. It is a
// no-op when offline. A call that overlaps a running drain returns at once and
// makes the running drain take one more pass.
//
// A failed item stays queued and later items of the same entity wait for the
// next drain. Items that can never succeed are dropped with a warning.
func (e *Engine) Drain(ctx context.Context) error {
	_, err := e.drain(ctx)
	return err
}

func (e *Engine) drain(ctx context.Context) (DrainStats, error) {
	var total DrainStats
	if !e.online.Load() {
		return total, nil
	}
	if !e.draining.CompareAndSwap(false, true) {
		e.rerun.Store(true)
		return total, nil
	}
	defer e.draining.Store(false)

	for {
		e.rerun.Store(false)
		stats, err := e.drainPass(ctx)
		total.Sent += stats.Sent
		total.Failed += stats.Failed
		total.Dropped += stats.Dropped
		if err != nil {
			return total, err
		}
		if !e.rerun.Load() || !e.online.Load() {
			return total, nil
		}
	}
}

func (e *Engine) drainPass(ctx context.Context) (DrainStats, error) {
	var stats DrainStats
	started := time.Now()

	items, err := e.store.PendingItems(ctx)
	if err != nil {
		e.observeStage(ctx, MetricsOpDrain, MetricsStageTotal, started, 0, true)
		return stats, err
	}
	if len(items) == 0 {
		return stats, nil
	}

	held := make(map[string]struct{})
	for _, item := range items {
		key := string(item.Collection) + "/" + item.EntityID
		if _, ok := held[key]; ok {
			continue
		}

		if reason := poisonReason(item); reason != "" {
			e.logger.Warn("dropping malformed queue item",
				"seq", item.Seq, "collection", item.Collection, "action", item.Action,
				"entity_id", item.EntityID, "reason", reason)
			e.removeItem(ctx, item)
			stats.Dropped++
			continue
		}

		err := e.send(ctx, item)
		switch {
		case err == nil:
			e.removeItem(ctx, item)
			stats.Sent++
		case errors.Is(err, remote.ErrInsufficientStock):
			e.logger.Warn("stock adjustment rejected by remote",
				"seq", item.Seq, "stock_id", item.EntityID, "error", err)
			e.removeItem(ctx, item)
			e.refreshStock(ctx, item)
			stats.Dropped++
		case errors.Is(err, remote.ErrNotFound) && item.Action != model.ActionCreate:
			e.logger.Warn("dropping queue item for missing remote document",
				"seq", item.Seq, "collection", item.Collection, "action", item.Action,
				"entity_id", item.EntityID)
			e.removeItem(ctx, item)
			stats.Dropped++
		default:
			e.logger.Warn("queue item failed, will retry",
				"seq", item.Seq, "collection", item.Collection, "action", item.Action,
				"entity_id", item.EntityID, "error", err)
			held[key] = struct{}{}
			stats.Failed++
		}
	}

	e.observeStage(ctx, MetricsOpDrain, MetricsStageDrainSent, started, stats.Sent, false)
	e.observeStage(ctx, MetricsOpDrain, MetricsStageDrainFailed, started, stats.Failed, stats.Failed > 0)
	e.observeStage(ctx, MetricsOpDrain, MetricsStageDrainDropped, started, stats.Dropped, false)
	e.observeStage(ctx, MetricsOpDrain, MetricsStageTotal, started, len(items), stats.Failed > 0)
	e.logger.Debug("drain pass done", "sent", stats.Sent, "failed", stats.Failed, "dropped", stats.Dropped)
	return stats, nil
}

// poisonReason returns why an item can never be written, or "".
func poisonReason(item replica.QueueItem) string {
	if item.DecodeErr != nil {
		return item.DecodeErr.Error()
	}
	if item.Payload == nil {
		return "empty payload"
	}
	if item.Payload.EntityID() == "" {
		return "missing id"
	}
	businessID, workspaceID := item.Payload.Partition()
	if businessID == "" || workspaceID == "" {
		return "missing partition key"
	}
	return ""
}

func (e *Engine) send(ctx context.Context, item replica.QueueItem) error {
	w, err := e.writerFor(item.Collection)
	if err != nil {
		return err
	}
	return w.Write(ctx, item)
}

func (e *Engine) removeItem(ctx context.Context, item replica.QueueItem) {
	if err := e.store.RemoveQueueItem(ctx, item.Seq); err != nil {
		e.logger.Error("failed to remove queue item", "seq", item.Seq, "error", err)
	}
}

// refreshStock replaces the local quantity with the remote one after a
// rejected adjustment, then replays the adjustments still queued for the
// item so the local count keeps reflecting them.
func (e *Engine) refreshStock(ctx context.Context, item replica.QueueItem) {
	businessID, _ := item.Payload.Partition()
	raw, err := e.remote.Get(ctx, businessID, model.Stock, item.EntityID)
	if err != nil {
		e.logger.Warn("stock refresh failed", "stock_id", item.EntityID, "error", err)
		return
	}
	var doc remote.Doc
	if err := json.Unmarshal(raw, &doc); err != nil {
		e.logger.Warn("stock refresh decode failed", "stock_id", item.EntityID, "error", err)
		return
	}
	local, err := e.stockItem(ctx, item.EntityID)
	if err != nil {
		e.logger.Warn("stock refresh failed", "stock_id", item.EntityID, "error", err)
		return
	}
	qty := remote.Quantity(doc, "currentQuantity")
	queued, err := e.queuedAdjustments(ctx, item.EntityID)
	if err != nil {
		e.logger.Warn("stock refresh failed", "stock_id", item.EntityID, "error", err)
		return
	}
	for _, adj := range queued {
		qty += adj.Delta
		if qty < 0 {
			qty = 0
		}
	}
	local.CurrentQuantity = qty
	if err := e.store.Put(ctx, local); err != nil {
		e.logger.Warn("stock refresh failed", "stock_id", item.EntityID, "error", err)
	}
}

// queuedAdjustments returns the pending adjustments of a stock item in
// drain order.
func (e *Engine) queuedAdjustments(ctx context.Context, stockID string) ([]*model.StockAdjustment, error) {
	items, err := e.store.PendingItems(ctx)
	if err != nil {
		return nil, err
	}
	var out []*model.StockAdjustment
	for _, it := range items {
		if it.Collection != model.Stock || it.Action != model.ActionAdjust || it.EntityID != stockID {
			continue
		}
		if adj, ok := it.Payload.(*model.StockAdjustment); ok {
			out = append(out, adj)
		}
	}
	return out, nil
}

func (e *Engine) stockItem(ctx context.Context, id string) (*model.StockItem, error) {
	item, err := replica.GetAs[*model.StockItem](ctx, e.store, model.Stock, id)
	if err != nil {
		return nil, fmt.Errorf("stock item %s: %w", id, err)
	}
	return item, nil
}
