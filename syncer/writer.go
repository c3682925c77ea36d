// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"fmt"

	"github.com/TTR-x/ttr-gestion-sub000/model"
	"github.com/TTR-x/ttr-gestion-sub000/remote"
	"github.com/TTR-x/ttr-gestion-sub000/replica"
)

// Writer turns one queued mutation into a remote write. Writers are chosen
// per collection, so a collection can move to a versioned write without
// touching the mutation primitives.
type Writer interface {
	Write(ctx context.Context, item replica.QueueItem) error
}

// LWWWriter overwrites the whole remote document on create and update. There
// is no version check: the last write wins.
type LWWWriter struct {
	Remote remote.Writer
}

func (w LWWWriter) Write(ctx context.Context, item replica.QueueItem) error {
	businessID, _ := item.Payload.Partition()
	switch item.Action {
	case model.ActionCreate, model.ActionUpdate:
		doc, err := remote.ToDoc(item.Payload)
		if err != nil {
			return fmt.Errorf("encode %s/%s: %w", item.Collection, item.EntityID, err)
		}
		return w.Remote.Set(ctx, businessID, item.Collection, item.EntityID, remote.Sanitize(doc))
	case model.ActionDelete:
		return writeSoftDelete(ctx, w.Remote, businessID, item)
	}
	return fmt.Errorf("%w: %s on %s", model.ErrUnknownAction, item.Action, item.Collection)
}

// StockWriter never sends currentQuantity on update: the quantity only moves
// through the remote check-and-set.
type StockWriter struct {
	Remote remote.Writer
}

func (w StockWriter) Write(ctx context.Context, item replica.QueueItem) error {
	businessID, _ := item.Payload.Partition()
	switch item.Action {
	case model.ActionCreate:
		return LWWWriter(w).Write(ctx, item)
	case model.ActionUpdate:
		doc, err := remote.ToDoc(item.Payload)
		if err != nil {
			return fmt.Errorf("encode %s/%s: %w", item.Collection, item.EntityID, err)
		}
		delete(doc, "currentQuantity")
		return w.Remote.Update(ctx, businessID, item.Collection, item.EntityID, remote.Sanitize(doc))
	case model.ActionDelete:
		return writeSoftDelete(ctx, w.Remote, businessID, item)
	case model.ActionAdjust:
		adj, ok := item.Payload.(*model.StockAdjustment)
		if !ok {
			return fmt.Errorf("adjust %s: unexpected payload %T", item.EntityID, item.Payload)
		}
		fields := remote.Sanitize(remote.Doc{
			"updatedAt": adj.UpdatedAt,
			"updatedBy": orUndefined(adj.UpdatedBy),
		})
		_, err := w.Remote.AdjustStock(ctx, businessID, adj.ID, adj.Delta, adj.Clamp, fields)
		return err
	}
	return fmt.Errorf("%w: %s on %s", model.ErrUnknownAction, item.Action, item.Collection)
}

// writeSoftDelete sends only the soft-delete fields, keeping the rest of the
// remote document.
func writeSoftDelete(ctx context.Context, dst remote.Writer, businessID string, item replica.QueueItem) error {
	ent, ok := item.Payload.(model.Entity)
	if !ok {
		return fmt.Errorf("delete %s/%s: unexpected payload %T", item.Collection, item.EntityID, item.Payload)
	}
	base := ent.Base()
	var deletedAt any
	if base.DeletedAt != nil {
		deletedAt = *base.DeletedAt
	}
	fields := remote.Sanitize(remote.Doc{
		"isDeleted": true,
		"deletedAt": deletedAt,
		"updatedAt": base.UpdatedAt,
		"updatedBy": orUndefined(base.UpdatedBy),
	})
	return dst.Update(ctx, businessID, item.Collection, item.EntityID, fields)
}

func orUndefined(s string) any {
	if s == "" {
		return remote.Undefined
	}
	return s
}

// DefaultWriters returns the writer of every collection.
func DefaultWriters(dst remote.Writer) map[model.Collection]Writer {
	ws := make(map[model.Collection]Writer, len(model.Collections))
	for _, c := range model.Collections {
		ws[c] = LWWWriter{Remote: dst}
	}
	ws[model.Stock] = StockWriter{Remote: dst}
	return ws
}
