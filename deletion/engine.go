// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package deletion soft-deletes business entities together with their
// dependents, computes the treasury and stock effects of the deletion and keeps
// a history record that a later restore replays in reverse.
//
// Every step that succeeds registers its inverse; when a later step fails the
// inverses run in reverse order, so a failed deletion leaves no partial
// cascade behind.
package deletion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/TTR-x/ttr-gestion-sub000/model"
)

var (
	ErrStockInUse      = errors.New("stock item in use")
	ErrNotRestorable   = errors.New("no restorable deletion")
	ErrAlreadyDeleted  = errors.New("entity already deleted")
	ErrUnsupportedType = errors.New("unsupported entity type")
)

// StockInUseError refuses the deletion of a stock item that active
// reservations still reference.
type StockInUseError struct {
	Name         string
	Reservations int
}

func (e *StockInUseError) Error() string {
	return fmt.Sprintf("cannot delete stock item %q: used in %d active reservation(s)", e.Name, e.Reservations)
}

func (e *StockInUseError) Is(target error) bool { return target == ErrStockInUse }

// Primitives are the mutation entry points of the sync engine.
type Primitives interface {
	Get(ctx context.Context, c model.Collection, id string) (model.Entity, error)
	Query(ctx context.Context, c model.Collection, field string, value any) ([]model.Entity, error)
	Delete(ctx context.Context, c model.Collection, id string) error
	Undelete(ctx context.Context, c model.Collection, id string) error
	RestoreStockQuantity(ctx context.Context, id string, delta int) (int, error)
}

// HistoryStore persists deletion history records.
type HistoryStore interface {
	SaveHistory(ctx context.Context, h *model.DeletionHistory) error
	LatestRestorable(ctx context.Context, entityID string) (*model.DeletionHistory, error)
}

// Actor identifies who deletes or restores.
type Actor struct {
	Name string
	UID  string
}

// Result is the outcome of a deletion or restoration.
type Result struct {
	Success          bool                     `json:"success"`
	AffectedEntities []model.AffectedEntities `json:"affectedEntities"`
	Calculations     model.Calculations       `json:"calculations"`
	Error            string                   `json:"error,omitempty"`
}

// Engine deletes and restores entities.
type Engine struct {
	ops     Primitives
	history HistoryStore
	now     func() time.Time
	logger  *slog.Logger
}

// New returns an engine. now defaults to time.Now and logger to slog.Default.
func New(ops Primitives, history HistoryStore, now func() time.Time, logger *slog.Logger) *Engine {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{ops: ops, history: history, now: now, logger: logger}
}

func failure(err error) (*Result, error) {
	return &Result{Success: false, Error: err.Error()}, err
}

// Delete soft-deletes an entity and its dependents and records the history
// needed to restore them.
func (e *Engine) Delete(ctx context.Context, t model.EntityType, id string, actor Actor) (*Result, error) {
	coll, ok := model.CollectionOf(t)
	if !ok || t == model.EntityProfit {
		return failure(fmt.Errorf("%w: %q", ErrUnsupportedType, t))
	}
	ent, err := e.ops.Get(ctx, coll, id)
	if err != nil {
		return failure(fmt.Errorf("delete %s %s: %w", t, id, err))
	}
	if ent.Base().IsDeleted {
		return failure(fmt.Errorf("delete %s %s: %w", t, id, ErrAlreadyDeleted))
	}

	run := newCascade(e.ops, e.logger)
	switch v := ent.(type) {
	case *model.Reservation:
		err = run.reservation(ctx, v)
	case *model.QuickIncome:
		err = run.quickIncome(ctx, v)
	case *model.Client:
		err = run.client(ctx, v)
	case *model.Expense:
		run.calc.TreasuryAdjustment = v.Amount
		err = run.softDelete(ctx, t, id)
	case *model.Investment:
		run.calc.TreasuryAdjustment = v.Amount
		err = run.softDelete(ctx, t, id)
	case *model.StockItem:
		if err = e.checkStockUnused(ctx, v); err == nil {
			err = run.softDelete(ctx, t, id)
		}
	default:
		err = fmt.Errorf("%w: %T", ErrUnsupportedType, ent)
	}
	if err != nil {
		run.rollback(ctx)
		e.logger.Warn("deletion failed", "entity_type", t, "entity_id", id, "error", err)
		return failure(err)
	}

	b := ent.Base()
	h := &model.DeletionHistory{
		ID:               uuid.NewString(),
		WorkspaceID:      b.WorkspaceID,
		BusinessID:       b.BusinessID,
		EntityType:       t,
		EntityID:         id,
		EntityName:       ent.DisplayName(),
		DeletedAt:        model.Millis(e.now()),
		DeletedBy:        actor.Name,
		DeletedByUID:     actor.UID,
		AffectedEntities: run.affected,
		Calculations:     run.calc,
		CanRestore:       true,
	}
	if err := e.history.SaveHistory(ctx, h); err != nil {
		run.rollback(ctx)
		return failure(fmt.Errorf("save deletion history: %w", err))
	}

	e.logger.Info("entity deleted",
		"entity_type", t, "entity_id", id,
		"treasury_adjustment", run.calc.TreasuryAdjustment.String(),
		"stock_adjustment", run.calc.StockAdjustment)
	return &Result{Success: true, AffectedEntities: run.affected, Calculations: run.calc}, nil
}

// checkStockUnused refuses when a non-deleted reservation of the workspace has
// a stock line pointing at the item by id or by name.
func (e *Engine) checkStockUnused(ctx context.Context, item *model.StockItem) error {
	reservations, err := e.ops.Query(ctx, model.Reservations, "workspaceId", item.WorkspaceID)
	if err != nil {
		return err
	}
	name := NormalizeName(item.Name)
	inUse := 0
	for _, ent := range reservations {
		r := ent.(*model.Reservation)
		for _, li := range r.Items {
			if li.Type != model.LineStock {
				continue
			}
			if li.StockItemID == item.ID || (li.StockItemID == "" && NormalizeName(li.Name) == name) {
				inUse++
				break
			}
		}
	}
	if inUse > 0 {
		return &StockInUseError{Name: item.Name, Reservations: inUse}
	}
	return nil
}

// Restore reverses the newest restorable deletion of an entity. It returns the
// negated treasury adjustment of that deletion. A history record is used once.
func (e *Engine) Restore(ctx context.Context, entityID string, actor Actor) (*Result, error) {
	h, err := e.history.LatestRestorable(ctx, entityID)
	if err != nil {
		if isNotFound(err) {
			return failure(fmt.Errorf("restore %s: %w", entityID, ErrNotRestorable))
		}
		return failure(err)
	}

	run := newCascade(e.ops, e.logger)
	for _, group := range h.AffectedEntities {
		if group.Action != actionDeleted {
			continue
		}
		for _, id := range group.IDs {
			if err = run.undelete(ctx, group.Type, id); err != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	if err == nil {
		for _, mv := range h.Calculations.StockMovements {
			if err = run.moveStock(ctx, mv.StockItemID, mv.Name, -mv.Quantity); err != nil {
				break
			}
		}
	}
	if err != nil {
		run.rollback(ctx)
		e.logger.Warn("restoration failed", "entity_id", entityID, "error", err)
		return failure(err)
	}

	restoredAt := model.Millis(e.now())
	h.CanRestore = false
	h.RestoredAt = &restoredAt
	h.RestoredBy = actor.Name
	if err := e.history.SaveHistory(ctx, h); err != nil {
		run.rollback(ctx)
		return failure(fmt.Errorf("save deletion history: %w", err))
	}

	calc := run.calc
	calc.TreasuryAdjustment = h.Calculations.TreasuryAdjustment.Neg()
	calc.PaymentsDeducted = decimal.Zero
	calc.StockReadjusted = len(h.Calculations.StockMovements) > 0

	e.logger.Info("entity restored",
		"entity_type", h.EntityType, "entity_id", entityID,
		"treasury_adjustment", calc.TreasuryAdjustment.String())
	return &Result{Success: true, AffectedEntities: run.affected, Calculations: calc}, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, model.ErrNotFound)
}
