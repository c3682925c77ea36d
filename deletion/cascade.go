// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package deletion

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/TTR-x/ttr-gestion-sub000/model"
)

const (
	actionDeleted   = "deleted"
	actionRestocked = "restocked"
	actionRestored  = "restored"
	actionDeducted  = "deducted"
)

// NormalizeName folds a stock item name for comparison: NFC, trimmed and
// case-folded.
func NormalizeName(s string) string {
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(s)))
}

// cascade applies the steps of one deletion or restoration and remembers how
// to undo each of them.
type cascade struct {
	ops    Primitives
	logger *slog.Logger

	undo     []func(context.Context) error
	affected []model.AffectedEntities
	calc     model.Calculations
}

func newCascade(ops Primitives, logger *slog.Logger) *cascade {
	return &cascade{
		ops:    ops,
		logger: logger,
		calc: model.Calculations{
			TreasuryAdjustment: decimal.Zero,
			PaymentsDeducted:   decimal.Zero,
		},
	}
}

func (c *cascade) record(t model.EntityType, id, action string) {
	for i := range c.affected {
		g := &c.affected[i]
		if g.Type != t || g.Action != action {
			continue
		}
		for _, existing := range g.IDs {
			if existing == id {
				return
			}
		}
		g.IDs = append(g.IDs, id)
		return
	}
	c.affected = append(c.affected, model.AffectedEntities{Type: t, IDs: []string{id}, Action: action})
}

func (c *cascade) softDelete(ctx context.Context, t model.EntityType, id string) error {
	coll, _ := model.CollectionOf(t)
	if err := c.ops.Delete(ctx, coll, id); err != nil {
		return err
	}
	c.undo = append(c.undo, func(ctx context.Context) error {
		return c.ops.Undelete(ctx, coll, id)
	})
	c.record(t, id, actionDeleted)
	return nil
}

func (c *cascade) undelete(ctx context.Context, t model.EntityType, id string) error {
	coll, _ := model.CollectionOf(t)
	if err := c.ops.Undelete(ctx, coll, id); err != nil {
		return err
	}
	c.undo = append(c.undo, func(ctx context.Context) error {
		return c.ops.Delete(ctx, coll, id)
	})
	c.record(t, id, actionRestored)
	return nil
}

// moveStock changes a stock quantity by qty, clamping at zero. The undo step
// and the recorded movement use the delta actually applied.
func (c *cascade) moveStock(ctx context.Context, stockID, name string, qty int) error {
	if qty == 0 {
		return nil
	}
	prior := -1
	if qty < 0 {
		ent, err := c.ops.Get(ctx, model.Stock, stockID)
		if err != nil {
			return err
		}
		item, ok := ent.(*model.StockItem)
		if !ok {
			return fmt.Errorf("stock %s: unexpected entity %T", stockID, ent)
		}
		prior = item.CurrentQuantity
	}
	next, err := c.ops.RestoreStockQuantity(ctx, stockID, qty)
	if err != nil {
		return err
	}
	applied := qty
	if prior >= 0 {
		applied = next - prior
	}
	if applied != qty {
		c.logger.Warn("stock movement clamped at zero",
			"stock_id", stockID, "requested", qty, "applied", applied)
	}
	if applied == 0 {
		return nil
	}

	c.undo = append(c.undo, func(ctx context.Context) error {
		_, err := c.ops.RestoreStockQuantity(ctx, stockID, -applied)
		return err
	})
	c.calc.StockAdjustment += applied
	c.calc.StockMovements = append(c.calc.StockMovements, model.StockMovement{
		StockItemID: stockID,
		Name:        name,
		Quantity:    applied,
	})
	action := actionRestocked
	if applied < 0 {
		action = actionDeducted
	}
	c.record(model.EntityStock, stockID, action)
	return nil
}

// rollback runs the registered undo steps in reverse order.
func (c *cascade) rollback(ctx context.Context) {
	for i := len(c.undo) - 1; i >= 0; i-- {
		if err := c.undo[i](ctx); err != nil {
			c.logger.Error("compensation step failed", "step", i, "error", err)
		}
	}
	c.undo = nil
}

func (c *cascade) deductPayment(amount decimal.Decimal) {
	c.calc.TreasuryAdjustment = c.calc.TreasuryAdjustment.Sub(amount)
	c.calc.PaymentsDeducted = c.calc.PaymentsDeducted.Add(amount)
}

func (c *cascade) reservation(ctx context.Context, r *model.Reservation) error {
	c.deductPayment(r.AmountPaid)
	for _, li := range r.Items {
		if li.Type != model.LineStock {
			continue
		}
		stock, err := c.findStock(ctx, r.WorkspaceID, li.StockItemID, li.Name)
		if err != nil {
			return err
		}
		if stock == nil {
			c.logger.Warn("stock line without matching item, quantity not returned",
				"reservation_id", r.ID, "line", li.Name)
			continue
		}
		if err := c.moveStock(ctx, stock.ID, stock.Name, li.Quantity); err != nil {
			return err
		}
	}
	if err := c.relatedProfits(ctx, r.ID); err != nil {
		return err
	}
	return c.softDelete(ctx, model.EntityReservation, r.ID)
}

func (c *cascade) quickIncome(ctx context.Context, q *model.QuickIncome) error {
	c.deductPayment(q.Amount)
	if itemID, itemName, qty, ok := q.SaleSource(); ok {
		stock, err := c.findStock(ctx, q.WorkspaceID, itemID, itemName)
		if err != nil {
			return err
		}
		if stock == nil {
			c.logger.Warn("sale without matching stock item, quantity not returned",
				"quick_income_id", q.ID, "description", q.Description)
		} else if err := c.moveStock(ctx, stock.ID, stock.Name, qty); err != nil {
			return err
		}
	}
	if err := c.relatedProfits(ctx, q.ID); err != nil {
		return err
	}
	return c.softDelete(ctx, model.EntityQuickIncome, q.ID)
}

func (c *cascade) client(ctx context.Context, cl *model.Client) error {
	reservations, err := c.ops.Query(ctx, model.Reservations, "clientId", cl.ID)
	if err != nil {
		return err
	}
	for _, ent := range reservations {
		if err := c.reservation(ctx, ent.(*model.Reservation)); err != nil {
			return err
		}
	}
	incomes, err := c.ops.Query(ctx, model.QuickIncomes, "clientId", cl.ID)
	if err != nil {
		return err
	}
	for _, ent := range incomes {
		if err := c.quickIncome(ctx, ent.(*model.QuickIncome)); err != nil {
			return err
		}
	}
	return c.softDelete(ctx, model.EntityClient, cl.ID)
}

// relatedProfits soft-deletes the profit rows derived from an entity.
func (c *cascade) relatedProfits(ctx context.Context, relatedID string) error {
	profits, err := c.ops.Query(ctx, model.Profits, "relatedEntityId", relatedID)
	if err != nil {
		return err
	}
	for _, p := range profits {
		if err := c.softDelete(ctx, model.EntityProfit, p.EntityID()); err != nil {
			return err
		}
	}
	return nil
}

// findStock resolves a stock reference by id, falling back to the normalized
// name within the workspace. It returns nil when nothing matches.
func (c *cascade) findStock(ctx context.Context, workspaceID, id, name string) (*model.StockItem, error) {
	if id != "" {
		ent, err := c.ops.Get(ctx, model.Stock, id)
		if err == nil {
			return ent.(*model.StockItem), nil
		}
		if !isNotFound(err) {
			return nil, err
		}
	}
	if name == "" {
		return nil, nil
	}
	items, err := c.ops.Query(ctx, model.Stock, "workspaceId", workspaceID)
	if err != nil {
		return nil, err
	}
	want := NormalizeName(name)
	for _, ent := range items {
		item := ent.(*model.StockItem)
		if NormalizeName(item.Name) == want {
			return item, nil
		}
	}
	return nil, nil
}
