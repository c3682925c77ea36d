// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/TTR-x/ttr-gestion-sub000/model"
)

var ErrNotForSale = errors.New("stock item is not for sale")

// AdjustStockQuantity adds delta to a stock item's quantity. A result below
// zero is rejected locally; the remote store repeats the check atomically.
func (e *Engine) AdjustStockQuantity(ctx context.Context, id string, delta int) (int, error) {
	return e.adjustStock(ctx, id, delta, false)
}

// RestoreStockQuantity adds delta to a stock item's quantity, clamping the
// result at zero instead of failing.
func (e *Engine) RestoreStockQuantity(ctx context.Context, id string, delta int) (int, error) {
	return e.adjustStock(ctx, id, delta, true)
}

func (e *Engine) adjustStock(ctx context.Context, id string, delta int, clamp bool) (int, error) {
	item, err := e.stockItem(ctx, id)
	if err != nil {
		return 0, err
	}
	next := item.CurrentQuantity + delta
	if next < 0 {
		if !clamp {
			return item.CurrentQuantity, fmt.Errorf("%q has %d %s, cannot remove %d: %w",
				item.Name, item.CurrentQuantity, item.Unit, -delta, ErrInsufficientStock)
		}
		next = 0
	}

	now := model.Millis(e.clock.Now())
	actor := e.session.Actor()
	item.CurrentQuantity = next
	item.UpdatedAt = now
	item.UpdatedBy = actor
	adj := &model.StockAdjustment{
		ID:          item.ID,
		BusinessID:  item.BusinessID,
		WorkspaceID: item.WorkspaceID,
		Delta:       delta,
		Clamp:       clamp,
		UpdatedAt:   now,
		UpdatedBy:   actor,
	}
	if _, err := e.store.PutAndEnqueue(ctx, item, model.ActionAdjust, adj, now); err != nil {
		return 0, err
	}
	if item.IsLow() {
		e.logger.Info("stock item is low", "stock_id", item.ID, "name", item.Name, "quantity", next)
	}
	e.kick()
	return next, nil
}

// Sale is the outcome of SellStock.
type Sale struct {
	Income    *model.QuickIncome
	Profit    *model.Profit
	Remaining int
}

// SellStock sells qty units of a stock item: the quantity is decremented, a
// quick income and its profit row are recorded and the sale is logged.
func (e *Engine) SellStock(ctx context.Context, stockID string, qty int, clientID string) (*Sale, error) {
	if qty <= 0 {
		return nil, &model.ValidationError{Collection: model.QuickIncomes, Problems: []string{"quantity must be positive"}}
	}
	item, err := e.stockItem(ctx, stockID)
	if err != nil {
		return nil, err
	}
	if !item.IsForSale {
		return nil, fmt.Errorf("%q: %w", item.Name, ErrNotForSale)
	}

	remaining, err := e.AdjustStockQuantity(ctx, stockID, -qty)
	if err != nil {
		return nil, err
	}

	units := decimal.NewFromInt(int64(qty))
	cost := item.PurchasePrice.Mul(units)
	income := &model.QuickIncome{
		Envelope:       model.Envelope{BusinessID: item.BusinessID, WorkspaceID: item.WorkspaceID},
		Description:    model.SaleDescription(qty, item.Name),
		Amount:         item.Price.Mul(units),
		PurchasePrice:  &cost,
		ClientID:       clientID,
		SourceItemID:   item.ID,
		SourceQuantity: qty,
	}
	if err := e.Create(ctx, income); err != nil {
		return nil, err
	}

	profit := &model.Profit{
		Envelope:        model.Envelope{BusinessID: item.BusinessID, WorkspaceID: item.WorkspaceID},
		Amount:          item.Price.Sub(item.PurchasePrice).Mul(units),
		SourceType:      model.ProfitFromSale,
		RelatedEntityID: income.ID,
		Date:            e.clock.Now().Format("2006-01-02"),
	}
	if err := e.Create(ctx, profit); err != nil {
		return nil, err
	}

	if _, err := e.LogActivity(ctx, "stock.sale", string(model.EntityStock), item.ID, income.Description); err != nil {
		e.logger.Warn("failed to log sale", "stock_id", item.ID, "error", err)
	}
	return &Sale{Income: income, Profit: profit, Remaining: remaining}, nil
}
