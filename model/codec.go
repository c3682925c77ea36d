// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// NewEntity returns an empty entity of the collection's concrete type.
func NewEntity(c Collection) (Entity, error) {
	switch c {
	case Reservations:
		return &Reservation{}, nil
	case Expenses:
		return &Expense{}, nil
	case Clients:
		return &Client{}, nil
	case Stock:
		return &StockItem{}, nil
	case Investments:
		return &Investment{}, nil
	case QuickIncomes:
		return &QuickIncome{}, nil
	case ActivityLog:
		return &ActivityLogEntry{}, nil
	case Profits:
		return &Profit{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCollection, c)
}

// DecodeEntity decodes a JSON document into the collection's entity type.
func DecodeEntity(c Collection, raw []byte) (Entity, error) {
	e, err := NewEntity(c)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", c, err)
	}
	return e, nil
}

// DecodePayload resolves the queue payload union from its tag.
func DecodePayload(c Collection, a Action, raw []byte) (Payload, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, a)
	}
	if a == ActionAdjust {
		if c != Stock {
			return nil, fmt.Errorf("%w: adjust on %s", ErrUnknownAction, c)
		}
		var adj StockAdjustment
		if err := json.Unmarshal(raw, &adj); err != nil {
			return nil, fmt.Errorf("decode stock adjustment: %w", err)
		}
		return &adj, nil
	}
	return DecodeEntity(c, raw)
}

// Clone deep-copies an entity.
func Clone[T Entity](e T) (T, error) {
	var zero T
	raw, err := json.Marshal(e)
	if err != nil {
		return zero, err
	}
	out, err := DecodeEntity(e.Collection(), raw)
	if err != nil {
		return zero, err
	}
	typed, ok := out.(T)
	if !ok {
		return zero, fmt.Errorf("clone %s: unexpected type %T", e.Collection(), out)
	}
	return typed, nil
}

var saleDescription = regexp.MustCompile(`^Vente:\s*(\d+)\s*x\s*(.+?)\s*$`)

// SaleDescription formats the description of a stock-sale quick income.
func SaleDescription(qty int, itemName string) string {
	return fmt.Sprintf("Vente: %d x %s", qty, itemName)
}

// ParseSaleDescription recovers quantity and item name from a legacy sale
// description. ok is false when the text does not follow the sale format.
func ParseSaleDescription(desc string) (qty int, itemName string, ok bool) {
	m := saleDescription.FindStringSubmatch(strings.TrimSpace(desc))
	if m == nil {
		return 0, "", false
	}
	qty, err := strconv.Atoi(m[1])
	if err != nil || qty <= 0 {
		return 0, "", false
	}
	return qty, m[2], true
}

// SaleSource returns the stock item reference and quantity of a sale income,
// preferring the structured fields over the legacy description.
func (q *QuickIncome) SaleSource() (itemID, itemName string, qty int, ok bool) {
	if q.SourceItemID != "" && q.SourceQuantity > 0 {
		return q.SourceItemID, "", q.SourceQuantity, true
	}
	qty, name, ok := ParseSaleDescription(q.Description)
	if !ok {
		return "", "", 0, false
	}
	return "", name, qty, true
}
