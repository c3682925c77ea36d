// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package model

import "github.com/shopspring/decimal"

// EntityType names a deletable entity kind in deletion history records.
type EntityType string

const (
	EntityClient      EntityType = "client"
	EntityReservation EntityType = "reservation"
	EntityStock       EntityType = "stock"
	EntityExpense     EntityType = "expense"
	EntityInvestment  EntityType = "investment"
	EntityQuickIncome EntityType = "quickIncome"
	EntityProfit      EntityType = "profit"
)

// CollectionOf maps an entity type to its collection.
func CollectionOf(t EntityType) (Collection, bool) {
	switch t {
	case EntityClient:
		return Clients, true
	case EntityReservation:
		return Reservations, true
	case EntityStock:
		return Stock, true
	case EntityExpense:
		return Expenses, true
	case EntityInvestment:
		return Investments, true
	case EntityQuickIncome:
		return QuickIncomes, true
	case EntityProfit:
		return Profits, true
	}
	return "", false
}

// AffectedEntities groups the ids touched by a cascade.
type AffectedEntities struct {
	Type   EntityType `json:"type"`
	IDs    []string   `json:"ids"`
	Action string     `json:"action"`
}

// StockMovement records a quantity returned to (positive) or taken from stock.
type StockMovement struct {
	StockItemID string `json:"stockItemId"`
	Name        string `json:"name,omitempty"`
	Quantity    int    `json:"quantity"`
}

type Calculations struct {
	TreasuryAdjustment decimal.Decimal `json:"treasuryAdjustment"`
	StockAdjustment    int             `json:"stockAdjustment"`
	StockMovements     []StockMovement `json:"stockMovements,omitempty"`
	PaymentsDeducted   decimal.Decimal `json:"paymentsDeducted"`
	StockReadjusted    bool            `json:"stockReadjusted,omitempty"`
}

// DeletionHistory is the reversible record of one deletion event. It lives only
// in the local store.
type DeletionHistory struct {
	ID               string             `json:"id"`
	WorkspaceID      string             `json:"workspaceId"`
	BusinessID       string             `json:"businessId"`
	EntityType       EntityType         `json:"entityType"`
	EntityID         string             `json:"entityId"`
	EntityName       string             `json:"entityName"`
	DeletedAt        int64              `json:"deletedAt"`
	DeletedBy        string             `json:"deletedBy"`
	DeletedByUID     string             `json:"deletedByUid"`
	AffectedEntities []AffectedEntities `json:"affectedEntities"`
	Calculations     Calculations       `json:"calculations"`
	CanRestore       bool               `json:"canRestore"`
	RestoredAt       *int64             `json:"restoredAt,omitempty"`
	RestoredBy       string             `json:"restoredBy,omitempty"`
}
