// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ReservationStatus is the lifecycle state of a reservation.
type ReservationStatus string

const (
	StatusPending    ReservationStatus = "pending"
	StatusConfirmed  ReservationStatus = "confirmed"
	StatusCheckedIn  ReservationStatus = "checked-in"
	StatusCheckedOut ReservationStatus = "checked-out"
	StatusCancelled  ReservationStatus = "cancelled"
)

// LineItemType distinguishes services from stock-consuming lines.
type LineItemType string

const (
	LineService LineItemType = "service"
	LineStock   LineItemType = "stock"
)

type LineItem struct {
	ID            string           `json:"id" validate:"required"`
	Name          string           `json:"name" validate:"required"`
	Quantity      int              `json:"quantity" validate:"gt=0"`
	Price         decimal.Decimal  `json:"price" validate:"gte=0"`
	PurchasePrice *decimal.Decimal `json:"purchasePrice,omitempty" validate:"omitempty,gte=0"`
	Type          LineItemType     `json:"type" validate:"oneof=service stock"`
	StockItemID   string           `json:"stockItemId,omitempty"`
}

type Reservation struct {
	Envelope
	ClientID     string            `json:"clientId,omitempty"`
	ClientName   string            `json:"clientName" validate:"required"`
	CheckInDate  string            `json:"checkInDate"`
	CheckOutDate string            `json:"checkOutDate"`
	Status       ReservationStatus `json:"status" validate:"oneof=pending confirmed checked-in checked-out cancelled"`
	TotalAmount  decimal.Decimal   `json:"totalAmount" validate:"gte=0"`
	AmountPaid   decimal.Decimal   `json:"amountPaid" validate:"gte=0"`
	Items        []LineItem        `json:"items" validate:"dive"`
}

func (r *Reservation) Collection() Collection { return Reservations }
func (r *Reservation) DisplayName() string    { return r.ClientName }

type StockItem struct {
	Envelope
	Name              string          `json:"name" validate:"required"`
	Unit              string          `json:"unit"`
	CurrentQuantity   int             `json:"currentQuantity" validate:"gte=0"`
	Price             decimal.Decimal `json:"price" validate:"gte=0"`
	PurchasePrice     decimal.Decimal `json:"purchasePrice" validate:"gte=0"`
	IsForSale         bool            `json:"isForSale"`
	LowStockThreshold int             `json:"lowStockThreshold" validate:"gte=0"`
	ImageURL          string          `json:"imageUrl,omitempty"`
}

func (s *StockItem) Collection() Collection { return Stock }
func (s *StockItem) DisplayName() string    { return s.Name }

// IsLow reports whether the quantity reached the low-stock threshold.
func (s *StockItem) IsLow() bool {
	return s.LowStockThreshold > 0 && s.CurrentQuantity <= s.LowStockThreshold
}

type Expense struct {
	Envelope
	ItemName string          `json:"itemName" validate:"required"`
	Amount   decimal.Decimal `json:"amount" validate:"gte=0"`
	Category string          `json:"category"`
	Date     string          `json:"date"`
}

func (e *Expense) Collection() Collection { return Expenses }
func (e *Expense) DisplayName() string    { return e.ItemName }

type Client struct {
	Envelope
	Name        string `json:"name" validate:"required"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Email       string `json:"email,omitempty" validate:"omitempty,email"`
	Notes       string `json:"notes,omitempty"`
}

func (c *Client) Collection() Collection { return Clients }
func (c *Client) DisplayName() string    { return c.Name }

type Investment struct {
	Envelope
	Description string          `json:"description" validate:"required"`
	Amount      decimal.Decimal `json:"amount" validate:"gte=0"`
	Date        string          `json:"date"`
}

func (i *Investment) Collection() Collection { return Investments }
func (i *Investment) DisplayName() string    { return i.Description }

// QuickIncome is a free-form income. Stock sales set SourceItemID and
// SourceQuantity; older rows only carry the "Vente: {qty} x {name}" description.
type QuickIncome struct {
	Envelope
	Description    string           `json:"description" validate:"required"`
	Amount         decimal.Decimal  `json:"amount" validate:"gte=0"`
	PurchasePrice  *decimal.Decimal `json:"purchasePrice,omitempty" validate:"omitempty,gte=0"`
	ClientID       string           `json:"clientId,omitempty"`
	SourceItemID   string           `json:"sourceItemId,omitempty"`
	SourceQuantity int              `json:"sourceQuantity,omitempty" validate:"gte=0"`
}

func (q *QuickIncome) Collection() Collection { return QuickIncomes }
func (q *QuickIncome) DisplayName() string    { return q.Description }

// ProfitSource tells where a profit row was derived from.
type ProfitSource string

const (
	ProfitFromSale        ProfitSource = "sale"
	ProfitFromService     ProfitSource = "service"
	ProfitFromQuickIncome ProfitSource = "quickIncome"
	ProfitFromOther       ProfitSource = "other"
)

type Profit struct {
	Envelope
	Amount          decimal.Decimal `json:"amount"`
	SourceType      ProfitSource    `json:"sourceType" validate:"oneof=sale service quickIncome other"`
	RelatedEntityID string          `json:"relatedEntityId"`
	Date            string          `json:"date"`
}

func (p *Profit) Collection() Collection { return Profits }
func (p *Profit) DisplayName() string {
	return fmt.Sprintf("%s %s", p.SourceType, p.Amount.String())
}

// ActivityLogEntry is append-only. Both clocks are kept because device clocks
// are not trusted.
type ActivityLogEntry struct {
	Envelope
	Action          string `json:"action" validate:"required"`
	EntityType      string `json:"entityType,omitempty"`
	SubjectID       string `json:"entityId,omitempty"`
	Details         string `json:"details,omitempty"`
	DeviceTimestamp int64  `json:"deviceTimestamp"`
	ServerTimestamp int64  `json:"serverTimestamp"`
}

func (a *ActivityLogEntry) Collection() Collection { return ActivityLog }
func (a *ActivityLogEntry) DisplayName() string    { return a.Action }

// StockAdjustment is the payload of an adjust queue item: a signed quantity
// delta applied remotely as a check-and-set that never goes below zero.
type StockAdjustment struct {
	ID          string `json:"id" validate:"required"`
	BusinessID  string `json:"businessId" validate:"required"`
	WorkspaceID string `json:"workspaceId" validate:"required"`
	Delta       int    `json:"delta"`
	// Clamp turns a would-be negative result into zero instead of a rejection.
	Clamp     bool   `json:"clamp,omitempty"`
	UpdatedAt int64  `json:"updatedAt"`
	UpdatedBy string `json:"updatedBy,omitempty"`
}

func (a *StockAdjustment) Collection() Collection { return Stock }
func (a *StockAdjustment) EntityID() string       { return a.ID }
func (a *StockAdjustment) Partition() (string, string) {
	return a.BusinessID, a.WorkspaceID
}
