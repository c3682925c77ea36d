// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/ttacon/libphonenumber"

	"github.com/TTR-x/ttr-gestion-sub000/model"
	"github.com/TTR-x/ttr-gestion-sub000/remote"
	"github.com/TTR-x/ttr-gestion-sub000/replica"
)

// Create stamps, validates and stores a new entity, then queues it. Missing
// id and partition keys are filled from the session.
func (e *Engine) Create(ctx context.Context, ent model.Entity) error {
	now := model.Millis(e.clock.Now())
	b := ent.Base()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.BusinessID == "" {
		b.BusinessID = e.session.BusinessID()
	}
	if b.WorkspaceID == "" {
		b.WorkspaceID = e.session.WorkspaceID()
	}
	b.CreatedAt = now
	b.UpdatedAt = now
	b.CreatedBy = e.session.Actor()
	b.UpdatedBy = e.session.Actor()
	b.IsDeleted = false
	b.DeletedAt = nil
	return e.commit(ctx, model.ActionCreate, ent, now)
}

// Update overwrites an existing entity and queues it. Stock quantities are
// kept from the local row: they only move through the adjust helpers.
func (e *Engine) Update(ctx context.Context, ent model.Entity) error {
	current, err := e.store.Get(ctx, ent.Collection(), ent.EntityID())
	if err != nil {
		return err
	}
	if item, ok := ent.(*model.StockItem); ok {
		item.CurrentQuantity = current.(*model.StockItem).CurrentQuantity
	}
	now := model.Millis(e.clock.Now())
	b, cur := ent.Base(), current.Base()
	b.BusinessID = cur.BusinessID
	b.WorkspaceID = cur.WorkspaceID
	b.CreatedAt = cur.CreatedAt
	b.CreatedBy = cur.CreatedBy
	b.IsDeleted = cur.IsDeleted
	b.DeletedAt = cur.DeletedAt
	b.UpdatedAt = now
	b.UpdatedBy = e.session.Actor()
	return e.commit(ctx, model.ActionUpdate, ent, now)
}

// Delete soft-deletes an entity: the row is kept with isDeleted set and only
// the soft-delete fields are sent remotely.
func (e *Engine) Delete(ctx context.Context, c model.Collection, id string) error {
	ent, err := e.store.Get(ctx, c, id)
	if err != nil {
		return err
	}
	now := model.Millis(e.clock.Now())
	ent.Base().MarkDeleted(now, e.session.Actor())
	if _, err := e.store.PutAndEnqueue(ctx, ent, model.ActionDelete, ent, now); err != nil {
		return err
	}
	e.kick()
	return nil
}

// Undelete clears the soft-delete marker and queues the row. A row already
// pruned locally by a remote change is recovered from the remote store.
func (e *Engine) Undelete(ctx context.Context, c model.Collection, id string) error {
	ent, err := e.store.Get(ctx, c, id)
	if errors.Is(err, model.ErrNotFound) {
		ent, err = e.fetchRemote(ctx, c, id)
	}
	if err != nil {
		return err
	}
	now := model.Millis(e.clock.Now())
	ent.Base().Undelete(now, e.session.Actor())
	return e.commit(ctx, model.ActionUpdate, ent, now)
}

func (e *Engine) fetchRemote(ctx context.Context, c model.Collection, id string) (model.Entity, error) {
	raw, err := e.remote.Get(ctx, e.session.BusinessID(), c, id)
	if errors.Is(err, remote.ErrNotFound) {
		return nil, fmt.Errorf("%s/%s: %w", c, id, model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return model.DecodeEntity(c, raw)
}

// Get reads an entity from the replica, deleted or not.
func (e *Engine) Get(ctx context.Context, c model.Collection, id string) (model.Entity, error) {
	return e.store.Get(ctx, c, id)
}

// Query reads non-deleted entities by an indexed field.
func (e *Engine) Query(ctx context.Context, c model.Collection, field string, value any) ([]model.Entity, error) {
	return e.store.Query(ctx, c, field, value)
}

func (e *Engine) commit(ctx context.Context, a model.Action, ent model.Entity, now int64) error {
	if err := model.Validate(ent); err != nil {
		return err
	}
	if _, err := e.store.PutAndEnqueue(ctx, ent, a, ent, now); err != nil {
		return err
	}
	e.kick()
	return nil
}

func (e *Engine) CreateReservation(ctx context.Context, r *model.Reservation) error {
	return e.Create(ctx, r)
}

func (e *Engine) UpdateReservation(ctx context.Context, r *model.Reservation) error {
	return e.Update(ctx, r)
}

func (e *Engine) DeleteReservation(ctx context.Context, id string) error {
	return e.Delete(ctx, model.Reservations, id)
}

func (e *Engine) CreateExpense(ctx context.Context, x *model.Expense) error {
	return e.Create(ctx, x)
}

func (e *Engine) UpdateExpense(ctx context.Context, x *model.Expense) error {
	return e.Update(ctx, x)
}

func (e *Engine) DeleteExpense(ctx context.Context, id string) error {
	return e.Delete(ctx, model.Expenses, id)
}

// CreateClient normalizes the phone number to E.164 before storing.
func (e *Engine) CreateClient(ctx context.Context, c *model.Client) error {
	if err := e.normalizePhone(c); err != nil {
		return err
	}
	return e.Create(ctx, c)
}

func (e *Engine) UpdateClient(ctx context.Context, c *model.Client) error {
	if err := e.normalizePhone(c); err != nil {
		return err
	}
	return e.Update(ctx, c)
}

func (e *Engine) DeleteClient(ctx context.Context, id string) error {
	return e.Delete(ctx, model.Clients, id)
}

func (e *Engine) CreateStockItem(ctx context.Context, s *model.StockItem) error {
	return e.Create(ctx, s)
}

func (e *Engine) UpdateStockItem(ctx context.Context, s *model.StockItem) error {
	return e.Update(ctx, s)
}

func (e *Engine) DeleteStockItem(ctx context.Context, id string) error {
	return e.Delete(ctx, model.Stock, id)
}

func (e *Engine) CreateInvestment(ctx context.Context, i *model.Investment) error {
	return e.Create(ctx, i)
}

func (e *Engine) UpdateInvestment(ctx context.Context, i *model.Investment) error {
	return e.Update(ctx, i)
}

func (e *Engine) DeleteInvestment(ctx context.Context, id string) error {
	return e.Delete(ctx, model.Investments, id)
}

func (e *Engine) CreateQuickIncome(ctx context.Context, q *model.QuickIncome) error {
	return e.Create(ctx, q)
}

func (e *Engine) UpdateQuickIncome(ctx context.Context, q *model.QuickIncome) error {
	return e.Update(ctx, q)
}

func (e *Engine) DeleteQuickIncome(ctx context.Context, id string) error {
	return e.Delete(ctx, model.QuickIncomes, id)
}

func (e *Engine) CreateProfit(ctx context.Context, p *model.Profit) error {
	return e.Create(ctx, p)
}

func (e *Engine) UpdateProfit(ctx context.Context, p *model.Profit) error {
	return e.Update(ctx, p)
}

func (e *Engine) DeleteProfit(ctx context.Context, id string) error {
	return e.Delete(ctx, model.Profits, id)
}

// LogActivity appends an audit entry stamped with both device and corrected
// server time.
func (e *Engine) LogActivity(ctx context.Context, action, entityType, entityID, details string) (*model.ActivityLogEntry, error) {
	entry := &model.ActivityLogEntry{
		Action:          action,
		EntityType:      entityType,
		SubjectID:       entityID,
		Details:         details,
		DeviceTimestamp: model.Millis(e.clock.Now()),
		ServerTimestamp: model.Millis(e.clock.ServerNow()),
	}
	if err := e.Create(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (e *Engine) normalizePhone(c *model.Client) error {
	if c.PhoneNumber == "" {
		return nil
	}
	num, err := libphonenumber.Parse(c.PhoneNumber, e.phoneRegion)
	if err != nil || !libphonenumber.IsValidNumber(num) {
		return &model.ValidationError{
			Collection: model.Clients,
			Problems:   []string{fmt.Sprintf("Client.phoneNumber %q is not a valid phone number", c.PhoneNumber)},
		}
	}
	c.PhoneNumber = libphonenumber.Format(num, libphonenumber.E164)
	return nil
}

// ReplaceImageRef points every stock item using ref at url and queues the
// change. It returns the number of rewritten items.
func (e *Engine) ReplaceImageRef(ctx context.Context, ref, url string) (int, error) {
	items, err := e.store.Scan(ctx, model.Stock)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ent := range items {
		item := ent.(*model.StockItem)
		if item.ImageURL != ref {
			continue
		}
		item.ImageURL = url
		if err := e.Update(ctx, item); err != nil {
			return n, fmt.Errorf("rewrite image of %s: %w", item.ID, err)
		}
		n++
	}
	return n, nil
}

// Pending lists the queued mutations in drain order.
func (e *Engine) Pending(ctx context.Context) ([]replica.QueueItem, error) {
	return e.store.PendingItems(ctx)
}

// PendingJSON renders a queue item payload for display.
func PendingJSON(item replica.QueueItem) string {
	if item.Payload == nil {
		return string(item.Raw)
	}
	raw, err := json.Marshal(item.Payload)
	if err != nil {
		return string(item.Raw)
	}
	return string(raw)
}
