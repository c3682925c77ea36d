// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package simulate

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/TTR-x/ttr-gestion-sub000/model"
	"github.com/TTR-x/ttr-gestion-sub000/presence"
	"github.com/TTR-x/ttr-gestion-sub000/replica"
)

func newStock(name string, qty int) *model.StockItem {
	return &model.StockItem{
		Name:            name,
		Unit:            "bottle",
		CurrentQuantity: qty,
		Price:           decimal.NewFromInt(500),
		PurchasePrice:   decimal.NewFromInt(300),
		IsForSale:       true,
	}
}

// offlineOnline queues work while offline and checks that a freshly
// installed device pulls all of it after the queue is pushed.
type offlineOnline struct {
	*BaseScenario
	phone   *Device
	client  *model.Client
	stock   *model.StockItem
	expense *model.Expense
	sale    string
}

func newOfflineOnline(sim *Simulator) Scenario {
	return &offlineOnline{BaseScenario: newBase(sim, "offline-online",
		"queue mutations offline, reconnect and pull them on a fresh install")}
}

func (s *offlineOnline) Setup(ctx context.Context) error {
	if err := s.BaseScenario.Setup(ctx); err != nil {
		return err
	}
	phone, err := s.launch(ctx, "phone")
	s.phone = phone
	return err
}

func (s *offlineOnline) Execute(ctx context.Context) error {
	e := s.phone.Engine
	s.client = &model.Client{Name: "Ama Mensah"}
	if err := e.CreateClient(ctx, s.client); err != nil {
		return err
	}
	s.stock = newStock("Coca", 10)
	if err := e.CreateStockItem(ctx, s.stock); err != nil {
		return err
	}
	if err := s.phone.Sync(ctx); err != nil {
		return err
	}

	s.phone.GoOffline()
	s.expense = &model.Expense{ItemName: "Fuel", Amount: decimal.NewFromInt(2000), Category: "transport", Date: "2025-03-01"}
	if err := e.CreateExpense(ctx, s.expense); err != nil {
		return err
	}
	sale, err := e.SellStock(ctx, s.stock.ID, 3, s.client.ID)
	if err != nil {
		return err
	}
	s.sale = sale.Income.ID
	s.client.Notes = "prefers mobile money"
	if err := e.UpdateClient(ctx, s.client); err != nil {
		return err
	}
	queued, err := s.phone.Store.QueueLen(ctx)
	if err != nil {
		return err
	}
	if queued == 0 {
		return errors.New("offline mutations were not queued")
	}
	s.sim.logger.Info("mutations queued offline", "count", queued)

	return s.phone.GoOnline(ctx)
}

func (s *offlineOnline) Verify(ctx context.Context) error {
	tablet, err := s.launch(ctx, "tablet")
	if err != nil {
		return err
	}
	for c, id := range map[model.Collection]string{
		model.Clients:      s.client.ID,
		model.Expenses:     s.expense.ID,
		model.QuickIncomes: s.sale,
	} {
		if err := s.sim.waitVisible(ctx, c, id, true, tablet); err != nil {
			return err
		}
	}
	client, err := replica.GetAs[*model.Client](ctx, tablet.Store, model.Clients, s.client.ID)
	if err != nil {
		return err
	}
	if client.Notes != s.client.Notes {
		return fmt.Errorf("client notes = %q, want %q", client.Notes, s.client.Notes)
	}
	return s.sim.waitQuantity(ctx, s.stock.ID, 7, tablet, s.phone)
}

// multiDeviceSync has two online devices editing the same workspace and
// checks that each sees the other's writes.
type multiDeviceSync struct {
	*BaseScenario
	a, b     *Device
	client   *model.Client
	expenses []string
}

func newMultiDeviceSync(sim *Simulator) Scenario {
	return &multiDeviceSync{BaseScenario: newBase(sim, "multi-device-sync",
		"two devices edit the same workspace and converge")}
}

func (s *multiDeviceSync) Setup(ctx context.Context) error {
	if err := s.BaseScenario.Setup(ctx); err != nil {
		return err
	}
	var err error
	if s.a, err = s.launch(ctx, "counter"); err != nil {
		return err
	}
	s.b, err = s.launch(ctx, "manager")
	return err
}

func (s *multiDeviceSync) Execute(ctx context.Context) error {
	s.client = &model.Client{Name: "Kwame Boateng"}
	if err := s.a.Engine.CreateClient(ctx, s.client); err != nil {
		return err
	}
	if err := s.a.Sync(ctx); err != nil {
		return err
	}
	if err := s.sim.waitVisible(ctx, model.Clients, s.client.ID, true, s.b); err != nil {
		return err
	}

	onB, err := replica.GetAs[*model.Client](ctx, s.b.Store, model.Clients, s.client.ID)
	if err != nil {
		return err
	}
	onB.Notes = "regular guest"
	if err := s.b.Engine.UpdateClient(ctx, onB); err != nil {
		return err
	}

	s.expenses = nil
	for i, d := range []*Device{s.a, s.b} {
		x := &model.Expense{ItemName: fmt.Sprintf("Supplies %d", i+1), Amount: decimal.NewFromInt(int64(1000 * (i + 1))), Date: "2025-03-02"}
		if err := d.Engine.CreateExpense(ctx, x); err != nil {
			return err
		}
		s.expenses = append(s.expenses, x.ID)
	}
	for _, d := range []*Device{s.a, s.b} {
		if err := d.Sync(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *multiDeviceSync) Verify(ctx context.Context) error {
	for _, id := range s.expenses {
		if err := s.sim.waitVisible(ctx, model.Expenses, id, true, s.a, s.b); err != nil {
			return err
		}
	}
	return s.sim.waitFor(ctx, "client notes on counter", func(ctx context.Context) (bool, error) {
		c, err := replica.GetAs[*model.Client](ctx, s.a.Store, model.Clients, s.client.ID)
		if err != nil {
			return false, err
		}
		return c.Notes == "regular guest", nil
	})
}

// stockRace has two offline devices sell more than is on the shelf. The
// server keeps the quantity non-negative and the losing device converges on
// the server's value.
type stockRace struct {
	*BaseScenario
	a, b  *Device
	stock *model.StockItem
}

func newStockRace(sim *Simulator) Scenario {
	return &stockRace{BaseScenario: newBase(sim, "stock-race",
		"two offline devices oversell one stock item")}
}

func (s *stockRace) Setup(ctx context.Context) error {
	if err := s.BaseScenario.Setup(ctx); err != nil {
		return err
	}
	var err error
	if s.a, err = s.launch(ctx, "bar"); err != nil {
		return err
	}
	s.b, err = s.launch(ctx, "kitchen")
	return err
}

func (s *stockRace) Execute(ctx context.Context) error {
	s.stock = newStock("Fanta", 3)
	if err := s.a.Engine.CreateStockItem(ctx, s.stock); err != nil {
		return err
	}
	if err := s.a.Sync(ctx); err != nil {
		return err
	}
	if err := s.sim.waitQuantity(ctx, s.stock.ID, 3, s.b); err != nil {
		return err
	}

	s.a.GoOffline()
	s.b.GoOffline()
	for _, d := range []*Device{s.a, s.b} {
		if _, err := d.Engine.SellStock(ctx, s.stock.ID, 2, ""); err != nil {
			return fmt.Errorf("%s sell: %w", d.Name(), err)
		}
	}
	if err := s.a.GoOnline(ctx); err != nil {
		return err
	}
	return s.b.GoOnline(ctx)
}

func (s *stockRace) Verify(ctx context.Context) error {
	return s.sim.waitQuantity(ctx, s.stock.ID, 1, s.a, s.b)
}

// deleteRestore deletes a reservation with its cascade on one device,
// restores it, and checks the other device follows both steps.
type deleteRestore struct {
	*BaseScenario
	a, b        *Device
	stock       *model.StockItem
	reservation *model.Reservation
}

func newDeleteRestore(sim *Simulator) Scenario {
	return &deleteRestore{BaseScenario: newBase(sim, "delete-restore",
		"delete a reservation with its cascade, then restore it")}
}

func (s *deleteRestore) Setup(ctx context.Context) error {
	if err := s.BaseScenario.Setup(ctx); err != nil {
		return err
	}
	var err error
	if s.a, err = s.launch(ctx, "front-desk"); err != nil {
		return err
	}
	s.b, err = s.launch(ctx, "owner")
	return err
}

func (s *deleteRestore) Execute(ctx context.Context) error {
	e := s.a.Engine
	s.stock = newStock("Water", 8)
	if err := e.CreateStockItem(ctx, s.stock); err != nil {
		return err
	}
	s.reservation = &model.Reservation{
		ClientName:   "Efua",
		CheckInDate:  "2025-03-01",
		CheckOutDate: "2025-03-03",
		Status:       model.StatusConfirmed,
		TotalAmount:  decimal.NewFromInt(1800),
		AmountPaid:   decimal.NewFromInt(200),
		Items: []model.LineItem{
			{ID: "l-1", Name: "Water", Quantity: 2, Price: decimal.NewFromInt(500), Type: model.LineStock, StockItemID: s.stock.ID},
			{ID: "l-2", Name: "Room", Quantity: 1, Price: decimal.NewFromInt(800), Type: model.LineService},
		},
	}
	if err := e.CreateReservation(ctx, s.reservation); err != nil {
		return err
	}
	if err := s.a.Sync(ctx); err != nil {
		return err
	}
	if err := s.sim.waitVisible(ctx, model.Reservations, s.reservation.ID, true, s.b); err != nil {
		return err
	}

	res, err := s.a.Deletion.Delete(ctx, model.EntityReservation, s.reservation.ID, s.a.Actor())
	if err != nil {
		return err
	}
	if !res.Calculations.TreasuryAdjustment.Equal(decimal.NewFromInt(-200)) {
		return fmt.Errorf("treasury adjustment = %s, want -200", res.Calculations.TreasuryAdjustment)
	}
	if err := s.a.Sync(ctx); err != nil {
		return err
	}
	if err := s.sim.waitVisible(ctx, model.Reservations, s.reservation.ID, false, s.b); err != nil {
		return err
	}
	if err := s.sim.waitQuantity(ctx, s.stock.ID, 10, s.a, s.b); err != nil {
		return err
	}

	if _, err := s.a.Deletion.Restore(ctx, s.reservation.ID, s.a.Actor()); err != nil {
		return err
	}
	return s.a.Sync(ctx)
}

func (s *deleteRestore) Verify(ctx context.Context) error {
	if err := s.sim.waitVisible(ctx, model.Reservations, s.reservation.ID, true, s.a, s.b); err != nil {
		return err
	}
	if err := s.sim.waitQuantity(ctx, s.stock.ID, 8, s.a, s.b); err != nil {
		return err
	}
	history, err := s.a.Store.ListHistory(ctx, s.workspaceID)
	if err != nil {
		return err
	}
	if len(history) != 1 || history[0].CanRestore || history[0].RestoredAt == nil {
		return fmt.Errorf("unexpected deletion history: %+v", history)
	}
	return nil
}

// deviceLimit fills a free plan with one device and checks that a second
// device is turned away until the first logs out.
type deviceLimit struct {
	*BaseScenario
	businessID string
	first      *Device
	second     *Device
}

func newDeviceLimit(sim *Simulator) Scenario {
	return &deviceLimit{BaseScenario: newBase(sim, "device-limit",
		"a free plan admits one device at a time")}
}

func (s *deviceLimit) Setup(ctx context.Context) error {
	if err := s.BaseScenario.Setup(ctx); err != nil {
		return err
	}
	// A business of its own so no other scenario holds a slot.
	s.businessID = "biz-" + s.workspaceID
	var err error
	s.first, err = s.device(ctx, DeviceConfig{Name: "phone-1", BusinessID: s.businessID, Plan: presence.PlanFree})
	if err != nil {
		return err
	}
	s.second, err = s.device(ctx, DeviceConfig{Name: "phone-2", BusinessID: s.businessID, Plan: presence.PlanFree})
	return err
}

func (s *deviceLimit) Execute(ctx context.Context) error {
	if err := s.first.Launch(ctx); err != nil {
		return err
	}
	err := s.second.Launch(ctx)
	if !errors.Is(err, presence.ErrMaxDevicesReached) {
		return fmt.Errorf("second device: got %v, want %s", err, presence.CodeMaxDevicesReached)
	}
	if err := s.first.Close(ctx); err != nil {
		return err
	}
	return s.second.Launch(ctx)
}

func (s *deviceLimit) Verify(ctx context.Context) error {
	online, err := s.sim.gate.Online(ctx, s.businessID)
	if err != nil {
		return err
	}
	if len(online) != 1 || online[0].ID != s.second.Name() {
		return fmt.Errorf("online devices = %+v, want only %s", online, s.second.Name())
	}
	history, err := s.sim.gate.History(ctx, s.businessID, 20)
	if err != nil {
		return err
	}
	for _, a := range history {
		if a.Outcome == presence.OutcomeDenied && a.DeviceID == s.second.Name() {
			return nil
		}
	}
	return errors.New("denied attempt missing from connection history")
}
