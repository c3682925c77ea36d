package deletion

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/TTR-x/ttr-gestion-sub000/model"
	"github.com/TTR-x/ttr-gestion-sub000/remote/memremote"
	"github.com/TTR-x/ttr-gestion-sub000/replica"
	"github.com/TTR-x/ttr-gestion-sub000/syncer"
)

var kofi = Actor{Name: "Kofi", UID: "u-kofi"}

type fixture struct {
	ctx   context.Context
	store *replica.Store
	sync  *syncer.Engine
	del   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := replica.Open(ctx, ":memory:", nil)
	require.NoError(t, err)
	cfg := syncer.DefaultConfig()
	cfg.AutoDrain = false
	eng := syncer.New(store, memremote.New(), syncer.StaticSession{Business: "biz-1", Workspace: "ws-1", Name: "Kofi"}, cfg)
	t.Cleanup(func() {
		_ = eng.Close()
		_ = store.Close()
	})
	return &fixture{ctx: ctx, store: store, sync: eng, del: New(eng, store, nil, nil)}
}

func (f *fixture) stock(t *testing.T, name string, qty int) *model.StockItem {
	t.Helper()
	s := &model.StockItem{
		Name:            name,
		Unit:            "bottle",
		CurrentQuantity: qty,
		Price:           decimal.NewFromInt(500),
		PurchasePrice:   decimal.NewFromInt(300),
		IsForSale:       true,
	}
	require.NoError(t, f.sync.CreateStockItem(f.ctx, s))
	return s
}

func (f *fixture) quantity(t *testing.T, id string) int {
	t.Helper()
	s, err := replica.GetAs[*model.StockItem](f.ctx, f.store, model.Stock, id)
	require.NoError(t, err)
	return s.CurrentQuantity
}

func (f *fixture) deleted(t *testing.T, c model.Collection, id string) bool {
	t.Helper()
	ent, err := f.store.Get(f.ctx, c, id)
	require.NoError(t, err)
	return ent.Base().IsDeleted
}

func (f *fixture) reservation(t *testing.T, clientID string, paid int64, lines ...model.LineItem) *model.Reservation {
	t.Helper()
	r := &model.Reservation{
		ClientID:     clientID,
		ClientName:   "Ama",
		CheckInDate:  "2025-03-01",
		CheckOutDate: "2025-03-03",
		Status:       model.StatusConfirmed,
		TotalAmount:  decimal.NewFromInt(1000),
		AmountPaid:   decimal.NewFromInt(paid),
		Items:        lines,
	}
	require.NoError(t, f.sync.CreateReservation(f.ctx, r))
	return r
}

func stockLine(id, stockID, name string, qty int) model.LineItem {
	return model.LineItem{ID: id, Name: name, Quantity: qty, Price: decimal.NewFromInt(500), Type: model.LineStock, StockItemID: stockID}
}

func TestQuickIncomeSaleDeleteAndRestore(t *testing.T) {
	f := newFixture(t)
	coca := f.stock(t, "Coca", 10)

	sale, err := f.sync.SellStock(f.ctx, coca.ID, 3, "")
	require.NoError(t, err)
	require.Equal(t, 7, f.quantity(t, coca.ID))

	res, err := f.del.Delete(f.ctx, model.EntityQuickIncome, sale.Income.ID, kofi)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.True(t, res.Calculations.TreasuryAdjustment.Equal(decimal.NewFromInt(-1500)))
	require.Equal(t, 3, res.Calculations.StockAdjustment)
	require.Equal(t, 10, f.quantity(t, coca.ID))
	require.True(t, f.deleted(t, model.QuickIncomes, sale.Income.ID))
	require.True(t, f.deleted(t, model.Profits, sale.Profit.ID))

	history, err := f.store.ListHistory(f.ctx, "ws-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "Vente: 3 x Coca", history[0].EntityName)
	require.Equal(t, "u-kofi", history[0].DeletedByUID)
	require.True(t, history[0].CanRestore)

	res, err = f.del.Restore(f.ctx, sale.Income.ID, kofi)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.True(t, res.Calculations.TreasuryAdjustment.Equal(decimal.NewFromInt(1500)))
	require.True(t, res.Calculations.StockReadjusted)
	require.Equal(t, -3, res.Calculations.StockAdjustment)
	require.Equal(t, 7, f.quantity(t, coca.ID))
	require.False(t, f.deleted(t, model.QuickIncomes, sale.Income.ID))
	require.False(t, f.deleted(t, model.Profits, sale.Profit.ID))

	// Single use.
	res, err = f.del.Restore(f.ctx, sale.Income.ID, kofi)
	require.ErrorIs(t, err, ErrNotRestorable)
	require.False(t, res.Success)
	require.NotEmpty(t, res.Error)
}

func TestLegacySaleDescriptionReturnsStock(t *testing.T) {
	f := newFixture(t)
	coca := f.stock(t, "Coca", 5)
	q := &model.QuickIncome{Description: "Vente: 2 x coca ", Amount: decimal.NewFromInt(1000)}
	require.NoError(t, f.sync.CreateQuickIncome(f.ctx, q))

	res, err := f.del.Delete(f.ctx, model.EntityQuickIncome, q.ID, kofi)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 7, f.quantity(t, coca.ID))
}

func TestReservationDeleteRestoreIsInverse(t *testing.T) {
	f := newFixture(t)
	coca := f.stock(t, "Coca", 8)
	r := f.reservation(t, "", 200,
		stockLine("l-1", coca.ID, "Coca", 2),
		model.LineItem{ID: "l-2", Name: "Room", Quantity: 1, Price: decimal.NewFromInt(800), Type: model.LineService},
	)
	profit := &model.Profit{Amount: decimal.NewFromInt(400), SourceType: model.ProfitFromSale, RelatedEntityID: r.ID}
	require.NoError(t, f.sync.CreateProfit(f.ctx, profit))

	del, err := f.del.Delete(f.ctx, model.EntityReservation, r.ID, kofi)
	require.NoError(t, err)
	require.True(t, del.Calculations.TreasuryAdjustment.Equal(decimal.NewFromInt(-200)))
	require.True(t, del.Calculations.PaymentsDeducted.Equal(decimal.NewFromInt(200)))
	require.Equal(t, 10, f.quantity(t, coca.ID))
	require.True(t, f.deleted(t, model.Reservations, r.ID))
	require.True(t, f.deleted(t, model.Profits, profit.ID))

	res, err := f.del.Restore(f.ctx, r.ID, kofi)
	require.NoError(t, err)
	require.Equal(t, 8, f.quantity(t, coca.ID))
	require.False(t, f.deleted(t, model.Reservations, r.ID))
	require.False(t, f.deleted(t, model.Profits, profit.ID))
	require.True(t, del.Calculations.TreasuryAdjustment.Add(res.Calculations.TreasuryAdjustment).IsZero())
}

func TestRestoreClampsStockAtZero(t *testing.T) {
	f := newFixture(t)
	coca := f.stock(t, "Coca", 1)
	r := f.reservation(t, "", 0, stockLine("l-1", coca.ID, "Coca", 4))

	_, err := f.del.Delete(f.ctx, model.EntityReservation, r.ID, kofi)
	require.NoError(t, err)
	require.Equal(t, 5, f.quantity(t, coca.ID))

	// Units sold in the meantime.
	_, err = f.sync.AdjustStockQuantity(f.ctx, coca.ID, -3)
	require.NoError(t, err)

	res, err := f.del.Restore(f.ctx, r.ID, kofi)
	require.NoError(t, err)
	require.Equal(t, 0, f.quantity(t, coca.ID))
	require.Equal(t, -2, res.Calculations.StockAdjustment)
	require.Len(t, res.Calculations.StockMovements, 1)
	require.Equal(t, -2, res.Calculations.StockMovements[0].Quantity)
}

type failingRestoreHistory struct {
	*replica.Store
}

func (h failingRestoreHistory) SaveHistory(ctx context.Context, rec *model.DeletionHistory) error {
	if rec.RestoredAt != nil {
		return errors.New("disk full")
	}
	return h.Store.SaveHistory(ctx, rec)
}

func TestFailedRestoreUndoesOnlyClampedStock(t *testing.T) {
	f := newFixture(t)
	coca := f.stock(t, "Coca", 1)
	r := f.reservation(t, "", 0, stockLine("l-1", coca.ID, "Coca", 4))

	del := New(f.sync, failingRestoreHistory{Store: f.store}, nil, nil)
	_, err := del.Delete(f.ctx, model.EntityReservation, r.ID, kofi)
	require.NoError(t, err)
	require.Equal(t, 5, f.quantity(t, coca.ID))

	_, err = f.sync.AdjustStockQuantity(f.ctx, coca.ID, -3)
	require.NoError(t, err)

	// The restore takes the last 2 units instead of 4, then fails.
	res, err := del.Restore(f.ctx, r.ID, kofi)
	require.Error(t, err)
	require.False(t, res.Success)
	require.Equal(t, 2, f.quantity(t, coca.ID))
	require.True(t, f.deleted(t, model.Reservations, r.ID))
}

func TestStockInUseGuard(t *testing.T) {
	f := newFixture(t)
	coca := f.stock(t, "Coca", 10)
	// Referenced by name only.
	r := f.reservation(t, "", 0, stockLine("l-1", "", "COCA", 1))

	res, err := f.del.Delete(f.ctx, model.EntityStock, coca.ID, kofi)
	require.ErrorIs(t, err, ErrStockInUse)
	require.EqualError(t, err, `cannot delete stock item "Coca": used in 1 active reservation(s)`)
	require.False(t, res.Success)
	require.False(t, f.deleted(t, model.Stock, coca.ID))

	_, err = f.del.Delete(f.ctx, model.EntityReservation, r.ID, kofi)
	require.NoError(t, err)

	res, err = f.del.Delete(f.ctx, model.EntityStock, coca.ID, kofi)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.True(t, res.Calculations.TreasuryAdjustment.IsZero())
	require.True(t, f.deleted(t, model.Stock, coca.ID))
}

func TestClientDeletionCascades(t *testing.T) {
	f := newFixture(t)
	coca := f.stock(t, "Coca", 4)
	client := &model.Client{Name: "Ama"}
	require.NoError(t, f.sync.CreateClient(f.ctx, client))
	r := f.reservation(t, client.ID, 300, stockLine("l-1", coca.ID, "Coca", 2))
	sale, err := f.sync.SellStock(f.ctx, coca.ID, 1, client.ID)
	require.NoError(t, err)
	other := f.reservation(t, "", 50)

	res, err := f.del.Delete(f.ctx, model.EntityClient, client.ID, kofi)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.True(t, res.Calculations.TreasuryAdjustment.Equal(decimal.NewFromInt(-800)))
	require.Equal(t, 6, f.quantity(t, coca.ID))
	require.True(t, f.deleted(t, model.Clients, client.ID))
	require.True(t, f.deleted(t, model.Reservations, r.ID))
	require.True(t, f.deleted(t, model.QuickIncomes, sale.Income.ID))
	require.False(t, f.deleted(t, model.Reservations, other.ID))

	types := map[model.EntityType]bool{}
	for _, g := range res.AffectedEntities {
		types[g.Type] = true
	}
	require.True(t, types[model.EntityReservation])
	require.True(t, types[model.EntityQuickIncome])
	require.True(t, types[model.EntityProfit])

	_, err = f.del.Restore(f.ctx, client.ID, kofi)
	require.NoError(t, err)
	require.False(t, f.deleted(t, model.Clients, client.ID))
	require.False(t, f.deleted(t, model.Reservations, r.ID))
	require.False(t, f.deleted(t, model.QuickIncomes, sale.Income.ID))
	require.Equal(t, 3, f.quantity(t, coca.ID))
}

type failingDelete struct {
	Primitives
	id string
}

func (f failingDelete) Delete(ctx context.Context, c model.Collection, id string) error {
	if id == f.id {
		return errors.New("disk full")
	}
	return f.Primitives.Delete(ctx, c, id)
}

func TestFailedCascadeIsCompensated(t *testing.T) {
	f := newFixture(t)
	coca := f.stock(t, "Coca", 4)
	client := &model.Client{Name: "Ama"}
	require.NoError(t, f.sync.CreateClient(f.ctx, client))
	r := f.reservation(t, client.ID, 300, stockLine("l-1", coca.ID, "Coca", 2))

	del := New(failingDelete{Primitives: f.sync, id: client.ID}, f.store, nil, nil)
	res, err := del.Delete(f.ctx, model.EntityClient, client.ID, kofi)
	require.Error(t, err)
	require.False(t, res.Success)
	require.Contains(t, res.Error, "disk full")

	require.False(t, f.deleted(t, model.Reservations, r.ID))
	require.False(t, f.deleted(t, model.Clients, client.ID))
	require.Equal(t, 4, f.quantity(t, coca.ID))

	_, err = f.store.LatestRestorable(f.ctx, client.ID)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestExpenseAndInvestmentAddBack(t *testing.T) {
	f := newFixture(t)
	exp := &model.Expense{ItemName: "Soap", Amount: decimal.NewFromInt(75)}
	require.NoError(t, f.sync.CreateExpense(f.ctx, exp))
	inv := &model.Investment{Description: "Fridge", Amount: decimal.NewFromInt(900)}
	require.NoError(t, f.sync.CreateInvestment(f.ctx, inv))

	res, err := f.del.Delete(f.ctx, model.EntityExpense, exp.ID, kofi)
	require.NoError(t, err)
	require.True(t, res.Calculations.TreasuryAdjustment.Equal(decimal.NewFromInt(75)))

	res, err = f.del.Delete(f.ctx, model.EntityInvestment, inv.ID, kofi)
	require.NoError(t, err)
	require.True(t, res.Calculations.TreasuryAdjustment.Equal(decimal.NewFromInt(900)))

	res, err = f.del.Restore(f.ctx, exp.ID, kofi)
	require.NoError(t, err)
	require.True(t, res.Calculations.TreasuryAdjustment.Equal(decimal.NewFromInt(-75)))
	require.False(t, res.Calculations.StockReadjusted)
}

func TestDeleteRejections(t *testing.T) {
	f := newFixture(t)

	res, err := f.del.Delete(f.ctx, model.EntityExpense, "missing", kofi)
	require.ErrorIs(t, err, model.ErrNotFound)
	require.False(t, res.Success)

	_, err = f.del.Delete(f.ctx, model.EntityProfit, "p-1", kofi)
	require.ErrorIs(t, err, ErrUnsupportedType)

	exp := &model.Expense{ItemName: "Soap", Amount: decimal.NewFromInt(5)}
	require.NoError(t, f.sync.CreateExpense(f.ctx, exp))
	_, err = f.del.Delete(f.ctx, model.EntityExpense, exp.ID, kofi)
	require.NoError(t, err)
	_, err = f.del.Delete(f.ctx, model.EntityExpense, exp.ID, kofi)
	require.ErrorIs(t, err, ErrAlreadyDeleted)
}

func TestNormalizeName(t *testing.T) {
	require.Equal(t, NormalizeName("Café"), NormalizeName("  CAFÉ"))
	require.NotEqual(t, NormalizeName("Coca"), NormalizeName("Coke"))
}
