package model

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestValidateReservation(t *testing.T) {
	r := &Reservation{
		Envelope:    Envelope{ID: "r-1", WorkspaceID: "ws-1", BusinessID: "biz-1"},
		ClientName:  "Ama",
		Status:      StatusConfirmed,
		TotalAmount: decimal.NewFromInt(1000),
		AmountPaid:  decimal.NewFromInt(400),
		Items: []LineItem{
			{ID: "li-1", Name: "Room", Quantity: 1, Price: decimal.NewFromInt(1000), Type: LineService},
		},
	}
	require.NoError(t, Validate(r))

	r.AmountPaid = decimal.NewFromInt(1500)
	err := Validate(r)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, Reservations, verr.Collection)
	require.Contains(t, err.Error(), "ltetotal")

	r.AmountPaid = decimal.NewFromInt(100)
	r.Status = "archived"
	require.Error(t, Validate(r))
}

func TestValidateRequiresPartitionKeys(t *testing.T) {
	e := &Expense{Envelope: Envelope{ID: "e-1", WorkspaceID: "ws-1"}, ItemName: "Soap", Amount: decimal.NewFromInt(10)}
	err := Validate(e)
	require.Error(t, err)
	require.Contains(t, err.Error(), "businessId")

	e.BusinessID = "biz-1"
	require.NoError(t, Validate(e))

	e.Amount = decimal.NewFromInt(-1)
	require.Error(t, Validate(e))
}

func TestValidateClientEmail(t *testing.T) {
	c := &Client{Envelope: Envelope{ID: "c-1", WorkspaceID: "ws-1", BusinessID: "biz-1"}, Name: "Kofi"}
	require.NoError(t, Validate(c))
	c.Email = "not-an-email"
	require.Error(t, Validate(c))
}

func TestDecodePayloadUnion(t *testing.T) {
	raw := []byte(`{"id":"s-1","workspaceId":"ws-1","businessId":"biz-1","name":"Coca","currentQuantity":10,"price":"500"}`)
	p, err := DecodePayload(Stock, ActionCreate, raw)
	require.NoError(t, err)
	item, ok := p.(*StockItem)
	require.True(t, ok)
	require.Equal(t, 10, item.CurrentQuantity)

	p, err = DecodePayload(Stock, ActionAdjust, []byte(`{"id":"s-1","businessId":"biz-1","workspaceId":"ws-1","delta":-3}`))
	require.NoError(t, err)
	adj, ok := p.(*StockAdjustment)
	require.True(t, ok)
	require.Equal(t, -3, adj.Delta)

	_, err = DecodePayload(Expenses, ActionAdjust, raw)
	require.ErrorIs(t, err, ErrUnknownAction)

	_, err = DecodePayload(Stock, Action("merge"), raw)
	require.ErrorIs(t, err, ErrUnknownAction)

	_, err = DecodePayload(Collection("nope"), ActionCreate, raw)
	require.ErrorIs(t, err, ErrUnknownCollection)
}

func TestCloneIsDeep(t *testing.T) {
	r := &Reservation{
		Envelope: Envelope{ID: "r-1", WorkspaceID: "ws-1", BusinessID: "biz-1"},
		Items:    []LineItem{{ID: "li-1", Name: "Coca", Quantity: 2, Type: LineStock}},
	}
	c, err := Clone(r)
	require.NoError(t, err)
	c.Items[0].Quantity = 9
	require.Equal(t, 2, r.Items[0].Quantity)
}

func TestSaleDescription(t *testing.T) {
	require.Equal(t, "Vente: 3 x Coca", SaleDescription(3, "Coca"))

	qty, name, ok := ParseSaleDescription("Vente: 3 x Coca Cola ")
	require.True(t, ok)
	require.Equal(t, 3, qty)
	require.Equal(t, "Coca Cola", name)

	for _, desc := range []string{"", "Consulting", "Vente: x Coca", "Vente: 0 x Coca", "vente 3 Coca"} {
		_, _, ok := ParseSaleDescription(desc)
		require.False(t, ok, desc)
	}
}

func TestSaleSourcePrefersStructuredFields(t *testing.T) {
	q := &QuickIncome{Description: "Vente: 3 x Coca", SourceItemID: "s-1", SourceQuantity: 4}
	id, name, qty, ok := q.SaleSource()
	require.True(t, ok)
	require.Equal(t, "s-1", id)
	require.Empty(t, name)
	require.Equal(t, 4, qty)

	q = &QuickIncome{Description: "Vente: 3 x Coca"}
	id, name, qty, ok = q.SaleSource()
	require.True(t, ok)
	require.Empty(t, id)
	require.Equal(t, "Coca", name)
	require.Equal(t, 3, qty)

	q = &QuickIncome{Description: "Tips"}
	_, _, _, ok = q.SaleSource()
	require.False(t, ok)
}

func TestEnvelopeSoftDelete(t *testing.T) {
	var e Envelope
	e.MarkDeleted(500, "Kofi")
	require.True(t, e.IsDeleted)
	require.NotNil(t, e.DeletedAt)
	require.Equal(t, int64(500), *e.DeletedAt)

	raw, err := json.Marshal(&e)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"deletedAt":500`)

	e.Undelete(600, "Kofi")
	require.False(t, e.IsDeleted)
	require.Nil(t, e.DeletedAt)
	raw, err = json.Marshal(&e)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"deletedAt":null`)
}

func TestActivityLogEntryKeepsSubjectAndIdentity(t *testing.T) {
	raw := []byte(`{"id":"a-1","workspaceId":"ws-1","businessId":"biz-1","action":"stock.sale","entityType":"stock","entityId":"s-9","deviceTimestamp":1700000000000}`)
	ent, err := DecodeEntity(ActivityLog, raw)
	require.NoError(t, err)
	entry, ok := ent.(*ActivityLogEntry)
	require.True(t, ok)
	require.Equal(t, "a-1", entry.EntityID())
	require.Equal(t, "s-9", entry.SubjectID)
	require.Equal(t, ActivityLog, entry.Collection())

	out, err := json.Marshal(entry)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(out, &doc))
	require.Equal(t, "s-9", doc["entityId"])
	require.Equal(t, "a-1", doc["id"])
}
