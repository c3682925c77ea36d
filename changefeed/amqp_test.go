package changefeed

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TTR-x/ttr-gestion-sub000/model"
	"github.com/TTR-x/ttr-gestion-sub000/remote"
	"github.com/TTR-x/ttr-gestion-sub000/remote/memremote"
)

func TestRoutingKey(t *testing.T) {
	ev := remote.ChangeEvent{Type: remote.EventChanged, BusinessID: "biz-1", Collection: model.Stock, ID: "s-1"}
	assert.Equal(t, "biz-1.stock.changed", RoutingKey(ev))

	ev.BusinessID = "acme.tg#1"
	assert.Equal(t, "acme_tg_1.stock.changed", RoutingKey(ev))
}

func TestMessage(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	ev := remote.ChangeEvent{
		Type:       remote.EventAdded,
		BusinessID: "biz-1",
		Collection: model.Expenses,
		ID:         "e-1",
		Doc:        json.RawMessage(`{"id":"e-1","amount":"1500"}`),
		Seq:        42,
	}
	msg, err := Message(ev, at)
	require.NoError(t, err)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "biz-1/42", msg.MessageId)
	assert.Equal(t, "added", msg.Type)
	assert.Equal(t, "e-1", msg.Headers["documentId"])

	var back remote.ChangeEvent
	require.NoError(t, json.Unmarshal(msg.Body, &back))
	assert.Equal(t, ev.ID, back.ID)
	assert.JSONEq(t, string(ev.Doc), string(back.Doc))

	ev.Seq = 0
	msg, err = Message(ev, at)
	require.NoError(t, err)
	assert.Empty(t, msg.MessageId)
}

func TestPublishToBroker(t *testing.T) {
	url := os.Getenv("TEST_AMQP_URL")
	if url == "" || testing.Short() {
		t.Skip("TEST_AMQP_URL not set")
	}
	exchange := "ttr.changes.test"
	pub, err := Dial(Config{URL: url, Exchange: exchange})
	require.NoError(t, err)
	defer pub.Close()

	conn, err := amqp.Dial(url)
	require.NoError(t, err)
	defer conn.Close()
	ch, err := conn.Channel()
	require.NoError(t, err)
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind(q.Name, "biz-1.stock.*", exchange, false, nil))
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	require.NoError(t, err)

	store := memremote.New().WithPublisher(pub)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "biz-1", model.Clients, "c-1", remote.Doc{"id": "c-1"}))
	require.NoError(t, store.Set(ctx, "biz-1", model.Stock, "s-1", remote.Doc{"id": "s-1", "currentQuantity": 3}))

	select {
	case d := <-deliveries:
		assert.Equal(t, "biz-1.stock.added", d.RoutingKey)
		var ev remote.ChangeEvent
		require.NoError(t, json.Unmarshal(d.Body, &ev))
		assert.Equal(t, "s-1", ev.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery")
	}
}
