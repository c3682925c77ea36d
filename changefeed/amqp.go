// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package changefeed fans committed remote changes out to RabbitMQ so other
// systems (reporting, notifications) can follow a business without polling.
package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/TTR-x/ttr-gestion-sub000/remote"
)

const DefaultExchange = "ttr.changes"

type Config struct {
	URL string
	// Exchange is a topic exchange, declared durable on connect.
	Exchange string
	Logger   *slog.Logger
}

// AMQPPublisher publishes every change to a topic exchange with the routing
// key {businessId}.{collection}.{type}.
type AMQPPublisher struct {
	conn     *amqp.Connection
	mu       sync.Mutex
	ch       *amqp.Channel
	exchange string
	logger   *slog.Logger
}

var _ remote.Publisher = (*AMQPPublisher)(nil)

// Dial connects to the broker and declares the exchange.
func Dial(cfg Config) (*AMQPPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("changefeed: broker URL required")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("changefeed: connect: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("changefeed: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // kind
		true,         // durable
		false,        // auto-delete
		false,        // internal
		false,        // no-wait
		nil,          // args
	); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("changefeed: declare exchange %s: %w", cfg.Exchange, err)
	}
	return &AMQPPublisher{conn: conn, ch: ch, exchange: cfg.Exchange, logger: cfg.Logger}, nil
}

// Publish implements remote.Publisher.
func (p *AMQPPublisher) Publish(ctx context.Context, ev remote.ChangeEvent) error {
	msg, err := Message(ev, time.Now())
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(ev), false, false, msg); err != nil {
		return fmt.Errorf("changefeed: publish %s: %w", ev.Path(), err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		p.logger.Warn("failed to close broker channel", "error", err)
	}
	return p.conn.Close()
}

// RoutingKey returns {businessId}.{collection}.{type}. Dots inside a segment
// are replaced so bindings like "biz-1.stock.*" stay unambiguous.
func RoutingKey(ev remote.ChangeEvent) string {
	seg := strings.NewReplacer(".", "_", "*", "_", "#", "_")
	return seg.Replace(ev.BusinessID) + "." + seg.Replace(string(ev.Collection)) + "." + string(ev.Type)
}

// Message builds the broker message of a change. The body is the JSON form of
// the event.
func Message(ev remote.ChangeEvent, at time.Time) (amqp.Publishing, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("changefeed: encode %s: %w", ev.Path(), err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    at,
		Type:         string(ev.Type),
		Body:         body,
		Headers: amqp.Table{
			"businessId": ev.BusinessID,
			"collection": string(ev.Collection),
			"documentId": ev.ID,
		},
	}
	if ev.Seq > 0 {
		msg.MessageId = fmt.Sprintf("%s/%d", ev.BusinessID, ev.Seq)
	}
	return msg, nil
}
