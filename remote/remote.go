// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package remote defines the contract of the remote realtime store a device
// replica syncs against: read by indexed field, overwrite by path, partial
// update by path, an atomic stock check-and-set and per-collection change
// streams.
//
// Documents live at businesses/{businessId}/{collection}/{id}.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/TTR-x/ttr-gestion-sub000/model"
)

var (
	ErrNotFound          = errors.New("remote: document not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrUnavailable       = errors.New("remote: unavailable")
)

// Doc is a remote document body.
type Doc = map[string]any

// EventType is the kind of change carried by a ChangeEvent.
type EventType string

const (
	EventAdded   EventType = "added"
	EventChanged EventType = "changed"
	EventRemoved EventType = "removed"
)

// ChangeEvent is one child change of a watched collection. Doc is nil for
// removals. Seq is the change-log cursor when the store has one.
type ChangeEvent struct {
	Type       EventType        `json:"type"`
	BusinessID string           `json:"businessId"`
	Collection model.Collection `json:"collection"`
	ID         string           `json:"id"`
	Doc        json.RawMessage  `json:"doc,omitempty"`
	Seq        int64            `json:"seq,omitempty"`
}

// Path returns the logical document path of the event.
func (e ChangeEvent) Path() string {
	return DocPath(e.BusinessID, e.Collection, e.ID)
}

// DocPath builds the logical path of a document.
func DocPath(businessID string, c model.Collection, id string) string {
	return fmt.Sprintf("businesses/%s/%s/%s", businessID, c, id)
}

// Reader reads documents.
type Reader interface {
	// List returns every document of the collection whose field equals value.
	List(ctx context.Context, businessID string, c model.Collection, field, value string) ([]json.RawMessage, error)
	Get(ctx context.Context, businessID string, c model.Collection, id string) (json.RawMessage, error)
}

// Writer writes documents.
type Writer interface {
	// Set overwrites the whole document.
	Set(ctx context.Context, businessID string, c model.Collection, id string, doc Doc) error
	// Update merges fields into an existing document. It fails with
	// ErrNotFound when the document does not exist.
	Update(ctx context.Context, businessID string, c model.Collection, id string, fields Doc) error
	// AdjustStock adds delta to a stock item's currentQuantity in one
	// check-and-set and merges fields in the same write. A result below zero
	// fails with ErrInsufficientStock unless clamp is set, in which case the
	// quantity becomes zero. It returns the new quantity.
	AdjustStock(ctx context.Context, businessID, id string, delta int, clamp bool, fields Doc) (int, error)
}

// Watcher streams changes of one collection. The channel is closed when ctx
// is done or the stream fails.
type Watcher interface {
	Watch(ctx context.Context, businessID string, c model.Collection) (<-chan ChangeEvent, error)
}

// Clock reports the remote server time, used to correct device clocks.
type Clock interface {
	ServerTime(ctx context.Context) (time.Time, error)
}

// Store is everything a device replica needs from the remote side.
type Store interface {
	Reader
	Writer
	Watcher
	Clock
}

// ChangeFeed is a cursor-based change log, used by servers and polling clients.
type ChangeFeed interface {
	// Changes returns up to limit changes of a business after the cursor, in
	// commit order.
	Changes(ctx context.Context, businessID string, after int64, limit int) ([]ChangeEvent, error)
	// Head returns a cursor at or past the latest change of a business.
	Head(ctx context.Context, businessID string) (int64, error)
}

// Publisher receives applied changes, for fan-out to other systems.
type Publisher interface {
	Publish(ctx context.Context, ev ChangeEvent) error
}

// ToDoc converts a value into a document through its JSON form.
func ToDoc(v any) (Doc, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var d Doc
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return d, nil
}

// Quantity reads an integer field of a document. Missing or non-numeric
// values read as zero.
func Quantity(d Doc, field string) int {
	switch v := d[field].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

// Merge copies fields into doc, returning doc.
func Merge(doc, fields Doc) Doc {
	if doc == nil {
		doc = Doc{}
	}
	for k, v := range fields {
		doc[k] = v
	}
	return doc
}
