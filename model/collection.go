// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package model defines the business entities replicated between a device and the
// remote store, the queue payload union and the validation rules applied before a
// mutation is accepted locally.
package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrUnknownCollection = errors.New("unknown collection")
	ErrUnknownAction     = errors.New("unknown action")
)

// Collection names a replicated entity collection. The value is also the remote
// path segment: businesses/{businessId}/{collection}/{id}.
type Collection string

const (
	Reservations Collection = "reservations"
	Expenses     Collection = "expenses"
	Clients      Collection = "clients"
	Stock        Collection = "stock"
	Investments  Collection = "investments"
	QuickIncomes Collection = "quickIncomes"
	ActivityLog  Collection = "activityLog"
	Profits      Collection = "profits"
)

// Collections lists every synchronized collection in initial-sync order.
var Collections = []Collection{
	Reservations,
	Expenses,
	Clients,
	Stock,
	Investments,
	QuickIncomes,
	ActivityLog,
	Profits,
}

// Valid reports whether c is one of the synchronized collections.
func (c Collection) Valid() bool {
	for _, known := range Collections {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCollection converts a path segment into a Collection.
func ParseCollection(s string) (Collection, error) {
	c := Collection(s)
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCollection, s)
	}
	return c, nil
}

// Action is the kind of outbound mutation carried by a queue item.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	// ActionAdjust carries a StockAdjustment applied remotely as an atomic check-and-set.
	ActionAdjust Action = "adjust"
)

func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionAdjust:
		return true
	}
	return false
}
