// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package model

import "time"

// Envelope holds the fields shared by every replicated entity.
type Envelope struct {
	ID          string `json:"id" validate:"required"`
	WorkspaceID string `json:"workspaceId" validate:"required"`
	BusinessID  string `json:"businessId" validate:"required"`
	CreatedAt   int64  `json:"createdAt"`
	UpdatedAt   int64  `json:"updatedAt"`
	IsDeleted   bool   `json:"isDeleted"`
	DeletedAt   *int64 `json:"deletedAt"`
	CreatedBy   string `json:"createdBy,omitempty"`
	UpdatedBy   string `json:"updatedBy,omitempty"`
}

func (e *Envelope) Base() *Envelope { return e }

func (e *Envelope) EntityID() string { return e.ID }

func (e *Envelope) Partition() (businessID, workspaceID string) {
	return e.BusinessID, e.WorkspaceID
}

// MarkDeleted sets the soft-delete marker. The row itself is kept.
func (e *Envelope) MarkDeleted(at int64, by string) {
	e.IsDeleted = true
	e.DeletedAt = &at
	e.UpdatedAt = at
	if by != "" {
		e.UpdatedBy = by
	}
}

// Undelete clears the soft-delete marker.
func (e *Envelope) Undelete(at int64, by string) {
	e.IsDeleted = false
	e.DeletedAt = nil
	e.UpdatedAt = at
	if by != "" {
		e.UpdatedBy = by
	}
}

// Payload is the tagged union carried by an outbound queue item. The concrete
// type is selected by the queue item's collection and action.
type Payload interface {
	Collection() Collection
	EntityID() string
	Partition() (businessID, workspaceID string)
}

// Entity is a replicated row: a Payload that also carries the common envelope.
type Entity interface {
	Payload
	Base() *Envelope
	DisplayName() string
}

// Millis converts t to epoch milliseconds.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
