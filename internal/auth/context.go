// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const identityKey contextKey = "identity"

// Identity is the authenticated caller of a request: a user acting for one
// business from one device.
type Identity struct {
	UserID     string
	BusinessID string
	DeviceID   string
	Name       string
}

// WithIdentity stores the caller identity in the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext retrieves the caller identity from the context
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// GetBusinessID retrieves the business the caller acts for.
func GetBusinessID(ctx context.Context) (string, bool) {
	id, ok := FromContext(ctx)
	if !ok || id.BusinessID == "" {
		return "", false
	}
	return id.BusinessID, true
}
