// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/TTR-x/ttr-gestion-sub000/remote"
)

// Session supplies the tenant and the acting user to every mutation.
type Session interface {
	BusinessID() string
	WorkspaceID() string
	// Actor is the display name written to createdBy/updatedBy.
	Actor() string
}

// StaticSession is a fixed Session.
type StaticSession struct {
	Business  string
	Workspace string
	Name      string
}

func (s StaticSession) BusinessID() string  { return s.Business }
func (s StaticSession) WorkspaceID() string { return s.Workspace }
func (s StaticSession) Actor() string       { return s.Name }

// maxClockDrift is the device/server offset above which calibration warns.
const maxClockDrift = 5 * time.Minute

// Clock gives device time and an estimate of server time. Device clocks are
// not trusted, so activity entries carry both.
type Clock struct {
	mu     sync.RWMutex
	now    func() time.Time
	offset time.Duration
}

// NewClock returns a clock reading now, or time.Now when nil.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Now is the device time.
func (c *Clock) Now() time.Time {
	return c.now()
}

// ServerNow is the device time corrected by the calibrated offset.
func (c *Clock) ServerNow() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now().Add(c.offset)
}

// Offset returns the calibrated server minus device offset.
func (c *Clock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

// Calibrate measures the server offset, assuming a symmetric round trip.
// It reports whether the drift exceeds the tolerated bound.
func (c *Clock) Calibrate(ctx context.Context, src remote.Clock) (drifted bool, err error) {
	t0 := c.now()
	server, err := src.ServerTime(ctx)
	if err != nil {
		return false, err
	}
	t1 := c.now()
	offset := server.Add(t1.Sub(t0) / 2).Sub(t1)

	c.mu.Lock()
	c.offset = offset
	c.mu.Unlock()
	return math.Abs(float64(offset)) > float64(maxClockDrift), nil
}
