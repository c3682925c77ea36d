// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package presence limits how many devices of a business may be online at the
// same time. A connected device holds a lease that its session renews with a
// heartbeat; a device that disappears without logging out simply lets the
// lease expire.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Plan is a subscription tier.
type Plan string

const (
	PlanFree      Plan = "free"
	PlanPro       Plan = "pro"
	PlanUnlimited Plan = "unlimited"
)

// DeviceLimit returns the number of concurrent devices a plan allows. capped
// is false for plans without a limit. Unknown plans get the free limit.
func (p Plan) DeviceLimit() (limit int, capped bool) {
	switch p {
	case PlanUnlimited:
		return 0, false
	case PlanPro:
		return 3, true
	default:
		return 1, true
	}
}

// CodeMaxDevicesReached is the denial code reported to clients.
const CodeMaxDevicesReached = "MAX_DEVICES_REACHED"

var ErrMaxDevicesReached = errors.New(CodeMaxDevicesReached)

// LimitError denies a connection because the plan's device limit is reached.
type LimitError struct {
	Plan   Plan
	Online int
	Limit  int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: %d device(s) online, plan %q allows %d", CodeMaxDevicesReached, e.Online, e.Plan, e.Limit)
}

func (e *LimitError) Is(target error) bool { return target == ErrMaxDevicesReached }

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

type Device struct {
	ID         string    `json:"id"`
	BusinessID string    `json:"businessId"`
	UserID     string    `json:"userId,omitempty"`
	UserName   string    `json:"userName,omitempty"`
	Platform   string    `json:"platform,omitempty"`
	Status     Status    `json:"status"`
	LastSeen   time.Time `json:"lastSeen"`
}

// Outcome is the kind of a connection history entry.
type Outcome string

const (
	OutcomeAttempt      Outcome = "attempt"
	OutcomeConnected    Outcome = "connected"
	OutcomeDenied       Outcome = "denied"
	OutcomeDisconnected Outcome = "disconnected"
)

// Attempt is one connection history entry.
type Attempt struct {
	BusinessID string    `json:"businessId"`
	DeviceID   string    `json:"deviceId"`
	UserID     string    `json:"userId,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	Online     int       `json:"online"`
	Limit      int       `json:"limit,omitempty"`
	At         time.Time `json:"at"`
}

// Registry stores device leases and the connection history of businesses.
type Registry interface {
	// Lock serializes count-and-register for one business.
	Lock(ctx context.Context, businessID string) (unlock func(context.Context) error, err error)
	// OnlineDevices returns devices whose lease is still valid at now.
	OnlineDevices(ctx context.Context, businessID string, now time.Time) ([]Device, error)
	MarkOnline(ctx context.Context, d Device, expires time.Time) error
	MarkOffline(ctx context.Context, businessID, deviceID string, at time.Time) error
	AppendHistory(ctx context.Context, a Attempt) error
	History(ctx context.Context, businessID string, limit int) ([]Attempt, error)
}

type Config struct {
	// Lease is how long a device stays online without a heartbeat.
	Lease     time.Duration
	Heartbeat time.Duration
	Now       func() time.Time
	Logger    *slog.Logger
}

func DefaultConfig() Config {
	return Config{Lease: 90 * time.Second, Heartbeat: 30 * time.Second}
}

// Request describes a device asking to connect.
type Request struct {
	BusinessID string
	DeviceID   string
	UserID     string
	UserName   string
	Platform   string
	Plan       Plan
}

// Gate admits devices within the plan limit.
type Gate struct {
	reg    Registry
	lease  time.Duration
	beat   time.Duration
	now    func() time.Time
	logger *slog.Logger
}

func NewGate(reg Registry, cfg Config) *Gate {
	def := DefaultConfig()
	if cfg.Lease <= 0 {
		cfg.Lease = def.Lease
	}
	if cfg.Heartbeat <= 0 || cfg.Heartbeat >= cfg.Lease {
		cfg.Heartbeat = cfg.Lease / 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gate{reg: reg, lease: cfg.Lease, beat: cfg.Heartbeat, now: cfg.Now, logger: cfg.Logger}
}

// Connect records the attempt and either registers the device online or
// denies it with a *LimitError.
func (g *Gate) Connect(ctx context.Context, req Request) (*Session, error) {
	if req.BusinessID == "" || req.DeviceID == "" {
		return nil, errors.New("presence: business id and device id are required")
	}
	g.audit(ctx, req, OutcomeAttempt, 0, 0)

	unlock, err := g.reg.Lock(ctx, req.BusinessID)
	if err != nil {
		return nil, fmt.Errorf("presence lock %s: %w", req.BusinessID, err)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			g.logger.Warn("failed to release presence lock", "business_id", req.BusinessID, "error", err)
		}
	}()

	now := g.now()
	devices, err := g.reg.OnlineDevices(ctx, req.BusinessID, now)
	if err != nil {
		return nil, err
	}
	online := 0
	for _, d := range devices {
		if d.ID != req.DeviceID {
			online++
		}
	}
	limit, capped := req.Plan.DeviceLimit()
	if capped && online >= limit {
		g.audit(ctx, req, OutcomeDenied, online, limit)
		g.logger.Info("device denied", "business_id", req.BusinessID, "device_id", req.DeviceID,
			"online", online, "limit", limit, "plan", req.Plan)
		return nil, &LimitError{Plan: req.Plan, Online: online, Limit: limit}
	}

	device := Device{
		ID:         req.DeviceID,
		BusinessID: req.BusinessID,
		UserID:     req.UserID,
		UserName:   req.UserName,
		Platform:   req.Platform,
		Status:     StatusOnline,
		LastSeen:   now,
	}
	if err := g.reg.MarkOnline(ctx, device, now.Add(g.lease)); err != nil {
		return nil, err
	}
	g.audit(ctx, req, OutcomeConnected, online+1, limit)
	g.logger.Info("device connected", "business_id", req.BusinessID, "device_id", req.DeviceID, "online", online+1)

	s := &Session{gate: g, req: req, device: device, done: make(chan struct{})}
	hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	go s.heartbeat(hbCtx)
	return s, nil
}

// Online returns the devices currently online for a business.
func (g *Gate) Online(ctx context.Context, businessID string) ([]Device, error) {
	return g.reg.OnlineDevices(ctx, businessID, g.now())
}

// History returns the latest connection attempts of a business, newest first.
func (g *Gate) History(ctx context.Context, businessID string, limit int) ([]Attempt, error) {
	return g.reg.History(ctx, businessID, limit)
}

// audit appends a history entry. Failures are logged only.
func (g *Gate) audit(ctx context.Context, req Request, outcome Outcome, online, limit int) {
	err := g.reg.AppendHistory(ctx, Attempt{
		BusinessID: req.BusinessID,
		DeviceID:   req.DeviceID,
		UserID:     req.UserID,
		Outcome:    outcome,
		Online:     online,
		Limit:      limit,
		At:         g.now(),
	})
	if err != nil {
		g.logger.Warn("failed to record connection history", "business_id", req.BusinessID, "outcome", outcome, "error", err)
	}
}

// Session is an admitted device. It renews its lease until Logout.
type Session struct {
	gate   *Gate
	req    Request
	device Device
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *Session) Device() Device { return s.device }

func (s *Session) heartbeat(ctx context.Context) {
	defer close(s.done)
	t := time.NewTicker(s.gate.beat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			now := s.gate.now()
			d := s.device
			d.LastSeen = now
			if err := s.gate.reg.MarkOnline(ctx, d, now.Add(s.gate.lease)); err != nil && ctx.Err() == nil {
				s.gate.logger.Warn("presence heartbeat failed", "business_id", d.BusinessID, "device_id", d.ID, "error", err)
			}
		}
	}
}

// Logout stops the heartbeat and marks the device offline immediately.
func (s *Session) Logout(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		s.cancel()
		<-s.done
		err = s.gate.reg.MarkOffline(ctx, s.req.BusinessID, s.req.DeviceID, s.gate.now())
		s.gate.audit(ctx, s.req, OutcomeDisconnected, 0, 0)
	})
	return err
}
