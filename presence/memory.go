// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

type lease struct {
	device  Device
	expires time.Time
}

// MemoryRegistry keeps presence in process memory. It serves a single server
// instance and tests.
type MemoryRegistry struct {
	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	devices map[string]map[string]lease
	history map[string][]Attempt
	keep    int
}

// NewMemoryRegistry keeps at most keep history entries per business.
func NewMemoryRegistry(keep int) *MemoryRegistry {
	if keep <= 0 {
		keep = defaultHistoryLen
	}
	return &MemoryRegistry{
		locks:   make(map[string]*sync.Mutex),
		devices: make(map[string]map[string]lease),
		history: make(map[string][]Attempt),
		keep:    keep,
	}
}

func (r *MemoryRegistry) Lock(ctx context.Context, businessID string) (func(context.Context) error, error) {
	r.mu.Lock()
	l, ok := r.locks[businessID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[businessID] = l
	}
	r.mu.Unlock()
	l.Lock()
	return func(context.Context) error {
		l.Unlock()
		return nil
	}, nil
}

func (r *MemoryRegistry) OnlineDevices(ctx context.Context, businessID string, now time.Time) ([]Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Device
	for _, l := range r.devices[businessID] {
		if l.device.Status == StatusOnline && now.Before(l.expires) {
			out = append(out, l.device)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRegistry) MarkOnline(ctx context.Context, d Device, expires time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.devices[d.BusinessID]
	if !ok {
		m = make(map[string]lease)
		r.devices[d.BusinessID] = m
	}
	d.Status = StatusOnline
	m[d.ID] = lease{device: d, expires: expires}
	return nil
}

func (r *MemoryRegistry) MarkOffline(ctx context.Context, businessID, deviceID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.devices[businessID][deviceID]
	if !ok {
		return nil
	}
	l.device.Status = StatusOffline
	l.device.LastSeen = at
	r.devices[businessID][deviceID] = l
	return nil
}

func (r *MemoryRegistry) AppendHistory(ctx context.Context, a Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := append([]Attempt{a}, r.history[a.BusinessID]...)
	if len(h) > r.keep {
		h = h[:r.keep]
	}
	r.history[a.BusinessID] = h
	return nil
}

// History returns the newest entries first.
func (r *MemoryRegistry) History(ctx context.Context, businessID string, limit int) ([]Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.history[businessID]
	if limit > 0 && len(h) > limit {
		h = h[:limit]
	}
	return append([]Attempt(nil), h...), nil
}
