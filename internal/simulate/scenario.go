// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package simulate

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Scenario is one end-to-end run. Cleanup is always called, after a failed
// phase too.
type Scenario interface {
	Name() string
	Description() string
	Setup(ctx context.Context) error
	Execute(ctx context.Context) error
	Verify(ctx context.Context) error
	Cleanup(ctx context.Context) error
}

// BaseScenario owns the devices of a scenario and a workspace of its own, so
// scenarios never see each other's rows.
type BaseScenario struct {
	sim         *Simulator
	name        string
	description string
	workspaceID string
	devices     []*Device
}

func newBase(sim *Simulator, name, description string) *BaseScenario {
	return &BaseScenario{sim: sim, name: name, description: description}
}

func (b *BaseScenario) Name() string        { return b.name }
func (b *BaseScenario) Description() string { return b.description }

// Setup picks a fresh workspace for the run.
func (b *BaseScenario) Setup(ctx context.Context) error {
	b.workspaceID = fmt.Sprintf("ws-%s-%s", b.name, uuid.NewString()[:8])
	b.devices = nil
	return nil
}

// device creates a device in the scenario's workspace.
func (b *BaseScenario) device(ctx context.Context, cfg DeviceConfig) (*Device, error) {
	cfg.WorkspaceID = b.workspaceID
	d, err := b.sim.NewDevice(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", cfg.Name, err)
	}
	b.devices = append(b.devices, d)
	return d, nil
}

// launch creates a device and launches it.
func (b *BaseScenario) launch(ctx context.Context, name string) (*Device, error) {
	d, err := b.device(ctx, DeviceConfig{Name: name})
	if err != nil {
		return nil, err
	}
	if err := d.Launch(ctx); err != nil {
		return nil, fmt.Errorf("launch %s: %w", name, err)
	}
	return d, nil
}

func (b *BaseScenario) Cleanup(ctx context.Context) error {
	var errs []error
	for _, d := range b.devices {
		errs = append(errs, d.Close(ctx))
	}
	b.devices = nil
	return errors.Join(errs...)
}

// NewScenario creates a scenario by name, or nil if the name is unknown.
func NewScenario(sim *Simulator, name string) Scenario {
	switch name {
	case "offline-online":
		return newOfflineOnline(sim)
	case "multi-device-sync":
		return newMultiDeviceSync(sim)
	case "stock-race":
		return newStockRace(sim)
	case "delete-restore":
		return newDeleteRestore(sim)
	case "device-limit":
		return newDeviceLimit(sim)
	default:
		return nil
	}
}

// AvailableScenarios lists scenario names in the order RunAll runs them.
func AvailableScenarios() []string {
	return []string{
		"offline-online",
		"multi-device-sync",
		"stock-race",
		"delete-restore",
		"device-limit",
	}
}
