// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package simulate drives simulated devices through end-to-end sync
// scenarios against a running server: devices go offline, queue work, come
// back, compete for stock and hit the device limit.
package simulate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/TTR-x/ttr-gestion-sub000/presence"
)

// Config holds Simulator options.
type Config struct {
	// ServerURL is a server with development sign-in enabled.
	ServerURL  string
	BusinessID string
	// Dir holds replica files. Empty keeps replicas in memory.
	Dir string
	// PollInterval is how often devices poll for remote changes.
	PollInterval time.Duration
	// Timeout bounds every wait for devices to converge.
	Timeout    time.Duration
	OutputFile string
	Logger     *slog.Logger
}

// Simulator runs scenarios one after another. Devices of all scenarios share
// one presence registry, as if they talked to the same gate.
type Simulator struct {
	cfg       Config
	logger    *slog.Logger
	reporter  *Reporter
	gate      *presence.Gate
	scenarios map[string]Scenario
}

func New(cfg Config) (*Simulator, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("simulate: server URL required")
	}
	if cfg.BusinessID == "" {
		cfg.BusinessID = "sim-" + uuid.NewString()[:8]
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	gateCfg := presence.DefaultConfig()
	gateCfg.Logger = cfg.Logger
	s := &Simulator{
		cfg:       cfg,
		logger:    cfg.Logger,
		reporter:  NewReporter(cfg.OutputFile, cfg.Logger),
		gate:      presence.NewGate(presence.NewMemoryRegistry(0), gateCfg),
		scenarios: make(map[string]Scenario),
	}
	for _, name := range AvailableScenarios() {
		s.scenarios[name] = NewScenario(s, name)
	}
	return s, nil
}

// Close writes the report file if one is configured.
func (s *Simulator) Close() error {
	return s.reporter.Close()
}

func (s *Simulator) Reporter() *Reporter { return s.reporter }

// RunScenario runs one scenario through setup, execution, verification and
// cleanup. Cleanup runs even when an earlier phase fails.
func (s *Simulator) RunScenario(ctx context.Context, name string) (err error) {
	scenario, ok := s.scenarios[name]
	if !ok {
		return fmt.Errorf("unknown scenario: %s", name)
	}
	s.logger.Info("starting scenario", "name", name, "description", scenario.Description())
	started := time.Now()
	report := s.reporter.StartScenario(name, scenario.Description())

	defer func() {
		if cerr := scenario.Cleanup(context.WithoutCancel(ctx)); cerr != nil {
			s.logger.Warn("scenario cleanup failed", "name", name, "error", cerr)
		}
		report.SetDuration(time.Since(started))
		if err != nil {
			report.SetError(err)
			s.logger.Error("scenario failed", "name", name, "error", err)
			return
		}
		report.SetSuccess()
		s.logger.Info("scenario completed", "name", name, "duration", time.Since(started).String())
	}()

	if err := scenario.Setup(ctx); err != nil {
		return fmt.Errorf("setup failed: %w", err)
	}
	if err := scenario.Execute(ctx); err != nil {
		return fmt.Errorf("execution failed: %w", err)
	}
	if err := scenario.Verify(ctx); err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}
	return nil
}

// RunAll runs the named scenarios, or all of them when names is empty, and
// returns the joined failures.
func (s *Simulator) RunAll(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		names = AvailableScenarios()
	}
	var errs []error
	for _, name := range names {
		if err := s.RunScenario(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		if ctx.Err() != nil {
			break
		}
	}
	return errors.Join(errs...)
}
