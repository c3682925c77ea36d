// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package simulate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/TTR-x/ttr-gestion-sub000/deletion"
	"github.com/TTR-x/ttr-gestion-sub000/presence"
	"github.com/TTR-x/ttr-gestion-sub000/remote/httpremote"
	"github.com/TTR-x/ttr-gestion-sub000/replica"
	"github.com/TTR-x/ttr-gestion-sub000/syncer"
)

// DeviceConfig identifies a simulated device.
type DeviceConfig struct {
	Name        string
	BusinessID  string
	WorkspaceID string
	Plan        presence.Plan
}

// Device is one simulated phone or tablet with its own replica.
type Device struct {
	cfg    DeviceConfig
	logger *slog.Logger
	gate   *presence.Gate

	Store    *replica.Store
	Engine   *syncer.Engine
	Deletion *deletion.Engine

	session     *presence.Session
	unsubscribe func()
	closeOnce   sync.Once
}

// NewDevice opens a replica for the device and wires its engines. Nothing is
// sent to the server until Launch.
func (s *Simulator) NewDevice(ctx context.Context, cfg DeviceConfig) (*Device, error) {
	if cfg.BusinessID == "" {
		cfg.BusinessID = s.cfg.BusinessID
	}
	if cfg.Plan == "" {
		cfg.Plan = presence.PlanUnlimited
	}
	logger := s.logger.With("device", cfg.Name)

	path := ":memory:"
	if s.cfg.Dir != "" {
		path = filepath.Join(s.cfg.Dir, fmt.Sprintf("%s_%s_%d.db", cfg.WorkspaceID, cfg.Name, time.Now().UnixNano()))
	}
	store, err := replica.Open(ctx, path, logger)
	if err != nil {
		return nil, fmt.Errorf("open replica: %w", err)
	}

	client, err := httpremote.New(httpremote.Config{
		BaseURL:      s.cfg.ServerURL,
		BusinessID:   cfg.BusinessID,
		Token:        signinToken(s.cfg.ServerURL, cfg),
		PollInterval: s.cfg.PollInterval,
		Logger:       logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	engineCfg := syncer.DefaultConfig()
	engineCfg.AutoDrain = false
	engineCfg.Logger = logger
	engine := syncer.New(store, client, syncer.StaticSession{
		Business:  cfg.BusinessID,
		Workspace: cfg.WorkspaceID,
		Name:      cfg.Name,
	}, engineCfg)

	return &Device{
		cfg:      cfg,
		logger:   logger,
		gate:     s.gate,
		Store:    store,
		Engine:   engine,
		Deletion: deletion.New(engine, store, nil, logger),
	}, nil
}

func signinToken(serverURL string, cfg DeviceConfig) httpremote.TokenSource {
	var (
		mu     sync.Mutex
		cached string
	)
	return func(ctx context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if cached != "" {
			return cached, nil
		}
		tok, err := httpremote.DevSignin(ctx, nil, serverURL, httpremote.Credentials{
			User:     "user-" + cfg.Name,
			Business: cfg.BusinessID,
			Device:   cfg.Name,
			Name:     cfg.Name,
		})
		if err != nil {
			return "", err
		}
		cached = tok
		return tok, nil
	}
}

func (d *Device) Name() string { return d.cfg.Name }

// Actor is the identity recorded on the device's deletions.
func (d *Device) Actor() deletion.Actor {
	return deletion.Actor{Name: d.cfg.Name, UID: "user-" + d.cfg.Name}
}

// Launch does what the app does on start: claim a device slot, pull the
// workspace and start listening for remote changes.
func (d *Device) Launch(ctx context.Context) error {
	sess, err := d.gate.Connect(ctx, presence.Request{
		BusinessID: d.cfg.BusinessID,
		DeviceID:   d.cfg.Name,
		UserID:     "user-" + d.cfg.Name,
		UserName:   d.cfg.Name,
		Platform:   "simulator",
		Plan:       d.cfg.Plan,
	})
	if err != nil {
		return err
	}
	d.session = sess

	if err := d.Engine.Start(ctx); err != nil {
		return err
	}
	d.Engine.SetOnline(true)
	if err := d.Engine.InitialSync(ctx, d.cfg.BusinessID, d.cfg.WorkspaceID); err != nil {
		return fmt.Errorf("initial sync: %w", err)
	}
	unsubscribe, err := d.Engine.Subscribe(ctx, d.cfg.BusinessID, d.cfg.WorkspaceID)
	if err != nil {
		return err
	}
	d.unsubscribe = unsubscribe
	d.logger.Info("device launched", "workspace_id", d.cfg.WorkspaceID)
	return nil
}

// GoOffline makes later mutations queue locally.
func (d *Device) GoOffline() {
	d.Engine.SetOnline(false)
	d.logger.Info("device offline")
}

// GoOnline restores connectivity and pushes the queue.
func (d *Device) GoOnline(ctx context.Context) error {
	d.Engine.SetOnline(true)
	d.logger.Info("device online")
	return d.Sync(ctx)
}

// Sync drains the queue and fails if anything is left behind.
func (d *Device) Sync(ctx context.Context) error {
	if err := d.Engine.Drain(ctx); err != nil {
		return err
	}
	n, err := d.Store.QueueLen(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%s: %d mutation(s) still queued", d.cfg.Name, n)
	}
	return nil
}

// Close logs the device out and closes its replica.
func (d *Device) Close(ctx context.Context) error {
	var errs []error
	d.closeOnce.Do(func() {
		if d.unsubscribe != nil {
			d.unsubscribe()
		}
		if d.session != nil {
			errs = append(errs, d.session.Logout(ctx))
		}
		errs = append(errs, d.Engine.Close(), d.Store.Close())
	})
	return errors.Join(errs...)
}
