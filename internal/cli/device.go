// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/TTR-x/ttr-gestion-sub000/deletion"
	"github.com/TTR-x/ttr-gestion-sub000/internal/config"
	"github.com/TTR-x/ttr-gestion-sub000/media"
	"github.com/TTR-x/ttr-gestion-sub000/presence"
	"github.com/TTR-x/ttr-gestion-sub000/remote/httpremote"
	"github.com/TTR-x/ttr-gestion-sub000/replica"
	"github.com/TTR-x/ttr-gestion-sub000/syncer"
)

// device is the set of components a device runs against its local replica.
// Components that need the network are built lazily.
type device struct {
	cfg    config.Config
	logger *slog.Logger

	store    *replica.Store
	remote   *httpremote.Client
	engine   *syncer.Engine
	media    *media.Cache
	deletion *deletion.Engine

	host  *media.GCSHost
	redis *redis.Client
}

func (o *RootOptions) requireSession() error {
	s := o.Config.Session
	if s.BusinessID == "" || s.WorkspaceID == "" {
		return errors.New("session.business_id and session.workspace_id are required")
	}
	return nil
}

// openDevice opens the replica and wires the sync engine, the media cache and
// the deletion engine. The remote client is created but not contacted.
func openDevice(ctx context.Context, o *RootOptions) (*device, error) {
	if err := o.requireSession(); err != nil {
		return nil, err
	}
	cfg := o.Config
	d := &device{cfg: cfg, logger: o.Logger}

	store, err := replica.Open(ctx, cfg.Replica.Path, o.Logger)
	if err != nil {
		return nil, err
	}
	d.store = store

	client, err := httpremote.New(httpremote.Config{
		BaseURL:      cfg.Remote.URL,
		BusinessID:   cfg.Session.BusinessID,
		Token:        d.tokenSource(),
		PollInterval: cfg.Remote.PollInterval,
		Logger:       o.Logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	d.remote = client

	engineCfg := syncer.DefaultConfig()
	engineCfg.PhoneRegion = cfg.Session.PhoneRegion
	engineCfg.Logger = o.Logger
	d.engine = syncer.New(store, client, syncer.StaticSession{
		Business:  cfg.Session.BusinessID,
		Workspace: cfg.Session.WorkspaceID,
		Name:      d.actorName(),
	}, engineCfg)

	var host media.Host
	if cfg.Media.GCS.Bucket != "" {
		h, err := media.NewGCSHost(ctx, cfg.Media.GCS)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.host = h
		host = h
	}
	mediaCfg := media.DefaultConfig()
	mediaCfg.MaxDimension = cfg.Media.MaxDimension
	mediaCfg.Logger = o.Logger
	d.media = media.New(store, host, d.engine, mediaCfg)

	d.deletion = deletion.New(d.engine, store, nil, o.Logger)
	return d, nil
}

func (d *device) actorName() string {
	if d.cfg.Session.Name != "" {
		return d.cfg.Session.Name
	}
	return d.cfg.Session.User
}

func (d *device) actor() deletion.Actor {
	return deletion.Actor{Name: d.actorName(), UID: d.cfg.Session.User}
}

// tokenSource uses the configured token, or signs in once against a server
// with development sign-in enabled.
func (d *device) tokenSource() httpremote.TokenSource {
	if d.cfg.Remote.Token != "" {
		return httpremote.StaticToken(d.cfg.Remote.Token)
	}
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
		s := d.cfg.Session
		if s.User == "" {
			return "", errors.New("remote.token or session.user is required to reach the server")
		}
		tok, err := httpremote.DevSignin(ctx, nil, d.cfg.Remote.URL, httpremote.Credentials{
			User:     s.User,
			Business: s.BusinessID,
			Device:   s.DeviceID,
			Name:     d.actorName(),
		})
		if err != nil {
			return "", err
		}
		cached = tok
		return tok, nil
	}
}

// uploadsEnabled reports whether a media host is configured.
func (d *device) uploadsEnabled() bool { return d.host != nil }

// presenceGate returns a gate on Redis when configured. Without Redis the
// registry is process-local and only limits devices within this process.
func (d *device) presenceGate(ctx context.Context) (*presence.Gate, error) {
	var reg presence.Registry
	if d.cfg.Redis.Addr != "" {
		d.redis = redis.NewClient(&redis.Options{
			Addr:     d.cfg.Redis.Addr,
			Password: d.cfg.Redis.Password,
			DB:       d.cfg.Redis.DB,
		})
		if err := d.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		reg = presence.NewRedisRegistry(d.redis, 0)
	} else {
		d.logger.Warn("no redis configured, device presence is local to this process")
		reg = presence.NewMemoryRegistry(0)
	}
	cfg := presence.DefaultConfig()
	cfg.Logger = d.logger
	return presence.NewGate(reg, cfg), nil
}

func (d *device) presenceRequest() presence.Request {
	s := d.cfg.Session
	return presence.Request{
		BusinessID: s.BusinessID,
		DeviceID:   s.DeviceID,
		UserID:     s.User,
		UserName:   d.actorName(),
		Platform:   s.DeviceName,
		Plan:       presence.Plan(s.Plan),
	}
}

func (d *device) Close() {
	if d.engine != nil {
		if err := d.engine.Close(); err != nil {
			d.logger.Warn("failed to stop sync engine", "error", err)
		}
	}
	if d.host != nil {
		_ = d.host.Close()
	}
	if d.redis != nil {
		_ = d.redis.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
}
