// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/TTR-x/ttr-gestion-sub000/changefeed"
	"github.com/TTR-x/ttr-gestion-sub000/remote"
	"github.com/TTR-x/ttr-gestion-sub000/remote/memremote"
	"github.com/TTR-x/ttr-gestion-sub000/remote/pgremote"
	"github.com/TTR-x/ttr-gestion-sub000/server"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Long: `Serve the remote document store over HTTP.

Documents are kept in PostgreSQL when server.database_url is set and in
memory otherwise. Committed changes are published to RabbitMQ when amqp.url
is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts)
		},
	}
}

func runServe(ctx context.Context, opts *RootOptions) error {
	cfg := opts.Config
	logger := opts.Logger

	if cfg.Server.JWTSecret == "" {
		return errors.New("server.jwt_secret (JWT_SECRET) is required")
	}

	var publisher remote.Publisher
	if cfg.AMQP.URL != "" {
		pub, err := changefeed.Dial(changefeed.Config{URL: cfg.AMQP.URL, Exchange: cfg.AMQP.Exchange, Logger: logger})
		if err != nil {
			return err
		}
		defer pub.Close()
		publisher = pub
		logger.Info("publishing changes", "exchange", cfg.AMQP.Exchange)
	}

	var backend server.Backend
	if cfg.Server.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Server.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("ping database: %w", err)
		}
		store, err := pgremote.New(ctx, pool, pgremote.Config{Publisher: publisher, Logger: logger})
		if err != nil {
			return err
		}
		backend = store
	} else {
		logger.Warn("no database configured, documents are kept in memory")
		store := memremote.New()
		if publisher != nil {
			store.WithPublisher(publisher)
		}
		backend = store
	}

	if cfg.Server.DevSignin {
		logger.Warn("development sign-in enabled, any credentials are accepted")
	}
	srv := server.New(server.Config{
		Backend:     backend,
		Auth:        server.NewJWTAuth(cfg.Server.JWTSecret),
		DevSignin:   cfg.Server.DevSignin,
		TokenTTL:    cfg.Server.TokenTTL,
		LogRequests: opts.Verbose,
		Logger:      logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("starting sync server", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server exited")
	return nil
}
