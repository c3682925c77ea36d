// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TTR-x/ttr-gestion-sub000/media"
	"github.com/TTR-x/ttr-gestion-sub000/presence"
)

type syncOptions struct {
	watch      bool
	noPresence bool
	interval   time.Duration
}

// SyncSummary is printed at the end of a sync run.
type SyncSummary struct {
	Pending  int               `json:"pending"`
	Uploads  media.UploadStats `json:"uploads"`
	LastPull time.Time         `json:"lastPull,omitempty"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &syncOptions{}
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Connect this device and synchronize its replica",
		Long: `Register the device against the plan's device limit, pull the workspace
into the local replica, then push queued mutations and pending images.

With --watch the device stays connected, applies remote changes as they
arrive and drains the queues periodically until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSync(ctx, rootOpts, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "stay connected and apply remote changes")
	cmd.Flags().BoolVar(&opts.noPresence, "no-presence", false, "skip the device limit check")
	cmd.Flags().DurationVar(&opts.interval, "interval", 30*time.Second, "queue drain interval in watch mode")
	return cmd
}

func runSync(ctx context.Context, rootOpts *RootOptions, opts *syncOptions, out io.Writer) error {
	d, err := openDevice(ctx, rootOpts)
	if err != nil {
		return err
	}
	defer d.Close()
	cfg := d.cfg.Session
	logger := d.logger

	if !opts.noPresence {
		if cfg.DeviceID == "" {
			return errors.New("session.device_id is required")
		}
		gate, err := d.presenceGate(ctx)
		if err != nil {
			return err
		}
		sess, err := gate.Connect(ctx, d.presenceRequest())
		var limitErr *presence.LimitError
		if errors.As(err, &limitErr) {
			return fmt.Errorf("this device cannot connect: %w", err)
		}
		if err != nil {
			return err
		}
		defer func() {
			logoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := sess.Logout(logoutCtx); err != nil {
				logger.Warn("failed to release device slot", "error", err)
			}
		}()
	}

	if err := d.engine.Start(ctx); err != nil {
		return err
	}
	d.engine.SetOnline(true)

	if err := d.engine.InitialSync(ctx, cfg.BusinessID, cfg.WorkspaceID); err != nil {
		// Partial pulls still leave a usable replica.
		logger.Warn("initial sync incomplete", "error", err)
	}

	summary := SyncSummary{}
	push := func() {
		if err := d.engine.Drain(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("queue drain failed", "error", err)
		}
		if !d.uploadsEnabled() {
			return
		}
		stats, err := d.media.ProcessUploadQueue(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Warn("image uploads failed", "error", err)
		}
		summary.Uploads.Uploaded += stats.Uploaded
		summary.Uploads.Retrying = stats.Retrying
		summary.Uploads.Failed += stats.Failed
	}
	push()

	if opts.watch {
		unsubscribe, err := d.engine.Subscribe(ctx, cfg.BusinessID, cfg.WorkspaceID)
		if err != nil {
			return err
		}
		logger.Info("watching remote changes", "business_id", cfg.BusinessID, "workspace_id", cfg.WorkspaceID)
		ticker := time.NewTicker(opts.interval)
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-ticker.C:
				push()
			}
		}
		ticker.Stop()
		unsubscribe()
	}

	// The run context may be cancelled by now.
	bg := context.Background()
	if summary.Pending, err = d.store.QueueLen(bg); err != nil {
		return err
	}
	if last, ok, err := d.engine.LastInitialSync(bg, cfg.WorkspaceID); err == nil && ok {
		summary.LastPull = last
	}
	return rootOpts.output(out, summary, func(w io.Writer) {
		fmt.Fprintf(w, "pending mutations: %d\n", summary.Pending)
		fmt.Fprintf(w, "images uploaded: %d, retrying: %d, failed: %d\n",
			summary.Uploads.Uploaded, summary.Uploads.Retrying, summary.Uploads.Failed)
		if !summary.LastPull.IsZero() {
			fmt.Fprintf(w, "last pull: %s\n", summary.LastPull.Format(time.RFC3339))
		}
	})
}
