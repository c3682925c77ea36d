// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/TTR-x/ttr-gestion-sub000/internal/simulate"
	"github.com/TTR-x/ttr-gestion-sub000/remote/memremote"
	"github.com/TTR-x/ttr-gestion-sub000/server"
)

type simulateOptions struct {
	server  string
	dir     string
	output  string
	timeout time.Duration
	poll    time.Duration
	list    bool
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate [scenario...]",
		Short: "Run multi-device sync scenarios end to end",
		Long: `Run simulated devices through sync scenarios: offline queueing, two devices
editing one workspace, overselling stock, deletion with restore and the
device limit.

Without --server an in-process server backed by memory is started. A
remote server must have development sign-in enabled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.list {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, name := range simulate.AvailableScenarios() {
					fmt.Fprintln(tw, name)
				}
				return tw.Flush()
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSimulate(ctx, rootOpts, opts, args, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.server, "server", "", "server URL (default: in-process server)")
	cmd.Flags().StringVar(&opts.dir, "dir", "", "directory for replica files (default: in memory)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "write a JSON report to this file")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "how long to wait for devices to converge")
	cmd.Flags().DurationVar(&opts.poll, "poll", 200*time.Millisecond, "device poll interval for remote changes")
	cmd.Flags().BoolVar(&opts.list, "list", false, "list scenarios and exit")
	return cmd
}

func runSimulate(ctx context.Context, rootOpts *RootOptions, opts *simulateOptions, names []string, out io.Writer) error {
	logger := rootOpts.Logger
	serverURL := opts.server
	if serverURL == "" {
		url, shutdown, err := startLocalServer(logger)
		if err != nil {
			return err
		}
		defer shutdown()
		serverURL = url
	}

	sim, err := simulate.New(simulate.Config{
		ServerURL:    serverURL,
		BusinessID:   rootOpts.Config.Session.BusinessID,
		Dir:          opts.dir,
		PollInterval: opts.poll,
		Timeout:      opts.timeout,
		OutputFile:   opts.output,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	runErr := sim.RunAll(ctx, names...)
	if err := sim.Close(); err != nil {
		logger.Warn("failed to write report", "error", err)
	}

	final := sim.Reporter().Final()
	if err := rootOpts.output(out, final, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SCENARIO\tSTATUS\tDURATION\tERROR")
		for _, r := range final.Scenarios {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Name, r.Status, r.Duration.Round(time.Millisecond), r.Error)
		}
		_ = tw.Flush()
	}); err != nil {
		return err
	}
	return runErr
}

// startLocalServer serves a memory-backed server with development sign-in
// on a loopback port.
func startLocalServer(logger *slog.Logger) (string, func(), error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, fmt.Errorf("listen: %w", err)
	}
	srv := server.New(server.Config{
		Backend:   memremote.New(),
		Auth:      server.NewJWTAuth("simulate-" + time.Now().Format(time.RFC3339Nano)),
		DevSignin: true,
		Logger:    logger,
	})
	httpSrv := &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("simulation server stopped", "error", err)
		}
	}()
	url := "http://" + ln.Addr().String()
	logger.Info("simulation server started", "url", url)
	return url, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(ctx)
	}, nil
}
