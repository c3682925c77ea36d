// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/TTR-x/ttr-gestion-sub000/presence"
)

// DevicesReport lists the online devices of a business and its recent
// connection attempts.
type DevicesReport struct {
	Online  []presence.Device  `json:"online"`
	History []presence.Attempt `json:"history"`
}

// NewDevicesCommand creates the devices command.
func NewDevicesCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Show online devices and connection history of the business",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := openDevice(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer d.Close()
			gate, err := d.presenceGate(ctx)
			if err != nil {
				return err
			}
			biz := d.cfg.Session.BusinessID
			online, err := gate.Online(ctx, biz)
			if err != nil {
				return err
			}
			history, err := gate.History(ctx, biz, limit)
			if err != nil {
				return err
			}
			report := DevicesReport{Online: online, History: history}
			return rootOpts.output(cmd.OutOrStdout(), report, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "DEVICE\tUSER\tPLATFORM\tLAST SEEN")
				for _, dev := range online {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", dev.ID, dev.UserName, dev.Platform, dev.LastSeen.Format(time.DateTime))
				}
				_ = tw.Flush()
				fmt.Fprintln(w)
				tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "AT\tDEVICE\tOUTCOME\tONLINE\tLIMIT")
				for _, a := range history {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n", a.At.Format(time.DateTime), a.DeviceID, a.Outcome, a.Online, a.Limit)
				}
				_ = tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "history entries to show")
	return cmd
}
