// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/TTR-x/ttr-gestion-sub000/deletion"
	"github.com/TTR-x/ttr-gestion-sub000/model"
)

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <type> <id>",
		Short: "Delete an entity and the records that depend on it",
		Long: `Soft-delete an entity with its cascade: payments are taken out of the
treasury, sold or reserved stock goes back on the shelf and related records
are deleted along with it. The deletion is recorded so it can be restored.

Types: client, reservation, stock, expense, investment, quickIncome.
Changes are queued locally; run sync to push them.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := openDevice(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer d.Close()
			res, err := d.deletion.Delete(ctx, model.EntityType(args[0]), args[1], d.actor())
			if res != nil {
				if outErr := printResult(rootOpts, cmd.OutOrStdout(), "deleted", res); outErr != nil {
					return outErr
				}
			}
			return err
		},
	}
}

// NewRestoreCommand creates the restore command.
func NewRestoreCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <entity-id>",
		Short: "Restore the latest deletion of an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := openDevice(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer d.Close()
			res, err := d.deletion.Restore(ctx, args[0], d.actor())
			if res != nil {
				if outErr := printResult(rootOpts, cmd.OutOrStdout(), "restored", res); outErr != nil {
					return outErr
				}
			}
			return err
		},
	}
}

func printResult(o *RootOptions, w io.Writer, verb string, res *deletion.Result) error {
	return o.output(w, res, func(w io.Writer) {
		if !res.Success {
			fmt.Fprintf(w, "failed: %s\n", res.Error)
			return
		}
		for _, a := range res.AffectedEntities {
			fmt.Fprintf(w, "%s %d %s\n", a.Action, len(a.IDs), a.Type)
		}
		c := res.Calculations
		fmt.Fprintf(w, "treasury adjustment: %s\n", c.TreasuryAdjustment.StringFixed(2))
		if c.StockAdjustment != 0 {
			fmt.Fprintf(w, "stock adjustment: %+d\n", c.StockAdjustment)
		}
		for _, m := range c.StockMovements {
			fmt.Fprintf(w, "  %s: %+d\n", m.Name, m.Quantity)
		}
		fmt.Fprintln(w, verb)
	})
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List deletions of the workspace, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := openDevice(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer d.Close()
			entries, err := d.store.ListHistory(ctx, d.cfg.Session.WorkspaceID)
			if err != nil {
				return err
			}
			if entries == nil {
				entries = []model.DeletionHistory{}
			}
			return rootOpts.output(cmd.OutOrStdout(), entries, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "DELETED\tTYPE\tID\tNAME\tBY\tTREASURY\tRESTORABLE")
				for _, h := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%t\n",
						time.UnixMilli(h.DeletedAt).Format(time.DateTime), h.EntityType, h.EntityID,
						h.EntityName, h.DeletedBy, h.Calculations.TreasuryAdjustment.StringFixed(2), h.CanRestore)
				}
				_ = tw.Flush()
			})
		},
	}
}
