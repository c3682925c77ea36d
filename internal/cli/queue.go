// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/TTR-x/ttr-gestion-sub000/replica"
	"github.com/TTR-x/ttr-gestion-sub000/syncer"
)

// QueueEntry is one queued mutation as printed by the queue command.
type QueueEntry struct {
	Seq        int64           `json:"seq"`
	Collection string          `json:"collection"`
	Action     string          `json:"action"`
	EntityID   string          `json:"entityId"`
	Timestamp  int64           `json:"timestamp"`
	Payload    json.RawMessage `json:"payload"`
	Error      string          `json:"error,omitempty"`
}

type QueueReport struct {
	Mutations []QueueEntry         `json:"mutations"`
	Uploads   []replica.UploadTask `json:"uploads"`
}

// NewQueueCommand creates the queue command.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List queued mutations and image uploads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := openDevice(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer d.Close()

			items, err := d.engine.Pending(ctx)
			if err != nil {
				return err
			}
			uploads, err := d.store.PendingUploads(ctx)
			if err != nil {
				return err
			}
			report := QueueReport{Mutations: make([]QueueEntry, 0, len(items)), Uploads: uploads}
			for _, item := range items {
				e := QueueEntry{
					Seq:        item.Seq,
					Collection: string(item.Collection),
					Action:     string(item.Action),
					EntityID:   item.EntityID,
					Timestamp:  item.Timestamp,
				}
				if raw := syncer.PendingJSON(item); json.Valid([]byte(raw)) {
					e.Payload = json.RawMessage(raw)
				} else {
					e.Payload, _ = json.Marshal(raw)
				}
				if item.DecodeErr != nil {
					e.Error = item.DecodeErr.Error()
				}
				report.Mutations = append(report.Mutations, e)
			}
			return rootOpts.output(cmd.OutOrStdout(), report, func(w io.Writer) {
				printQueue(w, report)
			})
		},
	}
}

func printQueue(w io.Writer, r QueueReport) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tACTION\tCOLLECTION\tID\tQUEUED")
	for _, e := range r.Mutations {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", e.Seq, e.Action, e.Collection, e.EntityID,
			time.UnixMilli(e.Timestamp).Format(time.DateTime))
	}
	_ = tw.Flush()
	if len(r.Uploads) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UPLOAD\tIMAGE\tRETRIES")
	for _, u := range r.Uploads {
		fmt.Fprintf(tw, "%d\t%s\t%d\n", u.Seq, u.ImageID, u.RetryCount)
	}
	_ = tw.Flush()
}
