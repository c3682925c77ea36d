// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/TTR-x/ttr-gestion-sub000/media"
	"github.com/TTR-x/ttr-gestion-sub000/model"
	"github.com/TTR-x/ttr-gestion-sub000/replica"
)

// NewImageCommand creates the image command group.
func NewImageCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "image",
		Short: "Manage the local image cache",
	}
	cmd.AddCommand(newImageAddCommand(rootOpts))
	cmd.AddCommand(newImageListCommand(rootOpts))
	cmd.AddCommand(newImageRetryCommand(rootOpts))
	return cmd
}

func newImageAddCommand(rootOpts *RootOptions) *cobra.Command {
	var stockID string
	cmd := &cobra.Command{
		Use:   "add <file>",
		Short: "Store an image locally and queue it for upload",
		Long: `Store an image in the local cache and queue it for upload. With --stock the
stock item points at the local copy until the upload replaces it with the
hosted URL.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			d, err := openDevice(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer d.Close()

			ref, err := d.media.SaveLocally(ctx, media.File{
				Name:        filepath.Base(args[0]),
				MimeType:    http.DetectContentType(data),
				Data:        data,
				StockItemID: stockID,
			})
			if err != nil {
				return err
			}
			if stockID != "" {
				item, err := replica.GetAs[*model.StockItem](ctx, d.store, model.Stock, stockID)
				if err != nil {
					return fmt.Errorf("stock item %s: %w", stockID, err)
				}
				item.ImageURL = ref
				if err := d.engine.UpdateStockItem(ctx, item); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), ref)
			return nil
		},
	}
	cmd.Flags().StringVar(&stockID, "stock", "", "stock item that shows the image")
	return cmd
}

// ImageEntry is one cached image as printed by image list.
type ImageEntry struct {
	ID          string `json:"id"`
	StockItemID string `json:"stockItemId,omitempty"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	Status      string `json:"status"`
	RemoteURL   string `json:"remoteUrl,omitempty"`
}

func newImageListCommand(rootOpts *RootOptions) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := openDevice(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer d.Close()
			imgs, err := d.store.ListImages(ctx, replica.UploadStatus(status))
			if err != nil {
				return err
			}
			entries := make([]ImageEntry, 0, len(imgs))
			for _, img := range imgs {
				entries = append(entries, ImageEntry{
					ID:          img.ID,
					StockItemID: img.StockItemID,
					FileName:    img.FileName,
					FileSize:    img.FileSize,
					Status:      string(img.UploadStatus),
					RemoteURL:   img.RemoteURL,
				})
			}
			return rootOpts.output(cmd.OutOrStdout(), entries, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATUS\tFILE\tSIZE\tSTOCK\tURL")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", e.ID, e.Status, e.FileName, e.FileSize, e.StockItemID, e.RemoteURL)
				}
				_ = tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only images with this upload status (pending|uploading|uploaded|failed)")
	return cmd
}

func newImageRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <image-id>",
		Short: "Queue a failed image for upload again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := openDevice(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer d.Close()
			return d.media.Retry(ctx, args[0])
		},
	}
}
