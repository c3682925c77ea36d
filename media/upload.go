// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"context"
	"errors"

	"github.com/TTR-x/ttr-gestion-sub000/model"
	"github.com/TTR-x/ttr-gestion-sub000/replica"
)

// UploadStats summarizes one pass over the upload queue.
type UploadStats struct {
	Uploaded int
	Retrying int
	Failed   int
}

// ProcessUploadQueue uploads pending images in enqueue order. Only one pass
// runs at a time; a call made while a pass is running returns immediately.
//
// An upload that fails stays queued until it has failed MaxAttempts times,
// then the image is marked failed and only Retry brings it back.
func (c *Cache) ProcessUploadQueue(ctx context.Context) (UploadStats, error) {
	var stats UploadStats
	if !c.processing.CompareAndSwap(false, true) {
		return stats, nil
	}
	defer c.processing.Store(false)

	tasks, err := c.store.PendingUploads(ctx)
	if err != nil {
		return stats, err
	}
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		result, err := c.processTask(ctx, task)
		if err != nil {
			return stats, err
		}
		switch result {
		case outcomeUploaded:
			stats.Uploaded++
		case outcomeRetrying:
			stats.Retrying++
		case outcomeFailed:
			stats.Failed++
		}
	}
	if stats != (UploadStats{}) {
		c.logger.Info("upload queue processed",
			"uploaded", stats.Uploaded, "retrying", stats.Retrying, "failed", stats.Failed)
	}
	return stats, nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeUploaded
	outcomeRetrying
	outcomeFailed
)

// processTask handles one queued upload. Only local store errors are returned.
func (c *Cache) processTask(ctx context.Context, task replica.UploadTask) (outcome, error) {
	img, err := c.store.GetImage(ctx, task.ImageID)
	if errors.Is(err, model.ErrNotFound) {
		c.logger.Warn("dropping upload of missing image", "image_id", task.ImageID)
		return outcomeSkipped, c.store.RemoveUpload(ctx, task.Seq)
	}
	if err != nil {
		return outcomeSkipped, err
	}

	url := img.RemoteURL
	if img.UploadStatus != replica.UploadUploaded {
		if err := c.store.SetImageStatus(ctx, img.ID, replica.UploadUploading, "", nil); err != nil {
			return outcomeSkipped, err
		}
		url, err = c.host.Upload(ctx, img.FileName, img.MimeType, img.Blob)
		if err != nil {
			return c.uploadFailed(ctx, task, err)
		}
		now := model.Millis(c.now())
		if err := c.store.SetImageStatus(ctx, img.ID, replica.UploadUploaded, url, &now); err != nil {
			return outcomeSkipped, err
		}
	}

	// The task stays queued until references are rewritten, so an interrupted
	// rewrite is resumed on the next pass without uploading again.
	if c.rewriter != nil {
		n, err := c.rewriter.ReplaceImageRef(ctx, LocalRef(img.ID), url)
		if err != nil {
			c.logger.Warn("failed to rewrite image references", "image_id", img.ID, "error", err)
			return outcomeRetrying, nil
		}
		if n > 0 {
			c.logger.Debug("image references rewritten", "image_id", img.ID, "count", n)
		}
	}
	return outcomeUploaded, c.store.RemoveUpload(ctx, task.Seq)
}

func (c *Cache) uploadFailed(ctx context.Context, task replica.UploadTask, cause error) (outcome, error) {
	attempts, err := c.store.BumpUploadRetry(ctx, task.Seq)
	if err != nil {
		return outcomeSkipped, err
	}
	if attempts < MaxAttempts {
		c.logger.Warn("image upload failed, will retry",
			"image_id", task.ImageID, "attempt", attempts, "error", cause)
		return outcomeRetrying, c.store.SetImageStatus(ctx, task.ImageID, replica.UploadPending, "", nil)
	}
	c.logger.Error("image upload failed, giving up",
		"image_id", task.ImageID, "attempts", attempts, "error", cause)
	if err := c.store.SetImageStatus(ctx, task.ImageID, replica.UploadFailed, "", nil); err != nil {
		return outcomeSkipped, err
	}
	return outcomeFailed, c.store.RemoveUpload(ctx, task.Seq)
}
