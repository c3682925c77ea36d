// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/TTR-x/ttr-gestion-sub000/model"
)

// UploadStatus is the lifecycle of a cached image.
type UploadStatus string

const (
	UploadPending   UploadStatus = "pending"
	UploadUploading UploadStatus = "uploading"
	UploadUploaded  UploadStatus = "uploaded"
	UploadFailed    UploadStatus = "failed"
)

// LocalImage is a binary asset kept on the device, uploaded or not.
type LocalImage struct {
	ID           string
	StockItemID  string
	Blob         []byte
	FileName     string
	FileSize     int64
	MimeType     string
	UploadStatus UploadStatus
	RemoteURL    string
	CreatedAt    int64
	UploadedAt   *int64
}

// UploadTask is a queued upload for an image.
type UploadTask struct {
	Seq        int64
	ImageID    string
	Timestamp  int64
	RetryCount int
}

const imageColumns = `id, stock_item_id, blob, file_name, file_size, mime_type, upload_status, remote_url, created_at, uploaded_at`

// SaveImage inserts or replaces an image record.
func (s *Store) SaveImage(ctx context.Context, img *LocalImage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO local_images (`+imageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			stock_item_id = excluded.stock_item_id,
			blob = excluded.blob,
			file_name = excluded.file_name,
			file_size = excluded.file_size,
			mime_type = excluded.mime_type,
			upload_status = excluded.upload_status,
			remote_url = excluded.remote_url,
			uploaded_at = excluded.uploaded_at`,
		img.ID, nullString(img.StockItemID), img.Blob, img.FileName, img.FileSize, img.MimeType,
		string(img.UploadStatus), nullString(img.RemoteURL), img.CreatedAt, img.UploadedAt)
	if err != nil {
		return fmt.Errorf("save image %s: %w", img.ID, err)
	}
	return nil
}

// GetImage loads an image by id.
func (s *Store) GetImage(ctx context.Context, id string) (*LocalImage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+imageColumns+` FROM local_images WHERE id = ?`, id)
	img, err := scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("image %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get image %s: %w", id, err)
	}
	return img, nil
}

// FindImageByRemoteURL returns the cached copy of a remote asset.
func (s *Store) FindImageByRemoteURL(ctx context.Context, url string) (*LocalImage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+imageColumns+` FROM local_images WHERE remote_url = ? ORDER BY created_at DESC LIMIT 1`, url)
	img, err := scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("image for %s: %w", url, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find image by url: %w", err)
	}
	return img, nil
}

// ListImages returns images with the given status, oldest first. An empty
// status lists every image.
func (s *Store) ListImages(ctx context.Context, status UploadStatus) ([]*LocalImage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+imageColumns+` FROM local_images WHERE ? = '' OR upload_status = ? ORDER BY created_at`,
		string(status), string(status))
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()
	var out []*LocalImage
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

// SetImageStatus updates the upload status and, when non-empty, the remote URL.
func (s *Store) SetImageStatus(ctx context.Context, id string, status UploadStatus, remoteURL string, uploadedAt *int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE local_images
		SET upload_status = ?,
		    remote_url = COALESCE(?, remote_url),
		    uploaded_at = COALESCE(?, uploaded_at)
		WHERE id = ?`,
		string(status), nullString(remoteURL), uploadedAt, id)
	if err != nil {
		return fmt.Errorf("set image %s status %s: %w", id, status, err)
	}
	return nil
}

// EnqueueUpload adds an upload task for an image.
func (s *Store) EnqueueUpload(ctx context.Context, imageID string, timestamp int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO image_upload_queue (image_id, timestamp, retry_count) VALUES (?, ?, 0)`,
		imageID, timestamp)
	if err != nil {
		return fmt.Errorf("enqueue upload %s: %w", imageID, err)
	}
	return nil
}

// PendingUploads returns queued upload tasks in enqueue order.
func (s *Store) PendingUploads(ctx context.Context) ([]UploadTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, image_id, timestamp, retry_count FROM image_upload_queue ORDER BY timestamp, seq`)
	if err != nil {
		return nil, fmt.Errorf("query upload queue: %w", err)
	}
	defer rows.Close()
	var out []UploadTask
	for rows.Next() {
		var t UploadTask
		if err := rows.Scan(&t.Seq, &t.ImageID, &t.Timestamp, &t.RetryCount); err != nil {
			return nil, fmt.Errorf("scan upload task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// BumpUploadRetry increments a task's retry counter and returns the new value.
func (s *Store) BumpUploadRetry(ctx context.Context, seq int64) (int, error) {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE image_upload_queue SET retry_count = retry_count + 1 WHERE seq = ?`, seq); err != nil {
		return 0, fmt.Errorf("bump upload retry %d: %w", seq, err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT retry_count FROM image_upload_queue WHERE seq = ?`, seq).Scan(&n); err != nil {
		return 0, fmt.Errorf("read upload retry %d: %w", seq, err)
	}
	return n, nil
}

// RemoveUpload deletes an upload task.
func (s *Store) RemoveUpload(ctx context.Context, seq int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM image_upload_queue WHERE seq = ?`, seq); err != nil {
		return fmt.Errorf("remove upload %d: %w", seq, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImage(r rowScanner) (*LocalImage, error) {
	var (
		img         LocalImage
		stockItemID sql.NullString
		remoteURL   sql.NullString
		status      string
		uploadedAt  sql.NullInt64
	)
	if err := r.Scan(&img.ID, &stockItemID, &img.Blob, &img.FileName, &img.FileSize, &img.MimeType,
		&status, &remoteURL, &img.CreatedAt, &uploadedAt); err != nil {
		return nil, err
	}
	img.StockItemID = stockItemID.String
	img.RemoteURL = remoteURL.String
	img.UploadStatus = UploadStatus(status)
	if uploadedAt.Valid {
		v := uploadedAt.Int64
		img.UploadedAt = &v
	}
	return &img, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
