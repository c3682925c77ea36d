// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package media keeps images on the device so that they can be attached to
// entities while offline, and uploads them to a media host later.
//
// A freshly saved image is referenced as local://{id}. Once the upload
// succeeds every entity still holding that reference is rewritten to the
// remote URL through the sync engine, so the change replicates like any other
// mutation.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/TTR-x/ttr-gestion-sub000/model"
	"github.com/TTR-x/ttr-gestion-sub000/replica"
)

const (
	LocalScheme = "local://"

	// MaxAttempts is the number of automatic upload attempts before an image
	// is marked failed.
	MaxAttempts = 3

	DefaultMaxDimension = 1600
)

var ErrEmptyFile = errors.New("empty file")

// LocalRef returns the local reference of an image id.
func LocalRef(id string) string { return LocalScheme + id }

// ParseLocalRef returns the image id of a local reference.
func ParseLocalRef(ref string) (string, bool) {
	id, ok := strings.CutPrefix(ref, LocalScheme)
	return id, ok && id != ""
}

// File is an image handed to SaveLocally.
type File struct {
	Name        string
	MimeType    string
	Data        []byte
	StockItemID string
}

// Asset is a resolved image reference. Data is set when a local copy exists,
// URL when the image lives on the media host.
type Asset struct {
	URL      string
	Data     []byte
	MimeType string
}

// Host stores an image and returns its public URL.
type Host interface {
	Upload(ctx context.Context, name, mimeType string, data []byte) (string, error)
}

// Fetcher downloads a remote asset.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (data []byte, mimeType string, err error)
}

// RefRewriter replaces an image reference in every entity using it and
// returns how many were changed.
type RefRewriter interface {
	ReplaceImageRef(ctx context.Context, ref, url string) (int, error)
}

type Config struct {
	// MaxDimension bounds width and height of stored images. Zero disables
	// downscaling.
	MaxDimension int
	Fetcher      Fetcher
	Now          func() time.Time
	Logger       *slog.Logger
}

func DefaultConfig() Config {
	return Config{MaxDimension: DefaultMaxDimension}
}

// Cache is the on-device image cache and upload queue processor.
type Cache struct {
	store    *replica.Store
	host     Host
	rewriter RefRewriter
	fetcher  Fetcher
	maxDim   int
	now      func() time.Time
	logger   *slog.Logger

	processing atomic.Bool
}

// New returns a cache. rewriter may be nil when no entity references images.
func New(store *replica.Store, host Host, rewriter RefRewriter, cfg Config) *Cache {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Fetcher == nil {
		cfg.Fetcher = NewHTTPFetcher(nil)
	}
	return &Cache{
		store:    store,
		host:     host,
		rewriter: rewriter,
		fetcher:  cfg.Fetcher,
		maxDim:   cfg.MaxDimension,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}
}

// SaveLocally stores an image pending upload and returns its local reference.
func (c *Cache) SaveLocally(ctx context.Context, f File) (string, error) {
	if len(f.Data) == 0 {
		return "", ErrEmptyFile
	}
	data, mimeType := c.downscale(f)
	now := model.Millis(c.now())
	img := &replica.LocalImage{
		ID:           uuid.NewString(),
		StockItemID:  f.StockItemID,
		Blob:         data,
		FileName:     f.Name,
		FileSize:     int64(len(data)),
		MimeType:     mimeType,
		UploadStatus: replica.UploadPending,
		CreatedAt:    now,
	}
	if err := c.store.SaveImage(ctx, img); err != nil {
		return "", err
	}
	if err := c.store.EnqueueUpload(ctx, img.ID, now); err != nil {
		return "", err
	}
	return LocalRef(img.ID), nil
}

// downscale shrinks images larger than the configured bound. Data that does
// not decode as an image is stored unchanged.
func (c *Cache) downscale(f File) ([]byte, string) {
	if c.maxDim <= 0 {
		return f.Data, f.MimeType
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(f.Data))
	if err != nil || (cfg.Width <= c.maxDim && cfg.Height <= c.maxDim) {
		return f.Data, f.MimeType
	}
	img, err := imaging.Decode(bytes.NewReader(f.Data), imaging.AutoOrientation(true))
	if err != nil {
		return f.Data, f.MimeType
	}
	resized := imaging.Fit(img, c.maxDim, c.maxDim, imaging.Lanczos)

	format, mimeType := imaging.JPEG, "image/jpeg"
	if f.MimeType == "image/png" || strings.EqualFold(path.Ext(f.Name), ".png") {
		format, mimeType = imaging.PNG, "image/png"
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, format); err != nil {
		c.logger.Warn("failed to encode downscaled image, keeping original", "name", f.Name, "error", err)
		return f.Data, f.MimeType
	}
	return buf.Bytes(), mimeType
}

// Resolve turns an image reference into something displayable. A local
// reference resolves to its blob, or nil when the blob is gone. A remote URL
// resolves to the cached copy when there is one and to the URL otherwise.
func (c *Cache) Resolve(ctx context.Context, ref string) (*Asset, error) {
	if ref == "" {
		return nil, nil
	}
	if id, ok := ParseLocalRef(ref); ok {
		img, err := c.store.GetImage(ctx, id)
		if errors.Is(err, model.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &Asset{URL: img.RemoteURL, Data: img.Blob, MimeType: img.MimeType}, nil
	}
	img, err := c.store.FindImageByRemoteURL(ctx, ref)
	if errors.Is(err, model.ErrNotFound) {
		return &Asset{URL: ref}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Asset{URL: ref, Data: img.Blob, MimeType: img.MimeType}, nil
}

// CacheRemote keeps a copy of a remote image for offline viewing. Failures
// are logged and otherwise ignored.
func (c *Cache) CacheRemote(ctx context.Context, url string) {
	if url == "" {
		return
	}
	if _, ok := ParseLocalRef(url); ok {
		return
	}
	if _, err := c.store.FindImageByRemoteURL(ctx, url); err == nil {
		return
	}
	data, mimeType, err := c.fetcher.Fetch(ctx, url)
	if err != nil {
		c.logger.Debug("remote image not cached", "url", url, "error", err)
		return
	}
	now := model.Millis(c.now())
	img := &replica.LocalImage{
		ID:           uuid.NewString(),
		Blob:         data,
		FileName:     path.Base(url),
		FileSize:     int64(len(data)),
		MimeType:     mimeType,
		UploadStatus: replica.UploadUploaded,
		RemoteURL:    url,
		CreatedAt:    now,
		UploadedAt:   &now,
	}
	if err := c.store.SaveImage(ctx, img); err != nil {
		c.logger.Debug("remote image not cached", "url", url, "error", err)
	}
}

// Retry puts a failed image back in the upload queue.
func (c *Cache) Retry(ctx context.Context, id string) error {
	img, err := c.store.GetImage(ctx, id)
	if err != nil {
		return err
	}
	if img.UploadStatus != replica.UploadFailed {
		return fmt.Errorf("image %s is %s, not failed", id, img.UploadStatus)
	}
	if err := c.store.SetImageStatus(ctx, id, replica.UploadPending, "", nil); err != nil {
		return err
	}
	return c.store.EnqueueUpload(ctx, id, model.Millis(c.now()))
}
