// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/option"
)

// maxFetchBytes caps a cached remote image.
const maxFetchBytes = 10 << 20

// GCSConfig configures a Google Cloud Storage media host.
type GCSConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	// CredentialsJSON is a service account key. Empty means application
	// default credentials.
	CredentialsJSON string `yaml:"credentials_json"`
	// PublicBaseURL defaults to https://storage.googleapis.com/{bucket}.
	PublicBaseURL string `yaml:"public_base_url"`
}

// GCSHost uploads images to a Cloud Storage bucket.
type GCSHost struct {
	client *storage.Client
	cfg    GCSConfig
}

func NewGCSHost(ctx context.Context, cfg GCSConfig) (*GCSHost, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs host: bucket is required")
	}
	var opts []option.ClientOption
	if strings.TrimSpace(cfg.CredentialsJSON) != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs host: %w", err)
	}
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = "https://storage.googleapis.com/" + cfg.Bucket
	}
	return &GCSHost{client: client, cfg: cfg}, nil
}

func (h *GCSHost) Upload(ctx context.Context, name, mimeType string, data []byte) (string, error) {
	key := path.Join(h.cfg.Prefix, uuid.NewString()+strings.ToLower(path.Ext(name)))
	w := h.client.Bucket(h.cfg.Bucket).Object(key).NewWriter(ctx)
	w.ContentType = mimeType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return strings.TrimSuffix(h.cfg.PublicBaseURL, "/") + "/" + key, nil
}

func (h *GCSHost) Close() error {
	return h.client.Close()
}

// HTTPFetcher downloads remote images over HTTP.
type HTTPFetcher struct {
	client *http.Client
}

func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPFetcher{client: client}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return nil, "", err
	}
	if len(data) > maxFetchBytes {
		return nil, "", fmt.Errorf("fetch %s: larger than %d bytes", url, maxFetchBytes)
	}
	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}
