// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package httpremote is the device-side remote store that talks to the HTTP
// API of package server. Change streams are built on the cursor change feed:
// a snapshot read followed by polling.
package httpremote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/TTR-x/ttr-gestion-sub000/model"
	"github.com/TTR-x/ttr-gestion-sub000/remote"
)

var (
	ErrUnauthorized = errors.New("remote: unauthorized")
	// ErrWrongBusiness is returned when a call names a business other than the
	// one the client's token is scoped to.
	ErrWrongBusiness = errors.New("remote: business does not match token")
)

// TokenSource returns the bearer token for the next request.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource that always yields tok.
func StaticToken(tok string) TokenSource {
	return func(context.Context) (string, error) { return tok, nil }
}

type Config struct {
	BaseURL string
	// BusinessID is the business the token is scoped to.
	BusinessID string
	Token      TokenSource
	HTTPClient *http.Client
	// PollInterval is the delay between change feed reads of a watch.
	PollInterval time.Duration
	Logger       *slog.Logger
}

type Client struct {
	base         string
	businessID   string
	token        TokenSource
	http         *http.Client
	pollInterval time.Duration
	logger       *slog.Logger
}

var _ remote.Store = (*Client)(nil)
var _ remote.ChangeFeed = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("httpremote: base URL required")
	}
	if cfg.Token == nil {
		return nil, errors.New("httpremote: token source required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		base:         strings.TrimRight(cfg.BaseURL, "/"),
		businessID:   cfg.BusinessID,
		token:        cfg.Token,
		http:         cfg.HTTPClient,
		pollInterval: cfg.PollInterval,
		logger:       cfg.Logger,
	}, nil
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// do sends a request and decodes a JSON response into out when out is not nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s %s: encode body: %w", method, path, err)
		}
		reader = bytes.NewReader(raw)
	}
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	tok, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("%s %s: token: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s %s: %v: %w", method, path, err, remote.ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(method, path, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%s %s: read body: %v: %w", method, path, err, remote.ErrUnavailable)
		}
		*raw = data
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

func statusError(method, path string, resp *http.Response) error {
	var body errorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	msg := body.Message
	if msg == "" {
		msg = resp.Status
	}
	var sentinel error
	switch {
	case resp.StatusCode == http.StatusNotFound && body.Error == "not_found":
		sentinel = remote.ErrNotFound
	case resp.StatusCode == http.StatusNotFound:
		sentinel = model.ErrUnknownCollection
	case resp.StatusCode == http.StatusConflict:
		sentinel = remote.ErrInsufficientStock
	case resp.StatusCode == http.StatusBadRequest && body.Error == "invalid_document":
		sentinel = remote.ErrUnencodable
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		sentinel = ErrUnauthorized
	case resp.StatusCode >= http.StatusInternalServerError:
		sentinel = remote.ErrUnavailable
	default:
		return fmt.Errorf("%s %s: %s (%d)", method, path, msg, resp.StatusCode)
	}
	return fmt.Errorf("%s %s: %s: %w", method, path, msg, sentinel)
}

func (c *Client) checkBusiness(businessID string) error {
	if c.businessID != "" && businessID != c.businessID {
		return fmt.Errorf("%q: %w", businessID, ErrWrongBusiness)
	}
	return nil
}

func docPath(col model.Collection, id string) string {
	p := "/v1/docs/" + url.PathEscape(string(col))
	if id != "" {
		p += "/" + url.PathEscape(id)
	}
	return p
}

func (c *Client) List(ctx context.Context, businessID string, col model.Collection, field, value string) ([]json.RawMessage, error) {
	if err := c.checkBusiness(businessID); err != nil {
		return nil, err
	}
	var q url.Values
	if field != "" {
		q = url.Values{"field": {field}, "value": {value}}
	}
	var docs []json.RawMessage
	if err := c.do(ctx, http.MethodGet, docPath(col, ""), q, nil, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (c *Client) Get(ctx context.Context, businessID string, col model.Collection, id string) (json.RawMessage, error) {
	if err := c.checkBusiness(businessID); err != nil {
		return nil, err
	}
	var doc json.RawMessage
	if err := c.do(ctx, http.MethodGet, docPath(col, id), nil, nil, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *Client) Set(ctx context.Context, businessID string, col model.Collection, id string, doc remote.Doc) error {
	if err := c.checkBusiness(businessID); err != nil {
		return err
	}
	if err := remote.CheckDoc(doc); err != nil {
		return fmt.Errorf("set %s: %w", remote.DocPath(businessID, col, id), err)
	}
	return c.do(ctx, http.MethodPut, docPath(col, id), nil, doc, nil)
}

func (c *Client) Update(ctx context.Context, businessID string, col model.Collection, id string, fields remote.Doc) error {
	if err := c.checkBusiness(businessID); err != nil {
		return err
	}
	if err := remote.CheckDoc(fields); err != nil {
		return fmt.Errorf("update %s: %w", remote.DocPath(businessID, col, id), err)
	}
	return c.do(ctx, http.MethodPatch, docPath(col, id), nil, fields, nil)
}

func (c *Client) AdjustStock(ctx context.Context, businessID, id string, delta int, clamp bool, fields remote.Doc) (int, error) {
	if err := c.checkBusiness(businessID); err != nil {
		return 0, err
	}
	if err := remote.CheckDoc(fields); err != nil {
		return 0, fmt.Errorf("adjust %s: %w", remote.DocPath(businessID, model.Stock, id), err)
	}
	body := struct {
		Delta  int        `json:"delta"`
		Clamp  bool       `json:"clamp,omitempty"`
		Fields remote.Doc `json:"fields,omitempty"`
	}{delta, clamp, fields}
	var out struct {
		Quantity int `json:"quantity"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/stock/"+url.PathEscape(id)+"/adjust", nil, body, &out); err != nil {
		return 0, err
	}
	return out.Quantity, nil
}

func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	var out struct {
		ServerTime time.Time `json:"serverTime"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/time", nil, nil, &out); err != nil {
		return time.Time{}, err
	}
	return out.ServerTime, nil
}

// ChangesPage is one page of the change feed.
type ChangesPage struct {
	Changes []remote.ChangeEvent `json:"changes"`
	Next    int64                `json:"next"`
	HasMore bool                 `json:"hasMore"`
}

// Page reads one page of the change feed after the cursor.
func (c *Client) Page(ctx context.Context, after int64, limit int) (*ChangesPage, error) {
	q := url.Values{"after": {strconv.FormatInt(after, 10)}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page ChangesPage
	if err := c.do(ctx, http.MethodGet, "/v1/changes", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) Changes(ctx context.Context, businessID string, after int64, limit int) ([]remote.ChangeEvent, error) {
	if err := c.checkBusiness(businessID); err != nil {
		return nil, err
	}
	page, err := c.Page(ctx, after, limit)
	if err != nil {
		return nil, err
	}
	return page.Changes, nil
}

func (c *Client) Head(ctx context.Context, businessID string) (int64, error) {
	if err := c.checkBusiness(businessID); err != nil {
		return 0, err
	}
	var out struct {
		Head int64 `json:"head"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/changes/head", nil, nil, &out); err != nil {
		return 0, err
	}
	return out.Head, nil
}
