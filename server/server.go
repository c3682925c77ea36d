// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package server exposes a remote store over HTTP so devices can sync with it
// through remote/httpremote. Every route is scoped to the business named in
// the caller's token.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/TTR-x/ttr-gestion-sub000/internal/auth"
	"github.com/TTR-x/ttr-gestion-sub000/model"
	"github.com/TTR-x/ttr-gestion-sub000/remote"
)

const (
	defaultChangesLimit = 100
	maxChangesLimit     = 1000
	maxBodyBytes        = 4 << 20
)

// Backend is the store served by the API.
type Backend interface {
	remote.Store
	remote.ChangeFeed
}

type Config struct {
	Backend Backend
	Auth    *JWTAuth
	// DevSignin enables POST /dev-signin, which issues a token for any
	// user/business/device without checking credentials.
	DevSignin bool
	TokenTTL  time.Duration
	// LogRequests logs every request with its status and duration.
	LogRequests bool
	Logger      *slog.Logger
}

type Server struct {
	backend   Backend
	auth      *JWTAuth
	devSignin bool
	tokenTTL  time.Duration
	logReq    bool
	logger    *slog.Logger
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	return &Server{
		backend:   cfg.Backend,
		auth:      cfg.Auth,
		devSignin: cfg.DevSignin,
		tokenTTL:  cfg.TokenTTL,
		logReq:    cfg.LogRequests,
		logger:    cfg.Logger,
	}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ChangesResponse is the body of GET /v1/changes.
type ChangesResponse struct {
	Changes []remote.ChangeEvent `json:"changes"`
	// Next is the cursor to pass as after on the following call.
	Next    int64 `json:"next"`
	HasMore bool  `json:"hasMore"`
}

type HeadResponse struct {
	Head int64 `json:"head"`
}

type TimeResponse struct {
	ServerTime time.Time `json:"serverTime"`
}

// AdjustRequest is the body of POST /v1/stock/{id}/adjust.
type AdjustRequest struct {
	Delta  int        `json:"delta"`
	Clamp  bool       `json:"clamp,omitempty"`
	Fields remote.Doc `json:"fields,omitempty"`
}

type AdjustResponse struct {
	Quantity int `json:"quantity"`
}

type SigninRequest struct {
	User     string `json:"user"`
	Password string `json:"password"`
	Business string `json:"business"`
	Device   string `json:"device"`
	Name     string `json:"name"`
}

type SigninResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
	User      string `json:"user"`
	Business  string `json:"business"`
	Device    string `json:"device"`
}

// Handler returns the HTTP routes of the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.devSignin {
		mux.HandleFunc("POST /dev-signin", s.handleSignin)
	}

	protected := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.auth.Middleware(h))
	}
	protected("GET /v1/time", s.handleTime)
	protected("GET /v1/changes", s.handleChanges)
	protected("GET /v1/changes/head", s.handleHead)
	protected("POST /v1/stock/{id}/adjust", s.handleAdjust)
	protected("GET /v1/docs/{collection}", s.handleList)
	protected("GET /v1/docs/{collection}/{id}", s.handleGet)
	protected("PUT /v1/docs/{collection}/{id}", s.handleSet)
	protected("PATCH /v1/docs/{collection}/{id}", s.handleUpdate)

	if !s.logReq {
		return mux
	}
	return LoggingMiddleware(mux, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSignin(w http.ResponseWriter, r *http.Request) {
	var req SigninRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON")
		return
	}
	if req.User == "" || req.Business == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user and business required")
		return
	}
	if req.Device == "" {
		req.Device = "device-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	if req.Name == "" {
		req.Name = req.User
	}
	id := auth.Identity{UserID: req.User, BusinessID: req.Business, DeviceID: req.Device, Name: req.Name}
	tok, err := s.auth.GenerateToken(id, s.tokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, SigninResponse{
		Token:     tok,
		ExpiresIn: int64(s.tokenTTL / time.Second),
		User:      req.User,
		Business:  req.Business,
		Device:    req.Device,
	})
	s.logger.Info("issued development token", "user", req.User, "business_id", req.Business, "device_id", req.Device)
}

func (s *Server) handleTime(w http.ResponseWriter, r *http.Request) {
	now, err := s.backend.ServerTime(r.Context())
	if err != nil {
		s.writeBackendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TimeResponse{ServerTime: now})
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	biz, _ := auth.GetBusinessID(r.Context())

	after := int64(0)
	if v := r.URL.Query().Get("after"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "after must be a non-negative integer")
			return
		}
		after = parsed
	}
	limit := defaultChangesLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > maxChangesLimit {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 1000")
			return
		}
		limit = parsed
	}

	// One extra row tells whether another page exists.
	changes, err := s.backend.Changes(r.Context(), biz, after, limit+1)
	if err != nil {
		s.writeBackendError(w, r, err)
		return
	}
	resp := ChangesResponse{Changes: changes, Next: after}
	if len(changes) > limit {
		resp.Changes = changes[:limit]
		resp.HasMore = true
	}
	if n := len(resp.Changes); n > 0 {
		resp.Next = resp.Changes[n-1].Seq
	}
	if resp.Changes == nil {
		resp.Changes = []remote.ChangeEvent{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	biz, _ := auth.GetBusinessID(r.Context())
	head, err := s.backend.Head(r.Context(), biz)
	if err != nil {
		s.writeBackendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, HeadResponse{Head: head})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	biz, _ := auth.GetBusinessID(r.Context())
	c, ok := collectionParam(w, r)
	if !ok {
		return
	}
	field, value := r.URL.Query().Get("field"), r.URL.Query().Get("value")
	docs, err := s.backend.List(r.Context(), biz, c, field, value)
	if err != nil {
		s.writeBackendError(w, r, err)
		return
	}
	if docs == nil {
		docs = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	biz, _ := auth.GetBusinessID(r.Context())
	c, ok := collectionParam(w, r)
	if !ok {
		return
	}
	doc, err := s.backend.Get(r.Context(), biz, c, r.PathValue("id"))
	if err != nil {
		s.writeBackendError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	biz, _ := auth.GetBusinessID(r.Context())
	c, ok := collectionParam(w, r)
	if !ok {
		return
	}
	doc, ok := decodeDoc(w, r)
	if !ok {
		return
	}
	if err := s.backend.Set(r.Context(), biz, c, r.PathValue("id"), doc); err != nil {
		s.writeBackendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	biz, _ := auth.GetBusinessID(r.Context())
	c, ok := collectionParam(w, r)
	if !ok {
		return
	}
	fields, ok := decodeDoc(w, r)
	if !ok {
		return
	}
	if err := s.backend.Update(r.Context(), biz, c, r.PathValue("id"), fields); err != nil {
		s.writeBackendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdjust(w http.ResponseWriter, r *http.Request) {
	biz, _ := auth.GetBusinessID(r.Context())
	var req AdjustRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON")
		return
	}
	n, err := s.backend.AdjustStock(r.Context(), biz, r.PathValue("id"), req.Delta, req.Clamp, req.Fields)
	if err != nil {
		s.writeBackendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AdjustResponse{Quantity: n})
}

func collectionParam(w http.ResponseWriter, r *http.Request) (model.Collection, bool) {
	c, err := model.ParseCollection(r.PathValue("collection"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_collection", err.Error())
		return "", false
	}
	return c, true
}

// decodeDoc reads a JSON object body keeping numbers exact.
func decodeDoc(w http.ResponseWriter, r *http.Request) (remote.Doc, bool) {
	raw, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to read body")
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc remote.Doc
	if err := dec.Decode(&doc); err != nil || doc == nil {
		writeError(w, http.StatusBadRequest, "invalid_document", "body must be a JSON object")
		return nil, false
	}
	return doc, true
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	var buf bytes.Buffer
	_, err := buf.ReadFrom(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return buf.Bytes(), err
}

func (s *Server) writeBackendError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, remote.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, remote.ErrInsufficientStock):
		writeError(w, http.StatusConflict, "insufficient_stock", err.Error())
	case errors.Is(err, remote.ErrUnencodable):
		writeError(w, http.StatusBadRequest, "invalid_document", err.Error())
	case errors.Is(err, remote.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeJSON(w, statusCode, ErrorResponse{Error: errorCode, Message: message})
}
