// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes the instrumentation transform and the capture relay
// over HTTP for build hosts that cannot link the Go packages directly.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/bugpilot/services/capture"
	"github.com/AleutianAI/bugpilot/services/capture/session"
	"github.com/AleutianAI/bugpilot/services/datatypes"
	"github.com/AleutianAI/bugpilot/services/instrument/classify"
	"github.com/AleutianAI/bugpilot/services/instrument/config"
	"github.com/AleutianAI/bugpilot/services/instrument/transform"
	"github.com/AleutianAI/bugpilot/services/storage/badger"
	"github.com/AleutianAI/bugpilot/services/version"
)

// requestIDHeader carries a caller-supplied request id.
const requestIDHeader = "X-Request-ID"

// Capturer is the capture pipeline as seen by the relay.
type Capturer interface {
	Capture(ctx context.Context, err error, cc datatypes.CaptureContext) capture.Outcome
}

// Handlers serves the bugpilot HTTP API.
//
// Thread Safety: Safe for concurrent use. The configuration is read-only
// after construction.
type Handlers struct {
	cfg        *config.PluginConfig
	build      config.BuildInfo
	classifier *classify.Classifier
	capturer   Capturer
	cache      *badger.Cache
	logger     *slog.Logger
}

// Option configures Handlers.
type Option func(*Handlers)

// WithCache enables the persistent transform cache.
func WithCache(c *badger.Cache) Option {
	return func(h *Handlers) {
		h.cache = c
	}
}

// WithLogger sets the handler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handlers) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandlers creates the HTTP handlers.
//
// Inputs:
//
//	cfg - Validated plugin configuration. Must not be nil.
//	build - Default build info for transform requests.
//	capturer - Pipeline for the capture relay. Nil disables the relay.
func NewHandlers(cfg *config.PluginConfig, build config.BuildInfo, capturer Capturer, opts ...Option) *Handlers {
	if cfg == nil {
		panic("NewHandlers: cfg must not be nil")
	}
	h := &Handlers{
		cfg:        cfg,
		build:      build,
		classifier: cfg.Classifier(),
		capturer:   capturer,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// =============================================================================
// Transform
// =============================================================================

// HandleTransform handles POST /v1/bugpilot/transform.
//
// Response:
//
//	200 OK: TransformResponse
//	400 Bad Request: Malformed body or invalid build overrides
//	422 Unprocessable Entity: The module could not be parsed or rewritten
func (h *Handlers) HandleTransform(c *gin.Context) {
	logger := h.requestLogger(c, "HandleTransform")

	var req TransformRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST", Details: err.Error()})
		return
	}

	build := h.build
	if req.BuildID != nil {
		build.BuildID = *req.BuildID
	}
	if req.Dev != nil {
		build.Dev = *req.Dev
	}
	if req.NextRuntime != nil {
		build.NextRuntime = *req.NextRuntime
	}

	ctx := c.Request.Context()
	key := badger.Key(
		version.Current(), h.cfg.WorkspaceID, build.BuildID, strconv.FormatBool(build.Dev),
		build.NextRuntime, build.ProjectRoot, req.Path, req.Source,
	)
	if resp, ok := h.cachedTransform(ctx, key, logger); ok {
		c.JSON(http.StatusOK, resp)
		return
	}

	out, report, err := transform.Transform(ctx, req.Source, req.Path, h.cfg.TransformOptions(build, logger))
	if err != nil {
		var te *transform.TransformError
		switch {
		case errors.Is(err, transform.ErrInvalidOptions):
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_OPTIONS"})
		case errors.As(err, &te):
			logger.Warn("transform failed", slog.String("path", req.Path), slog.String("error", err.Error()))
			c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Code: "TRANSFORM_FAILED", Details: te.Op})
		default:
			logger.Error("transform failed", slog.String("path", req.Path), slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "INTERNAL_ERROR"})
		}
		return
	}

	resp := TransformResponse{Code: out, Changed: report.Changed(), Report: report}
	h.storeTransform(ctx, key, resp, logger)
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) cachedTransform(ctx context.Context, key string, logger *slog.Logger) (TransformResponse, bool) {
	if h.cache == nil {
		return TransformResponse{}, false
	}
	raw, ok, err := h.cache.Get(ctx, key)
	if err != nil {
		logger.Warn("transform cache unavailable", slog.String("error", err.Error()))
		return TransformResponse{}, false
	}
	if !ok {
		return TransformResponse{}, false
	}
	var resp TransformResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		logger.Warn("discarding corrupt transform cache entry", slog.String("error", err.Error()))
		return TransformResponse{}, false
	}
	resp.Cached = true
	return resp, true
}

func (h *Handlers) storeTransform(ctx context.Context, key string, resp TransformResponse, logger *slog.Logger) {
	if h.cache == nil {
		return
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := h.cache.Set(ctx, key, raw); err != nil {
		logger.Warn("transform cache write failed", slog.String("error", err.Error()))
	}
}

// =============================================================================
// Classify
// =============================================================================

// HandleClassify handles POST /v1/bugpilot/classify.
func (h *Handlers) HandleClassify(c *gin.Context) {
	var req ClassifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST", Details: err.Error()})
		return
	}

	rel := classify.NormalizePath(h.build.ProjectRoot, req.Path)
	flags := h.classifier.Classify(rel)
	c.JSON(http.StatusOK, ClassifyResponse{
		Path:        rel,
		Flags:       flags,
		PrimaryKind: flags.PrimaryKind(),
		Kinds:       flags.Kinds(),
		RootLayout:  h.classifier.IsRootLayout(rel),
	})
}

// =============================================================================
// Capture
// =============================================================================

// HandleCapture handles POST /v1/bugpilot/capture.
//
// Description:
//
//	Relays an error raised in a JavaScript runtime through the capture
//	pipeline. The session is read from the request's cookies and Origin
//	header. Delivery problems never surface as HTTP errors: any well-formed
//	request gets 202 with the pipeline outcome.
//
// Response:
//
//	202 Accepted: CaptureResponse
//	400 Bad Request: Malformed body or unknown kind
//	503 Service Unavailable: Relay disabled
func (h *Handlers) HandleCapture(c *gin.Context) {
	if h.capturer == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "capture relay is disabled", Code: "RELAY_DISABLED"})
		return
	}

	var req CaptureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST", Details: err.Error()})
		return
	}
	cc, err := req.Context.captureContext()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_KIND"})
		return
	}

	ctx := session.WithRequest(c.Request.Context(), c.Request)
	fe := req.Error
	outcome := h.capturer.Capture(ctx, &fe, cc)
	c.JSON(http.StatusAccepted, CaptureResponse{Outcome: outcome})
}

func (rc CaptureRequestContext) captureContext() (datatypes.CaptureContext, error) {
	kind, err := datatypes.ParseKind(string(rc.Kind))
	if err != nil {
		return nil, err
	}
	if kind.IsClientKind() {
		return datatypes.ClientContext{Kind: kind, Debug: rc.Debug}, nil
	}
	return rc.BuildContext, nil
}

// =============================================================================
// Health
// =============================================================================

// HandleHealth handles GET /v1/bugpilot/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:      "healthy",
		Version:     version.Current(),
		WorkspaceID: h.cfg.WorkspaceID,
		Cache:       h.cache != nil,
	})
}

func (h *Handlers) requestLogger(c *gin.Context, handler string) *slog.Logger {
	id := strings.TrimSpace(c.GetHeader(requestIDHeader))
	if id == "" {
		id = uuid.NewString()
	}
	c.Header(requestIDHeader, id)
	return h.logger.With(slog.String("request_id", id), slog.String("handler", handler))
}
