// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/bugpilot/services/capture"
	"github.com/AleutianAI/bugpilot/services/capture/session"
	"github.com/AleutianAI/bugpilot/services/datatypes"
	"github.com/AleutianAI/bugpilot/services/instrument/config"
	"github.com/AleutianAI/bugpilot/services/logging"
	"github.com/AleutianAI/bugpilot/services/storage/badger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recordedCapture struct {
	err     error
	cc      datatypes.CaptureContext
	session *datatypes.Session
}

type recordingCapturer struct {
	mu    sync.Mutex
	calls []recordedCapture
}

func (r *recordingCapturer) Capture(ctx context.Context, err error, cc datatypes.CaptureContext) capture.Outcome {
	s, _ := session.RequestResolver{}.Session(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordedCapture{err: err, cc: cc, session: s})
	if s == nil {
		return capture.OutcomeNoSession
	}
	return capture.OutcomeSent
}

func testConfig(t *testing.T) *config.PluginConfig {
	t.Helper()
	cfg := config.Defaults()
	cfg.WorkspaceID = "ws_123"
	require.NoError(t, cfg.Validate())
	return &cfg
}

func newTestRouter(t *testing.T, capturer Capturer, opts ...Option) *gin.Engine {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	h := NewHandlers(testConfig(t), config.BuildInfo{BuildID: "build-1", IsServer: true}, capturer, opts...)
	return NewRouter(h, false)
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

const pageSource = "export default function Page() { return _jsx(\"main\", {}); }\n"

func TestHandleTransform(t *testing.T) {
	router := newTestRouter(t, nil)

	w := doJSON(t, router, http.MethodPost, "/v1/bugpilot/transform",
		TransformRequest{Path: "app/page.tsx", Source: pageSource}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))

	var resp TransformResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Changed)
	assert.False(t, resp.Cached)
	assert.Contains(t, resp.Code, "wrapServerFunction(")
	assert.Contains(t, resp.Code, `buildId: "build-1"`)
	require.NotNil(t, resp.Report)
	require.Len(t, resp.Report.Wrapped, 1)
	assert.Equal(t, datatypes.KindPageComponent, resp.Report.Wrapped[0].Kind)
}

func TestHandleTransform_BuildOverrides(t *testing.T) {
	router := newTestRouter(t, nil)
	buildID := "override-7"

	w := doJSON(t, router, http.MethodPost, "/v1/bugpilot/transform",
		TransformRequest{Path: "app/page.tsx", Source: pageSource, BuildID: &buildID}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "override-7")

	bad := "deno"
	w = doJSON(t, router, http.MethodPost, "/v1/bugpilot/transform",
		TransformRequest{Path: "app/page.tsx", Source: pageSource, NextRuntime: &bad}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_OPTIONS")
}

func TestHandleTransform_ClientModuleUnchanged(t *testing.T) {
	router := newTestRouter(t, nil)
	src := "'use client'\nexport default function B() {}\n"

	w := doJSON(t, router, http.MethodPost, "/v1/bugpilot/transform",
		TransformRequest{Path: "app/page.tsx", Source: src}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp TransformResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, src, resp.Code)
	assert.False(t, resp.Changed)
	assert.Equal(t, "client", resp.Report.SkipReason)
}

func TestHandleTransform_BadRequest(t *testing.T) {
	router := newTestRouter(t, nil)

	w := doJSON(t, router, http.MethodPost, "/v1/bugpilot/transform", map[string]string{"source": "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_REQUEST")
}

func TestHandleTransform_Cache(t *testing.T) {
	db, err := badger.OpenDB(badger.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	router := newTestRouter(t, nil, WithCache(badger.NewCache(db, 0, logging.Discard())))

	req := TransformRequest{Path: "app/page.tsx", Source: pageSource}
	first := doJSON(t, router, http.MethodPost, "/v1/bugpilot/transform", req, nil)
	second := doJSON(t, router, http.MethodPost, "/v1/bugpilot/transform", req, nil)
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)

	var a, b TransformResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))
	assert.False(t, a.Cached)
	assert.True(t, b.Cached)
	assert.Equal(t, a.Code, b.Code)

	req.Source = strings.Replace(pageSource, "main", "section", 1)
	third := doJSON(t, router, http.MethodPost, "/v1/bugpilot/transform", req, nil)
	var c TransformResponse
	require.NoError(t, json.Unmarshal(third.Body.Bytes(), &c))
	assert.False(t, c.Cached)
}

func TestHandleTransform_ClosedCacheDegrades(t *testing.T) {
	db, err := badger.OpenDB(badger.Config{InMemory: true})
	require.NoError(t, err)
	cache := badger.NewCache(db, 0, logging.Discard())
	require.NoError(t, db.Close())
	router := newTestRouter(t, nil, WithCache(cache))

	w := doJSON(t, router, http.MethodPost, "/v1/bugpilot/transform",
		TransformRequest{Path: "app/page.tsx", Source: pageSource}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleClassify(t *testing.T) {
	router := newTestRouter(t, nil)

	tests := []struct {
		path    string
		primary datatypes.Kind
		layout  bool
	}{
		{"app/dashboard/page.tsx", datatypes.KindPageComponent, false},
		{"middleware.ts", datatypes.KindMiddleware, false},
		{"app/layout.tsx", datatypes.KindFunction, true},
		{"lib/util.ts", datatypes.KindFunction, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := doJSON(t, router, http.MethodPost, "/v1/bugpilot/classify", ClassifyRequest{Path: tt.path}, nil)
			require.Equal(t, http.StatusOK, w.Code)
			var resp ClassifyResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.primary, resp.PrimaryKind)
			assert.Equal(t, tt.layout, resp.RootLayout)
		})
	}
}

func TestHandleCapture_ServerContext(t *testing.T) {
	rc := &recordingCapturer{}
	router := newTestRouter(t, rc)

	body := map[string]any{
		"error": map[string]any{"name": "TypeError", "message": "boom", "digest": "123"},
		"context": map[string]any{
			"buildId": "b1", "dev": false, "workspaceId": "ws_123",
			"filePath": "app/page.tsx", "functionName": "Page", "kind": "page-component",
		},
	}
	w := doJSON(t, router, http.MethodPost, "/v1/bugpilot/capture", body, map[string]string{
		"Cookie": session.ReportCookie + "=ws_123:rep_1; " + session.AnonymousIDCookie + "=anon_1",
		"Origin": "https://shop.example",
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.JSONEq(t, `{"outcome":"sent"}`, w.Body.String())

	require.Len(t, rc.calls, 1)
	call := rc.calls[0]
	bc, ok := call.cc.(datatypes.BuildContext)
	require.True(t, ok)
	assert.Equal(t, "Page", bc.FunctionName)
	assert.Equal(t, "123", datatypes.DigestOf(call.err))

	var fe *datatypes.FrameworkError
	require.True(t, errors.As(call.err, &fe))
	assert.Equal(t, "TypeError", fe.Name)

	require.NotNil(t, call.session)
	assert.Equal(t, "rep_1", call.session.ReportID)
	assert.Equal(t, "https://shop.example", call.session.Origin)
}

func TestHandleCapture_ClientContext(t *testing.T) {
	rc := &recordingCapturer{}
	router := newTestRouter(t, rc)

	body := map[string]any{
		"error":   map[string]any{"message": "render failed"},
		"context": map[string]any{"kind": "global-error-page", "debug": true},
	}
	w := doJSON(t, router, http.MethodPost, "/v1/bugpilot/capture", body, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"outcome":"skipped_no_session"}`, w.Body.String())

	require.Len(t, rc.calls, 1)
	cc, ok := rc.calls[0].cc.(datatypes.ClientContext)
	require.True(t, ok)
	assert.Equal(t, datatypes.KindGlobalErrorPage, cc.Kind)
	assert.True(t, cc.DebugEnabled())
}

func TestHandleCapture_Rejects(t *testing.T) {
	rc := &recordingCapturer{}
	router := newTestRouter(t, rc)

	w := doJSON(t, router, http.MethodPost, "/v1/bugpilot/capture",
		map[string]any{"error": map[string]any{"message": "x"}, "context": map[string]any{"kind": "bogus"}}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_KIND")

	req := httptest.NewRequest(http.MethodPost, "/v1/bugpilot/capture", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rc.calls)
}

func TestHandleCapture_Disabled(t *testing.T) {
	router := newTestRouter(t, nil)
	w := doJSON(t, router, http.MethodPost, "/v1/bugpilot/capture",
		map[string]any{"context": map[string]any{"kind": "error-page"}}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleHealthAndMetrics(t *testing.T) {
	router := newTestRouter(t, nil)

	w := doJSON(t, router, http.MethodGet, "/v1/bugpilot/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "ws_123", resp.WorkspaceID)
	assert.False(t, resp.Cache)

	// Generate at least one transform sample.
	doJSON(t, router, http.MethodPost, "/v1/bugpilot/transform",
		TransformRequest{Path: "app/page.tsx", Source: pageSource}, nil)
	m := doJSON(t, router, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, m.Code)
	assert.Contains(t, m.Body.String(), "bugpilot_")
}
