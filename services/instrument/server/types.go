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
	"github.com/AleutianAI/bugpilot/services/capture"
	"github.com/AleutianAI/bugpilot/services/datatypes"
	"github.com/AleutianAI/bugpilot/services/instrument/classify"
	"github.com/AleutianAI/bugpilot/services/instrument/transform"
)

// ErrorResponse is the body of every 4xx and 5xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// TransformRequest is the body of POST /v1/bugpilot/transform.
//
// BuildID, Dev and NextRuntime override the service's build info for this
// one file.
type TransformRequest struct {
	Path        string  `json:"path" binding:"required"`
	Source      string  `json:"source"`
	BuildID     *string `json:"build_id,omitempty"`
	Dev         *bool   `json:"dev,omitempty"`
	NextRuntime *string `json:"next_runtime,omitempty"`
}

// TransformResponse is the result of one transform.
type TransformResponse struct {
	Code    string            `json:"code"`
	Changed bool              `json:"changed"`
	Cached  bool              `json:"cached"`
	Report  *transform.Report `json:"report"`
}

// ClassifyRequest is the body of POST /v1/bugpilot/classify.
type ClassifyRequest struct {
	Path string `json:"path" binding:"required"`
}

// ClassifyResponse lists the roles of a path.
type ClassifyResponse struct {
	Path        string             `json:"path"`
	Flags       classify.PathFlags `json:"flags"`
	PrimaryKind datatypes.Kind     `json:"primary_kind,omitempty"`
	Kinds       []datatypes.Kind   `json:"kinds"`
	RootLayout  bool               `json:"root_layout"`
}

// CaptureRequest relays an error raised in a JavaScript runtime.
type CaptureRequest struct {
	Error   datatypes.FrameworkError `json:"error"`
	Context CaptureRequestContext    `json:"context"`
}

// CaptureRequestContext is a build context or, for client kinds, a client
// context. Build-only fields are ignored for client kinds.
type CaptureRequestContext struct {
	datatypes.BuildContext
}

// CaptureResponse reports what the pipeline did with a relayed error.
type CaptureResponse struct {
	Outcome capture.Outcome `json:"outcome"`
}

// HealthResponse is the body of GET /v1/bugpilot/health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	WorkspaceID string `json:"workspace_id"`
	Cache       bool   `json:"cache"`
}
