// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// ErrorTypeTag is the constant error.type value expected by the collector.
const ErrorTypeTag = "error-click"

// Session correlates an error with a visitor session.
//
// A session is either complete or absent; a partially populated session is
// never forwarded.
type Session struct {
	AnonymousID string `json:"anonymousId"`
	Origin      string `json:"origin"`
	ReportID    string `json:"reportId"`
	URL         string `json:"url"`
	WorkspaceID string `json:"workspaceId"`
}

// Complete reports whether every field is populated.
func (s *Session) Complete() bool {
	if s == nil {
		return false
	}
	return s.AnonymousID != "" && s.Origin != "" && s.ReportID != "" &&
		s.URL != "" && s.WorkspaceID != ""
}

// JSError is the structured error record inside a payload.
type JSError struct {
	Name         string  `json:"name"`
	Message      string  `json:"message"`
	Stack        string  `json:"stack,omitempty"`
	Digest       string  `json:"digest,omitempty"`
	FilePath     *string `json:"filePath"`
	FunctionName *string `json:"functionName"`
}

// ErrorReport is the error section of a payload.
type ErrorReport struct {
	Type     string    `json:"type"`
	JSErrors []JSError `json:"jsErrors"`
}

// ErrorEndpointPayload is the JSON body posted to the collection endpoint.
//
// Built fresh per capture attempt and never mutated after construction.
type ErrorEndpointPayload struct {
	Kind        string      `json:"kind"`
	Error       ErrorReport `json:"error"`
	Build       string      `json:"build,omitempty"`
	NextRuntime string      `json:"nextRuntime,omitempty"`
	WorkspaceID string      `json:"workspaceId"`
	UserID      string      `json:"userId"`
	ReportID    string      `json:"reportId"`
	URL         string      `json:"url"`
	Timestamp   int64       `json:"timestamp"`
}
