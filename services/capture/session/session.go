// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session resolves the visitor session an error report belongs to.
//
// The browser script stores two cookies: the report cookie holding
// "<workspaceId>:<reportId>" and the anonymous user id. A session is only
// returned when every field is present; a partial session is nil.
package session

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/AleutianAI/bugpilot/services/datatypes"
)

const (
	// ReportCookie holds "<workspaceId>:<reportId>".
	ReportCookie = "com.bugpilot.report.id"

	// AnonymousIDCookie holds the anonymous visitor id.
	AnonymousIDCookie = "com.bugpilot.user.anonymousid"

	// InvalidURL stands in for a missing origin or referer header.
	InvalidURL = "https://invalid.tld/"
)

// ErrNoRequest is returned by RequestResolver when the context carries no
// request.
var ErrNoRequest = errors.New("no request in context")

// FromRequest resolves the session of a server-side request.
//
// Description:
//
//	Reads both cookies from r. Origin and URL come from the origin and
//	referer headers and default to InvalidURL.
//
// Outputs:
//
//	*datatypes.Session - nil when either cookie is missing or the report
//	                     cookie has no workspace or report id.
func FromRequest(r *http.Request) *datatypes.Session {
	if r == nil {
		return nil
	}
	report, err := r.Cookie(ReportCookie)
	if err != nil {
		return nil
	}
	workspaceID, reportID, ok := splitReport(report.Value)
	if !ok {
		return nil
	}
	anon, err := r.Cookie(AnonymousIDCookie)
	if err != nil || anon.Value == "" {
		return nil
	}

	return &datatypes.Session{
		AnonymousID: anon.Value,
		Origin:      headerOr(r, "Origin", InvalidURL),
		ReportID:    reportID,
		URL:         headerOr(r, "Referer", InvalidURL),
		WorkspaceID: workspaceID,
	}
}

// FromCookieHeader resolves a browser session from a document.cookie style
// string and the current page URL.
func FromCookieHeader(cookie, pageURL string) *datatypes.Session {
	workspaceID, reportID, ok := splitReport(cookieValue(cookie, ReportCookie))
	if !ok {
		return nil
	}
	anon := cookieValue(cookie, AnonymousIDCookie)
	if anon == "" {
		return nil
	}
	u, err := url.Parse(pageURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil
	}

	return &datatypes.Session{
		AnonymousID: anon,
		Origin:      u.Scheme + "://" + u.Host,
		ReportID:    reportID,
		URL:         pageURL,
		WorkspaceID: workspaceID,
	}
}

// cookieValue returns the value of name in a "; " separated cookie string.
// A name present more than once is treated as absent.
func cookieValue(cookie, name string) string {
	parts := strings.Split("; "+cookie, "; "+name+"=")
	if len(parts) != 2 {
		return ""
	}
	value, _, _ := strings.Cut(parts[1], ";")
	return value
}

func splitReport(value string) (workspaceID, reportID string, ok bool) {
	parts := strings.Split(value, ":")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func headerOr(r *http.Request, name, fallback string) string {
	if v := r.Header.Get(name); v != "" {
		return v
	}
	return fallback
}

// =============================================================================
// Resolvers
// =============================================================================

type requestKey struct{}

// WithRequest stores r in ctx for RequestResolver.
func WithRequest(ctx context.Context, r *http.Request) context.Context {
	return context.WithValue(ctx, requestKey{}, r)
}

// RequestFrom returns the request stored by WithRequest.
func RequestFrom(ctx context.Context) (*http.Request, bool) {
	r, ok := ctx.Value(requestKey{}).(*http.Request)
	return r, ok && r != nil
}

// RequestResolver resolves the session from the request stored in the
// context.
type RequestResolver struct{}

// Session implements capture.SessionResolver.
func (RequestResolver) Session(ctx context.Context) (*datatypes.Session, error) {
	r, ok := RequestFrom(ctx)
	if !ok {
		return nil, ErrNoRequest
	}
	return FromRequest(r), nil
}

// StaticResolver always returns the same session.
type StaticResolver struct {
	Value *datatypes.Session
}

// Session implements capture.SessionResolver.
func (s StaticResolver) Session(context.Context) (*datatypes.Session, error) {
	if !s.Value.Complete() {
		return nil, nil
	}
	cp := *s.Value
	return &cp, nil
}
