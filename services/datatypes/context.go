// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the data model shared by the build-time
// instrumentation and the runtime capture pipeline.
package datatypes

import (
	"fmt"
)

// =============================================================================
// Kinds
// =============================================================================

// Kind is the runtime role assigned to a wrapped function or a client capture.
type Kind string

const (
	KindPageComponent   Kind = "page-component"
	KindServerComponent Kind = "server-component"
	KindServerAction    Kind = "server-action"
	KindMiddleware      Kind = "middleware"
	KindAPIRoute        Kind = "api-route"
	KindRouteHandler    Kind = "route-handler"
	KindFunction        Kind = "function"

	// Client-side capture kinds. Never produced by the build-time classifier.
	KindErrorPage       Kind = "error-page"
	KindGlobalErrorPage Kind = "global-error-page"
)

// UnknownFunctionName is the sentinel used when no identifier can be resolved
// for a wrapped function.
const UnknownFunctionName = "unknown"

var buildKinds = map[Kind]bool{
	KindPageComponent:   true,
	KindServerComponent: true,
	KindServerAction:    true,
	KindMiddleware:      true,
	KindAPIRoute:        true,
	KindRouteHandler:    true,
	KindFunction:        true,
}

// String returns the wire representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// IsBuildKind reports whether k can appear in a BuildContext.
func (k Kind) IsBuildKind() bool {
	return buildKinds[k]
}

// IsClientKind reports whether k can appear in a ClientContext.
func (k Kind) IsClientKind() bool {
	return k == KindErrorPage || k == KindGlobalErrorPage
}

// Valid reports whether k is any known kind.
func (k Kind) Valid() bool {
	return k.IsBuildKind() || k.IsClientKind()
}

// ParseKind converts a wire string into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown kind %q", s)
	}
	return k, nil
}

// =============================================================================
// Contexts
// =============================================================================

// CaptureContext is the metadata handed to the capture pipeline together with
// an error. It is implemented by BuildContext and ClientContext.
type CaptureContext interface {
	ContextKind() Kind
	DebugEnabled() bool
}

// BuildContext is the literal metadata baked into every build-time wrapped
// function.
//
// Description:
//
//	Constructed fresh for every node the rewrite engine wraps and embedded in
//	the output source as an object literal. It is never mutated afterwards.
//
//	Only primitive-valued fields are allowed: the literal encoder turns any
//	other value into null. Optional fields are pointers; nil encodes as null.
//
// Thread Safety: Value type, safe to copy and share.
type BuildContext struct {
	BuildID      string  `json:"buildId"`
	Dev          bool    `json:"dev"`
	NextRuntime  *string `json:"nextRuntime,omitempty"`
	WorkspaceID  string  `json:"workspaceId"`
	Debug        *bool   `json:"debug,omitempty"`
	FilePath     string  `json:"filePath"`
	FunctionName string  `json:"functionName"`
	Kind         Kind    `json:"kind"`
}

// ContextField is one key/value pair of a BuildContext in literal order.
type ContextField struct {
	Key   string
	Value any
}

// Fields returns the context as an ordered list of key/value pairs.
//
// Absent optional fields yield a nil Value so that they encode as null.
func (bc BuildContext) Fields() []ContextField {
	var runtime any
	if bc.NextRuntime != nil {
		runtime = *bc.NextRuntime
	}
	var debug any
	if bc.Debug != nil {
		debug = *bc.Debug
	}
	name := bc.FunctionName
	if name == "" {
		name = UnknownFunctionName
	}
	return []ContextField{
		{Key: "buildId", Value: bc.BuildID},
		{Key: "dev", Value: bc.Dev},
		{Key: "nextRuntime", Value: runtime},
		{Key: "workspaceId", Value: bc.WorkspaceID},
		{Key: "debug", Value: debug},
		{Key: "filePath", Value: bc.FilePath},
		{Key: "functionName", Value: name},
		{Key: "kind", Value: string(bc.Kind)},
	}
}

// ContextKind implements CaptureContext.
func (bc BuildContext) ContextKind() Kind {
	return bc.Kind
}

// DebugEnabled implements CaptureContext.
func (bc BuildContext) DebugEnabled() bool {
	return bc.Debug != nil && *bc.Debug
}

// ClientContext accompanies browser-surfaced captures. Build identity and file
// location are unavailable client-side.
type ClientContext struct {
	Kind  Kind  `json:"kind"`
	Debug *bool `json:"debug,omitempty"`
}

// ContextKind implements CaptureContext.
func (cc ClientContext) ContextKind() Kind {
	return cc.Kind
}

// DebugEnabled implements CaptureContext.
func (cc ClientContext) DebugEnabled() bool {
	return cc.Debug != nil && *cc.Debug
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool {
	return &b
}
