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

import (
	"errors"
)

// Digests used by the host framework for control-flow signals.
const (
	DigestNotFound       = "NEXT_NOT_FOUND"
	DigestRedirectPrefix = "NEXT_REDIRECT;"
)

// Digester is implemented by errors that carry a host-framework digest.
type Digester interface {
	Digest() string
}

// Namer is implemented by errors that carry an explicit error class name.
type Namer interface {
	ErrorName() string
}

// FrameworkError is an error raised by (or relayed from) the host framework.
//
// Description:
//
//	Mirrors the shape of a JavaScript Error with the optional digest property
//	the framework attaches to server errors. Used by the capture relay to
//	represent errors reported from a JavaScript runtime, and by tests.
type FrameworkError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Dig     string `json:"digest,omitempty"`
}

// Error implements error.
func (e *FrameworkError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// Digest implements Digester.
func (e *FrameworkError) Digest() string {
	return e.Dig
}

// ErrorName implements Namer.
func (e *FrameworkError) ErrorName() string {
	if e.Name == "" {
		return "Error"
	}
	return e.Name
}

// StackTrace returns the raw stack captured where the error originated.
func (e *FrameworkError) StackTrace() string {
	return e.Stack
}

// DigestOf returns the digest attached to err or anything it wraps.
func DigestOf(err error) string {
	var d Digester
	if errors.As(err, &d) {
		return d.Digest()
	}
	return ""
}
