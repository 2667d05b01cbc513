// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package capture

import (
	"errors"
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/AleutianAI/bugpilot/services/datatypes"
)

// ErrorTypeTag is the fixed error.type of every payload.
const ErrorTypeTag = datatypes.ErrorTypeTag

// rawStacker is implemented by errors relayed with a pre-rendered stack.
type rawStacker interface {
	StackTrace() string
}

// stackTracer is implemented by errors created or wrapped with
// github.com/pkg/errors.
type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// Describe extracts the name, message and stack of err.
//
// Description:
//
//	The name comes from datatypes.Namer, defaulting to "Error". A
//	*datatypes.FrameworkError contributes its bare message; other errors
//	contribute err.Error(). The stack is taken from a relayed raw stack or
//	from the innermost pkg/errors stack trace.
func Describe(err error) (name, message, stack string) {
	name = "Error"
	var n datatypes.Namer
	if errors.As(err, &n) {
		name = n.ErrorName()
	}

	var fe *datatypes.FrameworkError
	if errors.As(err, &fe) {
		message = fe.Message
	} else {
		message = err.Error()
	}

	var raw rawStacker
	if errors.As(err, &raw) {
		stack = raw.StackTrace()
		return name, message, stack
	}
	var st stackTracer
	if errors.As(err, &st) {
		stack = fmt.Sprintf("%+v", st.StackTrace())
	}
	return name, message, stack
}

// BuildPayload assembles the report body for err.
//
// Description:
//
//	workspaceId comes from the build context when it has one, else from the
//	session. Build and runtime fields are only set for build contexts.
//	Message and stack are passed through redact when it is non-nil.
//
// Inputs:
//
//	err - The captured error. Must not be nil.
//	cc - The capture context.
//	session - A complete session.
//	now - Capture time.
//	redact - Optional secret scrubber.
func BuildPayload(err error, cc datatypes.CaptureContext, session *datatypes.Session, now time.Time, redact func(string) string) datatypes.ErrorEndpointPayload {
	name, message, stack := Describe(err)
	if redact != nil {
		message = redact(message)
		stack = redact(stack)
	}

	jsErr := datatypes.JSError{
		Name:    name,
		Message: message,
		Stack:   stack,
		Digest:  datatypes.DigestOf(err),
	}

	payload := datatypes.ErrorEndpointPayload{
		Kind: string(cc.ContextKind()),
		Error: datatypes.ErrorReport{
			Type:     ErrorTypeTag,
			JSErrors: []datatypes.JSError{jsErr},
		},
		WorkspaceID: session.WorkspaceID,
		UserID:      session.AnonymousID,
		ReportID:    session.ReportID,
		URL:         session.URL,
		Timestamp:   now.UnixMilli(),
	}

	if bc, ok := buildContextOf(cc); ok {
		filePath, functionName := bc.FilePath, bc.FunctionName
		if functionName == "" {
			functionName = datatypes.UnknownFunctionName
		}
		payload.Error.JSErrors[0].FilePath = &filePath
		payload.Error.JSErrors[0].FunctionName = &functionName
		payload.Build = bc.BuildID
		if bc.NextRuntime != nil {
			payload.NextRuntime = *bc.NextRuntime
		}
		if bc.WorkspaceID != "" {
			payload.WorkspaceID = bc.WorkspaceID
		}
	}
	return payload
}

func buildContextOf(cc datatypes.CaptureContext) (datatypes.BuildContext, bool) {
	switch c := cc.(type) {
	case datatypes.BuildContext:
		return c, true
	case *datatypes.BuildContext:
		if c != nil {
			return *c, true
		}
	}
	return datatypes.BuildContext{}, false
}
