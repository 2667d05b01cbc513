// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transform is the per-file instrumentation driver.
//
// Transform is a pure function of its inputs: it never touches the
// filesystem or the network and keeps no state between files, so a build
// may call it for any number of files concurrently.
package transform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/bugpilot/services/datatypes"
	"github.com/AleutianAI/bugpilot/services/instrument/ast"
	"github.com/AleutianAI/bugpilot/services/instrument/classify"
	"github.com/AleutianAI/bugpilot/services/instrument/rewrite"
)

// =============================================================================
// Errors
// =============================================================================

// ErrInvalidOptions is returned when Options fail validation.
var ErrInvalidOptions = errors.New("invalid transform options")

// TransformError is a build-time failure for one file.
//
// It always propagates to the build: an unwrapped fallback would hide the
// loss of capture coverage.
type TransformError struct {
	// Path is the file being transformed.
	Path string

	// Op is the failed step: "parse", "wrap", "inject" or "emit".
	Op string

	// Err is the underlying error.
	Err error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("bugpilot transform %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Client markers
// =============================================================================

// ClientMarkers are substrings that tag a module as client-side. Client
// modules are returned byte-for-byte unchanged.
var ClientMarkers = []string{
	"use client",
	"__next_internal_client_entry_do_not_use__",
	"import { createProxy }",
}

// IsClientSource reports whether source carries a client marker.
func IsClientSource(source string) bool {
	for _, marker := range ClientMarkers {
		if strings.Contains(source, marker) {
			return true
		}
	}
	return false
}

// =============================================================================
// Options
// =============================================================================

// Options is the fixed per-build configuration of the transform.
type Options struct {
	// BuildID identifies the build. Embedded in every wrapper call.
	BuildID string

	// Dev is true for development builds.
	Dev bool

	// NextRuntime is the server runtime tag ("nodejs" or "edge"), if known.
	NextRuntime *string

	// WorkspaceID is the error-reporting workspace. Required.
	WorkspaceID string

	// Debug enables debug logging in the runtime pipeline, if set.
	Debug *bool

	// ProjectRoot is used to make absolute file paths relative.
	ProjectRoot string

	// WrapperName and WrapperModule name the runtime wrapper import.
	// Defaults: rewrite.DefaultWrapperName, rewrite.DefaultWrapperModule.
	WrapperName   string
	WrapperModule string

	// ElementFactories are the element construction identifiers.
	// Default: ast.DefaultElementFactories.
	ElementFactories []string

	// WrapUnclassified also wraps module-scope functions that match no role,
	// with kind "function".
	WrapUnclassified bool

	// InjectClientBootstrap mounts the client bootstrap component into the
	// root layout instead of wrapping it.
	InjectClientBootstrap bool

	// Classifier overrides the default path classifier.
	Classifier *classify.Classifier

	// Parser overrides the default parser.
	Parser *ast.Parser

	// Logger receives per-file debug output. Defaults to slog.Default().
	Logger *slog.Logger
}

// Validate checks required fields.
func (o Options) Validate() error {
	if strings.TrimSpace(o.WorkspaceID) == "" {
		return fmt.Errorf("%w: workspace id is required", ErrInvalidOptions)
	}
	if o.NextRuntime != nil && *o.NextRuntime != "nodejs" && *o.NextRuntime != "edge" {
		return fmt.Errorf("%w: unknown runtime %q", ErrInvalidOptions, *o.NextRuntime)
	}
	return nil
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Classifier == nil {
		o.Classifier = classify.NewClassifier()
	}
	if o.Parser == nil {
		o.Parser = ast.NewParser(ast.WithLogger(o.Logger))
	}
	return o
}

// =============================================================================
// Report
// =============================================================================

// WrappedFunction is one function the transform wrapped.
type WrappedFunction struct {
	Name string         `json:"name"`
	Kind datatypes.Kind `json:"kind"`
	Line int            `json:"line"`
}

// Report describes what Transform did to one file.
type Report struct {
	// Path is the normalized, project-relative path.
	Path string `json:"path"`

	// Flags are the path classification results.
	Flags classify.PathFlags `json:"flags"`

	// Skipped is set when the file was returned unchanged without parsing.
	Skipped bool `json:"skipped"`

	// SkipReason is "client", "no-role" or "instrumented".
	SkipReason string `json:"skip_reason,omitempty"`

	// Wrapped lists every wrapped function in source order.
	Wrapped []WrappedFunction `json:"wrapped"`

	// LayoutInjected is set when the client bootstrap was mounted.
	LayoutInjected bool `json:"layout_injected"`
}

// Changed reports whether the output differs from the input.
func (r *Report) Changed() bool {
	return len(r.Wrapped) > 0 || r.LayoutInjected
}

// =============================================================================
// Transform
// =============================================================================

// Transform instruments one module.
//
// Description:
//
//	 1. A module carrying a client marker is returned unchanged.
//	 2. The path is normalized against ProjectRoot and classified. A path
//	    with no role is returned unchanged unless WrapUnclassified is set.
//	 3. The root layout, when InjectClientBootstrap is set, gets the client
//	    bootstrap component and nothing else.
//	 4. Otherwise every module-scope candidate is resolved to a kind with
//	    the fixed precedence and wrapped. Candidates of kind "function" are
//	    only wrapped when WrapUnclassified is set.
//	 5. The wrapper import is added once and the output is re-parsed.
//
// Inputs:
//
//	ctx - Used for tracing and parse cancellation.
//	source - Module text.
//	filePath - Absolute, or relative to ProjectRoot.
//	opts - Per-build options. Must pass Validate.
//
// Outputs:
//
//	string - The instrumented module, or source unchanged.
//	*Report - What was done. Never nil when err is nil.
//	error - ErrInvalidOptions, or a *TransformError for parse and rewrite
//	        failures. Never swallowed.
//
// Thread Safety: Safe for concurrent use across files.
func Transform(ctx context.Context, source, filePath string, opts Options) (string, *Report, error) {
	ctx, span := tracer.Start(ctx, "transform.Transform")
	defer span.End()
	start := time.Now()

	if IsClientSource(source) {
		recordFile(outcomeSkipped, time.Since(start))
		span.SetAttributes(attribute.String("transform.skip", "client"))
		return source, &Report{Path: filePath, Skipped: true, SkipReason: "client"}, nil
	}

	if err := opts.Validate(); err != nil {
		recordFile(outcomeFailed, time.Since(start))
		span.SetStatus(codes.Error, err.Error())
		return "", nil, err
	}
	opts = opts.withDefaults()

	relPath := classify.NormalizePath(opts.ProjectRoot, filePath)
	flags := opts.Classifier.Classify(relPath)
	report := &Report{Path: relPath, Flags: flags, Wrapped: []WrappedFunction{}}
	span.SetAttributes(
		attribute.String("file.path", relPath),
		attribute.String("file.primary_kind", string(flags.PrimaryKind())),
	)

	isLayout := opts.InjectClientBootstrap && opts.Classifier.IsRootLayout(relPath)
	if !flags.Any() && !opts.WrapUnclassified && !isLayout {
		recordFile(outcomeSkipped, time.Since(start))
		report.Skipped = true
		report.SkipReason = "no-role"
		return source, report, nil
	}

	out, err := run(ctx, source, relPath, flags, isLayout, opts, report)
	if err != nil {
		recordFile(outcomeFailed, time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", nil, err
	}

	if report.Changed() {
		recordFile(outcomeTransformed, time.Since(start))
	} else {
		recordFile(outcomeUnchanged, time.Since(start))
	}
	span.SetAttributes(attribute.Int("transform.wrapped", len(report.Wrapped)))

	if len(report.Wrapped) > 0 {
		opts.Logger.Debug("instrumented module",
			slog.String("file", relPath),
			slog.Int("wrapped", len(report.Wrapped)))
	}
	return out, report, nil
}

func run(ctx context.Context, source, relPath string, flags classify.PathFlags, isLayout bool, opts Options, report *Report) (string, error) {
	src, err := opts.Parser.Parse(ctx, []byte(source), relPath)
	if err != nil {
		return "", &TransformError{Path: relPath, Op: "parse", Err: err}
	}
	defer src.Close()

	rwOpts := []rewrite.Option{rewrite.WithWrapper(opts.WrapperName, opts.WrapperModule)}

	if isLayout {
		out, injected, err := rewrite.InjectRootLayout(ctx, src, opts.WorkspaceID, rwOpts...)
		if err != nil {
			return "", &TransformError{Path: relPath, Op: "inject", Err: err}
		}
		report.LayoutInjected = injected
		return string(out), nil
	}

	r := rewrite.New(src, rwOpts...)
	if r.AlreadyInstrumented() {
		report.SkipReason = "instrumented"
		return source, nil
	}

	matcher := ast.NewMatcher(opts.ElementFactories...)
	for _, c := range src.Candidates() {
		kind := matcher.ResolveKind(flags, src, c)
		if kind == datatypes.KindFunction && !(opts.WrapUnclassified && c.IsFunctionLike()) {
			continue
		}

		bc := datatypes.BuildContext{
			BuildID:      opts.BuildID,
			Dev:          opts.Dev,
			NextRuntime:  opts.NextRuntime,
			WorkspaceID:  opts.WorkspaceID,
			Debug:        opts.Debug,
			FilePath:     relPath,
			FunctionName: c.Name,
			Kind:         kind,
		}
		wrapped, err := r.Wrap(c, bc)
		if err != nil {
			return "", &TransformError{Path: relPath, Op: "wrap", Err: err}
		}
		if !wrapped {
			continue
		}
		report.Wrapped = append(report.Wrapped, WrappedFunction{
			Name: c.Name,
			Kind: kind,
			Line: int(c.Node.StartPoint().Row) + 1,
		})
		functionsWrapped.WithLabelValues(string(kind)).Inc()
	}

	if err := r.EnsureImport(); err != nil {
		return "", &TransformError{Path: relPath, Op: "wrap", Err: err}
	}
	out, err := r.Emit(ctx)
	if err != nil {
		return "", &TransformError{Path: relPath, Op: "emit", Err: err}
	}
	return string(out), nil
}
