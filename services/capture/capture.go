// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package capture forwards runtime errors to the collection endpoint.
//
// Capture is a linear sequence of short-circuit gates followed by a single
// outbound POST. It never returns an error and never panics: telemetry loss
// is always preferred over disturbing the host application.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/bugpilot/services/datatypes"
	"github.com/AleutianAI/bugpilot/services/logging"
	"github.com/AleutianAI/bugpilot/services/version"
)

const (
	// DefaultEndpoint is the collection URL.
	DefaultEndpoint = "https://events-error.bugpilot.io/error"

	// DefaultTimeout bounds one dispatch.
	DefaultTimeout = 5 * time.Second

	// RedactionPhrase is the message the host framework substitutes for
	// server errors it already reported from its production error boundary.
	RedactionPhrase = "The specific message is omitted in production builds to avoid leaking sensitive details."

	// ProductionBuildPhase is the phase value during `next build`.
	ProductionBuildPhase = "phase-production-build"

	// PhaseEnv is the environment variable holding the phase.
	PhaseEnv = "NEXT_PHASE"
)

// Outcome is the result of one Capture call.
type Outcome string

const (
	OutcomeSent            Outcome = "sent"
	OutcomeNotFound        Outcome = "skipped_not_found"
	OutcomeRedirect        Outcome = "skipped_redirect"
	OutcomeBuildPhase      Outcome = "skipped_build_phase"
	OutcomeAlreadyReported Outcome = "skipped_already_reported"
	OutcomeNoSession       Outcome = "skipped_no_session"
	OutcomeDevelopment     Outcome = "skipped_development"
	OutcomeRateLimited     Outcome = "skipped_rate_limited"
	OutcomeFailed          Outcome = "failed"
)

// SessionResolver returns the current visitor session, or nil when none
// is resolvable.
type SessionResolver interface {
	Session(ctx context.Context) (*datatypes.Session, error)
}

// SessionResolverFunc adapts a function to SessionResolver.
type SessionResolverFunc func(ctx context.Context) (*datatypes.Session, error)

// Session implements SessionResolver.
func (f SessionResolverFunc) Session(ctx context.Context) (*datatypes.Session, error) {
	return f(ctx)
}

// =============================================================================
// Options
// =============================================================================

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithEndpoint overrides the collection URL.
func WithEndpoint(url string) Option {
	return func(p *Pipeline) {
		if url != "" {
			p.endpoint = url
		}
	}
}

// WithTimeout bounds each dispatch. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithDebug enables debug records for every capture.
func WithDebug(debug bool) Option {
	return func(p *Pipeline) {
		p.debug = debug
	}
}

// WithLogger sets the logger. Its handler should accept debug records;
// the pipeline decides itself when to emit them.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithRateLimit drops captures beyond perMinute. Zero disables the limit.
// Excess captures are dropped, never queued.
func WithRateLimit(perMinute int) Option {
	return func(p *Pipeline) {
		if perMinute > 0 {
			p.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
		} else {
			p.limiter = nil
		}
	}
}

// WithPhase overrides how the build phase is read. Defaults to the
// NEXT_PHASE environment variable.
func WithPhase(phase func() string) Option {
	return func(p *Pipeline) {
		if phase != nil {
			p.phase = phase
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithRedaction enables or disables secret redaction. Enabled by default.
func WithRedaction(enabled bool) Option {
	return func(p *Pipeline) {
		p.redact = enabled
	}
}

// WithRestyClient replaces the HTTP client. The pipeline timeout is still
// applied per request.
func WithRestyClient(client *resty.Client) Option {
	return func(p *Pipeline) {
		if client != nil {
			p.client = client
		}
	}
}

// =============================================================================
// Pipeline
// =============================================================================

// Pipeline is the error capture pipeline.
//
// Thread Safety:
//
//	Safe for concurrent use. The pipeline holds no mutable state besides
//	the optional rate limiter, which is itself safe for concurrent use.
type Pipeline struct {
	resolver SessionResolver
	client   *resty.Client
	endpoint string
	timeout  time.Duration
	debug    bool
	redact   bool
	limiter  *rate.Limiter
	phase    func() string
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a Pipeline that resolves sessions with resolver.
func New(resolver SessionResolver, opts ...Option) *Pipeline {
	p := &Pipeline{
		resolver: resolver,
		endpoint: DefaultEndpoint,
		timeout:  DefaultTimeout,
		redact:   true,
		phase:    func() string { return os.Getenv(PhaseEnv) },
		now:      time.Now,
		logger: logging.NewWithWriter(logging.Config{
			Debug:     true,
			Component: "capture",
		}, os.Stderr),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		p.client = resty.New()
	}
	p.client.SetTimeout(p.timeout)
	return p
}

// Capture runs err through the gates and dispatches a report.
//
// Description:
//
//	Gates, each a short-circuit:
//
//	 1. not-found or redirect digest, or the production build phase
//	 2. a digest together with the framework's redaction phrase
//	 3. no resolvable session
//	 4. payload assembly
//	 5. development: build context dev flag or a localhost session URL
//	    (logged only)
//	 6. optional rate limit
//	 7. POST to the collection endpoint
//
//	Failures from step 3 onward are logged at debug level and swallowed.
//	A panic anywhere in the pipeline is recovered.
//
// Inputs:
//
//	ctx - Carries request-scoped values for the session resolver. Capture
//	      detaches from its cancellation so an aborted request still
//	      reports, bounded by the pipeline timeout.
//	err - The error to report. A nil error is ignored.
//	cc - The capture context of the failing function or component.
//
// Outputs:
//
//	Outcome - What happened. Callers may ignore it.
//
// Thread Safety: Safe for concurrent use.
func (p *Pipeline) Capture(ctx context.Context, err error, cc datatypes.CaptureContext) (outcome Outcome) {
	if err == nil || p == nil {
		return OutcomeFailed
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "capture.Capture")
	defer span.End()

	logger := p.logger
	kind := ""
	defer func() {
		if r := recover(); r != nil {
			logger.Debug("capture panicked", slog.String("panic", fmt.Sprint(r)))
			outcome = OutcomeFailed
		}
		capturesTotal.WithLabelValues(kind, string(outcome)).Inc()
		span.SetAttributes(attribute.String("capture.outcome", string(outcome)))
	}()

	cc = normalizeContext(cc)
	logger = p.loggerFor(cc)
	kind = string(cc.ContextKind())

	// Gate 1: framework control flow and build phase.
	digest := datatypes.DigestOf(err)
	switch {
	case digest == datatypes.DigestNotFound:
		return OutcomeNotFound
	case strings.HasPrefix(digest, datatypes.DigestRedirectPrefix):
		return OutcomeRedirect
	case p.phase() == ProductionBuildPhase:
		return OutcomeBuildPhase
	}

	// Gate 2: already reported by the framework's error boundary.
	_, message, _ := Describe(err)
	if digest != "" && strings.Contains(message, RedactionPhrase) {
		logger.Debug("error already reported by framework", slog.String("digest", digest))
		return OutcomeAlreadyReported
	}

	// Gate 3: session.
	if p.resolver == nil {
		logger.Debug("no session resolver configured")
		return OutcomeNoSession
	}
	session, serr := p.resolver.Session(ctx)
	if serr != nil {
		logger.Debug("session resolution failed", slog.String("error", serr.Error()))
		return OutcomeFailed
	}
	if !session.Complete() {
		logger.Debug("no session, not capturing error")
		return OutcomeNoSession
	}

	// Gate 4: payload.
	var redact func(string) string
	if p.redact {
		redact = Redact
	}
	payload := BuildPayload(err, cc, session, p.now(), redact)

	// Gate 5: development.
	if isDevelopment(cc, session) {
		p.logger.Info("errors are not captured while running in development mode, or on localhost",
			slog.String("kind", payload.Kind))
		logger.Debug("development error payload",
			slog.String("message", payload.Error.JSErrors[0].Message))
		return OutcomeDevelopment
	}

	// Gate 6: rate limit.
	if p.limiter != nil && !p.limiter.Allow() {
		logger.Debug("capture rate limit exceeded, dropping error")
		return OutcomeRateLimited
	}

	// Gate 7: dispatch.
	if derr := p.dispatch(ctx, session, payload); derr != nil {
		logger.Debug("error dispatch failed", slog.String("error", derr.Error()))
		return OutcomeFailed
	}
	logger.Debug("error sent",
		slog.String("kind", payload.Kind),
		slog.String("report_id", payload.ReportID))
	return OutcomeSent
}

func (p *Pipeline) dispatch(ctx context.Context, session *datatypes.Session, payload datatypes.ErrorEndpointPayload) (err error) {
	ctx, span := tracer.Start(ctx, "capture.dispatch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("capture.kind", payload.Kind),
			attribute.String("http.url", p.endpoint),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	start := time.Now()
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeaders(map[string]string{
			"Origin":       session.Origin,
			"Content-Type": "application/json",
			"User-Agent":   version.UserAgent(),
			"X-Dev-Mode":   "0",
		}).
		SetBody(payload).
		Post(p.endpoint)
	if err != nil {
		dispatchDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return fmt.Errorf("post %s: %w", p.endpoint, err)
	}
	if !resp.IsSuccess() {
		dispatchDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return fmt.Errorf("post %s: unexpected status %d", p.endpoint, resp.StatusCode())
	}
	dispatchDuration.WithLabelValues("success").Observe(time.Since(start).Seconds())
	return nil
}

// loggerFor returns the pipeline logger, or a discarding logger when
// neither the pipeline nor the context asks for debug output.
func (p *Pipeline) loggerFor(cc datatypes.CaptureContext) *slog.Logger {
	if p.debug || cc.DebugEnabled() {
		return p.logger
	}
	return logging.Discard()
}

// normalizeContext dereferences pointer contexts. Nil contexts, typed or
// not, become an empty ClientContext.
func normalizeContext(cc datatypes.CaptureContext) datatypes.CaptureContext {
	switch c := cc.(type) {
	case nil:
		return datatypes.ClientContext{}
	case *datatypes.BuildContext:
		if c == nil {
			return datatypes.ClientContext{}
		}
		return *c
	case *datatypes.ClientContext:
		if c == nil {
			return datatypes.ClientContext{}
		}
		return *c
	}
	return cc
}

func isDevelopment(cc datatypes.CaptureContext, session *datatypes.Session) bool {
	if bc, ok := buildContextOf(cc); ok && bc.Dev {
		return true
	}
	return strings.Contains(session.URL, "localhost") || strings.Contains(session.URL, "127.0.0.1")
}
