// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package wrap decorates server functions so their failures are reported.
//
// A wrapped function is observationally identical to the original: same
// arguments, same results, same error value, same panic value. Reporting
// runs in the background and is never awaited by the caller.
package wrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	pkgerrors "github.com/pkg/errors"

	"github.com/AleutianAI/bugpilot/services/capture"
	"github.com/AleutianAI/bugpilot/services/capture/session"
	"github.com/AleutianAI/bugpilot/services/datatypes"
	"github.com/AleutianAI/bugpilot/services/logging"
)

// Capturer reports one error. *capture.Pipeline implements it.
type Capturer interface {
	Capture(ctx context.Context, err error, cc datatypes.CaptureContext) capture.Outcome
}

// PanicError carries a recovered panic value to the capture pipeline.
type PanicError struct {
	Value any
	cause error
}

func newPanicError(v any) *PanicError {
	var cause error
	if err, ok := v.(error); ok {
		cause = pkgerrors.WithStack(err)
	} else {
		cause = pkgerrors.Errorf("%v", v)
	}
	return &PanicError{Value: v, cause: cause}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func (e *PanicError) Unwrap() error {
	return e.cause
}

// ErrorName implements datatypes.Namer.
func (e *PanicError) ErrorName() string {
	return "Panic"
}

// Wrapper dispatches captures for wrapped functions.
//
// Thread Safety: Safe for concurrent use.
type Wrapper struct {
	capturer Capturer
	logger   *slog.Logger
	inflight sync.WaitGroup

	stop     chan struct{}
	stopOnce sync.Once
}

// Option configures a Wrapper.
type Option func(*Wrapper)

// WithLogger sets the logger used for recovered capture failures.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Wrapper) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// New creates a Wrapper reporting through c.
func New(c Capturer, opts ...Option) *Wrapper {
	w := &Wrapper{capturer: c, logger: logging.Discard(), stop: make(chan struct{})}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Wait blocks until every in-flight capture finished or ctx is done.
// Used on shutdown; wrapped calls never wait.
func (w *Wrapper) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown releases observers of deferred results that have not settled
// and then waits like Wait. Results settling after Shutdown are not
// reported. Safe to call more than once.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stop) })
	return w.Wait(ctx)
}

// report starts a background capture of err.
func (w *Wrapper) report(ctx context.Context, err error, bc datatypes.BuildContext) {
	if w == nil || w.capturer == nil || err == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	w.inflight.Add(1)
	go func() {
		defer w.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				w.logger.Debug("capture panicked", slog.String("panic", fmt.Sprint(r)))
			}
		}()
		w.capturer.Capture(ctx, err, bc)
	}()
}

// observe reports failed() once done is closed.
func (w *Wrapper) observe(ctx context.Context, done <-chan struct{}, failed func() error, bc datatypes.BuildContext) {
	if w == nil {
		return
	}
	w.inflight.Add(1)
	go func() {
		defer w.inflight.Done()
		select {
		case <-done:
		case <-w.stop:
			select {
			case <-done:
			default:
				w.logger.Debug("shutdown before result settled",
					slog.String("function", bc.FunctionName))
				return
			}
		}
		w.report(ctx, failed(), bc)
	}()
}

// =============================================================================
// Decorators
// =============================================================================

// Func wraps a synchronous server function.
//
// Description:
//
//	A returned error is reported and returned unchanged. A panic is
//	reported and re-raised with the identical value. Successful results
//	pass through untouched.
//
// Example:
//
//	deleteItem = wrap.Func(w, deleteItem, datatypes.BuildContext{
//	    FilePath: "app/actions.ts", FunctionName: "deleteItem",
//	    Kind: datatypes.KindServerAction,
//	})
func Func[A, R any](w *Wrapper, fn func(context.Context, A) (R, error), bc datatypes.BuildContext) func(context.Context, A) (R, error) {
	return func(ctx context.Context, arg A) (result R, err error) {
		defer func() {
			if r := recover(); r != nil {
				w.report(ctx, newPanicError(r), bc)
				panic(r)
			}
		}()
		result, err = fn(ctx, arg)
		if err != nil {
			w.report(ctx, err, bc)
		}
		return result, err
	}
}

// Async wraps a server function returning a deferred result.
//
// Description:
//
//	The Deferred returned by fn is handed back untouched. A background
//	observer reports its rejection exactly once. A panic raised before fn
//	returns is reported and re-raised.
func Async[A, R any](w *Wrapper, fn func(context.Context, A) *Deferred[R], bc datatypes.BuildContext) func(context.Context, A) *Deferred[R] {
	return func(ctx context.Context, arg A) *Deferred[R] {
		defer func() {
			if r := recover(); r != nil {
				w.report(ctx, newPanicError(r), bc)
				panic(r)
			}
		}()
		d := fn(ctx, arg)
		if d == nil {
			return nil
		}
		w.observe(ctx, d.Done(), func() error { return d.err }, bc)
		return d
	}
}

// Handler wraps an HTTP route handler. A panic is reported with the request
// attached to the context for session resolution, then re-raised.
// http.ErrAbortHandler is re-raised without a report.
func Handler(w *Wrapper, h http.Handler, bc datatypes.BuildContext) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if err, ok := v.(error); !ok || !errors.Is(err, http.ErrAbortHandler) {
					w.report(session.WithRequest(r.Context(), r), newPanicError(v), bc)
				}
				panic(v)
			}
		}()
		h.ServeHTTP(rw, r)
	})
}
