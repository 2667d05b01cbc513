// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package wrap

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/bugpilot/services/capture"
	"github.com/AleutianAI/bugpilot/services/capture/session"
	"github.com/AleutianAI/bugpilot/services/datatypes"
)

type captured struct {
	ctx context.Context
	err error
	cc  datatypes.CaptureContext
}

type fakeCapturer struct {
	mu    sync.Mutex
	calls []captured
	block chan struct{}
}

func (f *fakeCapturer) Capture(ctx context.Context, err error, cc datatypes.CaptureContext) capture.Outcome {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, captured{ctx: ctx, err: err, cc: cc})
	return capture.OutcomeSent
}

func (f *fakeCapturer) snapshot() []captured {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]captured(nil), f.calls...)
}

func actionContext() datatypes.BuildContext {
	return datatypes.BuildContext{
		BuildID:      "b1",
		WorkspaceID:  "ws",
		FilePath:     "app/actions.ts",
		FunctionName: "deleteItem",
		Kind:         datatypes.KindServerAction,
	}
}

func waitFor(t *testing.T, w *Wrapper) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Wait(ctx))
}

func TestFunc_SuccessIsIdentity(t *testing.T) {
	fc := &fakeCapturer{}
	w := New(fc)

	double := Func(w, func(_ context.Context, n int) (int, error) { return n * 2, nil }, actionContext())
	got, err := double(context.Background(), 21)
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	waitFor(t, w)
	assert.Empty(t, fc.snapshot())
}

func TestFunc_ErrorPropagatesAndIsCapturedOnce(t *testing.T) {
	fc := &fakeCapturer{}
	w := New(fc)
	dbDown := errors.New("db down")

	deleteItem := Func(w, func(_ context.Context, id string) (struct{}, error) {
		return struct{}{}, dbDown
	}, actionContext())

	_, err := deleteItem(context.Background(), "item-1")
	assert.Same(t, dbDown, err)

	waitFor(t, w)
	calls := fc.snapshot()
	require.Len(t, calls, 1)
	assert.Same(t, dbDown, calls[0].err)
	assert.Equal(t, actionContext(), calls[0].cc)
}

func TestFunc_CaptureIsNotAwaited(t *testing.T) {
	fc := &fakeCapturer{block: make(chan struct{})}
	w := New(fc)

	fail := Func(w, func(context.Context, int) (int, error) { return 0, errors.New("x") }, actionContext())

	done := make(chan struct{})
	go func() {
		_, _ = fail(context.Background(), 1)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wrapped call blocked on capture")
	}

	close(fc.block)
	waitFor(t, w)
	assert.Len(t, fc.snapshot(), 1)
}

func TestFunc_CanceledCallerStillCaptures(t *testing.T) {
	fc := &fakeCapturer{}
	w := New(fc)

	ctx, cancel := context.WithCancel(context.Background())
	fail := Func(w, func(context.Context, int) (int, error) { return 0, errors.New("x") }, actionContext())
	_, _ = fail(ctx, 1)
	cancel()

	waitFor(t, w)
	calls := fc.snapshot()
	require.Len(t, calls, 1)
	assert.NoError(t, calls[0].ctx.Err())
}

func TestFunc_PanicIsReraisedWithIdenticalValue(t *testing.T) {
	fc := &fakeCapturer{}
	w := New(fc)
	sentinel := errors.New("invariant broken")

	boom := Func(w, func(context.Context, int) (int, error) { panic(sentinel) }, actionContext())

	var recovered any
	func() {
		defer func() { recovered = recover() }()
		_, _ = boom(context.Background(), 0)
	}()
	assert.Same(t, sentinel, recovered)

	waitFor(t, w)
	calls := fc.snapshot()
	require.Len(t, calls, 1)
	var pe *PanicError
	require.True(t, errors.As(calls[0].err, &pe))
	assert.Same(t, sentinel, pe.Value)
	assert.True(t, errors.Is(calls[0].err, sentinel))

	name, _, stack := capture.Describe(calls[0].err)
	assert.Equal(t, "Panic", name)
	assert.NotEmpty(t, stack)
}

func TestFunc_NonErrorPanic(t *testing.T) {
	fc := &fakeCapturer{}
	w := New(fc)

	boom := Func(w, func(context.Context, int) (int, error) { panic("plain string") }, actionContext())
	assert.PanicsWithValue(t, "plain string", func() { _, _ = boom(context.Background(), 0) })

	waitFor(t, w)
	calls := fc.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "panic: plain string", calls[0].err.Error())
}

func TestAsync_ReturnsOriginalDeferred(t *testing.T) {
	fc := &fakeCapturer{}
	w := New(fc)

	var original *Deferred[string]
	load := Async(w, func(ctx context.Context, id string) *Deferred[string] {
		original = NewDeferred[string]()
		return original
	}, actionContext())

	d := load(context.Background(), "a")
	assert.Same(t, original, d)

	d.Resolve("ok")
	v, err := d.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	waitFor(t, w)
	assert.Empty(t, fc.snapshot())
}

func TestAsync_RejectionCapturedExactlyOnce(t *testing.T) {
	fc := &fakeCapturer{}
	w := New(fc)
	dbDown := errors.New("db down")

	save := Async(w, func(ctx context.Context, n int) *Deferred[int] {
		return Go(ctx, func(context.Context) (int, error) { return 0, dbDown })
	}, actionContext())

	d := save(context.Background(), 1)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Await(context.Background())
			assert.Same(t, dbDown, err)
		}()
	}
	wg.Wait()

	waitFor(t, w)
	assert.Len(t, fc.snapshot(), 1)
}

func TestWrapper_ShutdownReleasesUnsettledObservers(t *testing.T) {
	fc := &fakeCapturer{}
	w := New(fc)

	pending := NewDeferred[int]()
	start := Async(w, func(context.Context, int) *Deferred[int] { return pending }, actionContext())
	require.Same(t, pending, start(context.Background(), 0))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Wait(ctx), context.DeadlineExceeded, "an unsettled result keeps Wait blocked")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	require.NoError(t, w.Shutdown(ctx2))
	require.NoError(t, w.Shutdown(ctx2))

	pending.Reject(errors.New("late"))
	require.NoError(t, w.Wait(ctx2))
	assert.Empty(t, fc.snapshot())
}

func TestWrapper_ShutdownStillReportsSettledRejection(t *testing.T) {
	fc := &fakeCapturer{}
	w := New(fc)

	failed := NewDeferred[int]()
	failed.Reject(errors.New("db down"))
	Async(w, func(context.Context, int) *Deferred[int] { return failed }, actionContext())(context.Background(), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Shutdown(ctx))
	assert.Len(t, fc.snapshot(), 1)
}

func TestAsync_SynchronousPanic(t *testing.T) {
	fc := &fakeCapturer{}
	w := New(fc)

	start := Async(w, func(context.Context, int) *Deferred[int] { panic("before deferred") }, actionContext())
	assert.PanicsWithValue(t, "before deferred", func() { start(context.Background(), 0) })

	waitFor(t, w)
	assert.Len(t, fc.snapshot(), 1)
}

func TestAsync_NilDeferred(t *testing.T) {
	w := New(&fakeCapturer{})
	fn := Async(w, func(context.Context, int) *Deferred[int] { return nil }, actionContext())
	assert.Nil(t, fn(context.Background(), 0))
}

func TestDeferred(t *testing.T) {
	d := NewDeferred[int]()
	assert.False(t, d.Settled())
	assert.True(t, d.Resolve(1))
	assert.False(t, d.Reject(errors.New("late")))
	assert.True(t, d.Settled())

	v, err := d.Await(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, v)

	pending := NewDeferred[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pending.Await(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	panicking := Go(context.Background(), func(context.Context) (int, error) { panic("inside") })
	_, err = panicking.Await(context.Background())
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "inside", pe.Value)
}

func TestHandler_PanicCapturedWithRequest(t *testing.T) {
	fc := &fakeCapturer{}
	w := New(fc)
	bc := actionContext()
	bc.Kind = datatypes.KindRouteHandler
	bc.FunctionName = "GET"

	h := Handler(w, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("handler exploded")
	}), bc)

	req := httptest.NewRequest(http.MethodGet, "/api/items", nil)
	assert.PanicsWithValue(t, "handler exploded", func() {
		h.ServeHTTP(httptest.NewRecorder(), req)
	})

	waitFor(t, w)
	calls := fc.snapshot()
	require.Len(t, calls, 1)
	got, ok := session.RequestFrom(calls[0].ctx)
	require.True(t, ok)
	assert.Same(t, req, got)
}

func TestHandler_AbortIsNotCaptured(t *testing.T) {
	fc := &fakeCapturer{}
	w := New(fc)

	h := Handler(w, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}), actionContext())

	assert.Panics(t, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
	waitFor(t, w)
	assert.Empty(t, fc.snapshot())
}

func TestHandler_PassThrough(t *testing.T) {
	w := New(&fakeCapturer{})
	h := Handler(w, http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusTeapot)
	}), actionContext())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
