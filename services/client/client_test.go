// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package client

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/bugpilot/services/capture"
	"github.com/AleutianAI/bugpilot/services/datatypes"
	"github.com/AleutianAI/bugpilot/services/logging"
)

type fakeBridge struct {
	mu       sync.Mutex
	reports  []map[string]any
	users    []User
	logouts  int
	failWith error
	panics   bool
}

func (b *fakeBridge) SaveReport(metadata, _ map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reports = append(b.reports, metadata)
	return b.failWith
}

func (b *fakeBridge) Identify(user User) error {
	if b.panics {
		panic("bridge exploded")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users = append(b.users, user)
	return b.failWith
}

func (b *fakeBridge) Logout() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logouts++
	return b.failWith
}

// appearsAfter returns a locator that finds b from the nth lookup on.
func appearsAfter(b Bridge, n int32) (Locator, *atomic.Int32) {
	var lookups atomic.Int32
	return LocatorFunc(func() (Bridge, bool) {
		if lookups.Add(1) >= n {
			return b, true
		}
		return nil, false
	}), &lookups
}

func closeClient(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Close(ctx))
}

func TestAcquire(t *testing.T) {
	tests := []struct {
		name        string
		appearsAt   int32
		wantErr     error
		wantLookups int32
	}{
		{name: "immediately", appearsAt: 1, wantLookups: 1},
		{name: "on last attempt", appearsAt: 3, wantLookups: 3},
		{name: "never", appearsAt: 100, wantErr: ErrBridgeUnavailable, wantLookups: DefaultMaxAttempts},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bridge := &fakeBridge{}
			locator, lookups := appearsAfter(bridge, tt.appearsAt)
			c := New(locator, nil, WithRetry(time.Millisecond, 0))

			got, err := c.Acquire(context.Background())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, got)
			} else {
				require.NoError(t, err)
				assert.Same(t, bridge, got)
			}
			assert.Equal(t, tt.wantLookups, lookups.Load())
		})
	}
}

func TestAcquire_NoLocator(t *testing.T) {
	_, err := New(nil, nil).Acquire(context.Background())
	assert.ErrorIs(t, err, ErrBridgeUnavailable)
}

func TestAcquire_ContextCanceled(t *testing.T) {
	locator, _ := appearsAfter(&fakeBridge{}, 100)
	c := New(locator, nil, WithRetry(time.Hour, 10))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestForwarding_NeverBlocks(t *testing.T) {
	locator, _ := appearsAfter(&fakeBridge{}, 100)
	c := New(locator, nil, WithRetry(time.Hour, 3))

	start := time.Now()
	c.Report(nil, nil)
	c.Identify(&User{ID: "u1", Email: "a@b.c"})
	c.Logout()
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	closeClient(t, c)
}

func TestForwarding_ReachesBridge(t *testing.T) {
	bridge := &fakeBridge{}
	locator, _ := appearsAfter(bridge, 2)
	c := New(locator, nil, WithRetry(time.Millisecond, 0))

	c.Report(map[string]any{"triggerType": "button"}, nil)
	c.Identify(&User{ID: "u1", Email: "a@b.c"})
	c.Identify(nil)
	c.Logout()
	closeClient(t, c)

	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	require.Len(t, bridge.reports, 1)
	assert.Equal(t, "button", bridge.reports[0]["triggerType"])
	assert.Equal(t, []User{{ID: "u1", Email: "a@b.c"}}, bridge.users)
	assert.Equal(t, 1, bridge.logouts)
}

func TestClose_WaitsForPendingLookup(t *testing.T) {
	bridge := &fakeBridge{}
	locator, lookups := appearsAfter(bridge, 2)
	c := New(locator, nil, WithRetry(10*time.Millisecond, 3))

	c.Report(map[string]any{"triggerType": "shortcut"}, nil)
	closeClient(t, c)

	assert.GreaterOrEqual(t, lookups.Load(), int32(2))
	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	require.Len(t, bridge.reports, 1)
	assert.Equal(t, "shortcut", bridge.reports[0]["triggerType"])
}

func TestClose_ExpiredContextCancelsLookups(t *testing.T) {
	locator, _ := appearsAfter(&fakeBridge{}, 1000)
	c := New(locator, nil, WithRetry(time.Hour, 3))

	c.Logout()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Close(ctx), context.DeadlineExceeded)

	// The canceled lookup lets the forwarding goroutine exit.
	closeClient(t, c)
}

func TestForwarding_BridgeFailuresAreLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter(logging.Config{Format: logging.FormatText}, &buf)

	bridge := &fakeBridge{failWith: errors.New("quota"), panics: true}
	locator, _ := appearsAfter(bridge, 1)
	c := New(locator, nil, WithLogger(logger))

	assert.NotPanics(t, func() {
		c.Identify(&User{ID: "u1"})
		c.Logout()
	})
	closeClient(t, c)

	out := buf.String()
	assert.Contains(t, out, "Identify was called without id and email")
	assert.Contains(t, out, "bridge call panicked")
	assert.Contains(t, out, "Failed to call bugpilot.logout()")
}

func TestScriptURL(t *testing.T) {
	assert.Equal(t,
		"https://script.bugpilot.io/ws_123/adopto.js?source=bugpilot-next&packageVersion=1.2.3",
		ScriptURL("ws_123", "1.2.3"))
}

type fakeDocument struct {
	mu       sync.Mutex
	ids      map[string]bool
	scripts  []Script
	loadErr  error
	appendFn func() error
}

func (d *fakeDocument) HasElement(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ids[id]
}

func (d *fakeDocument) AppendScript(s Script, onLoad func(error)) error {
	if d.appendFn != nil {
		if err := d.appendFn(); err != nil {
			return err
		}
	}
	d.mu.Lock()
	if d.ids == nil {
		d.ids = map[string]bool{}
	}
	d.ids[s.ID] = true
	d.scripts = append(d.scripts, s)
	d.mu.Unlock()
	onLoad(d.loadErr)
	return nil
}

func TestMount(t *testing.T) {
	doc := &fakeDocument{}
	c := New(nil, doc, WithVersion("2.0.0"))

	got, err := c.Mount("ws_1", true)
	require.NoError(t, err)
	assert.Equal(t, MountInjected, got)
	require.Len(t, doc.scripts, 1)
	assert.Equal(t, Script{
		ID:    ScriptElementID,
		Src:   "https://script.bugpilot.io/ws_1/adopto.js?source=bugpilot-next&packageVersion=2.0.0",
		Async: true,
		Defer: true,
	}, doc.scripts[0])

	got, err = c.Mount("ws_1", true)
	require.NoError(t, err)
	assert.Equal(t, MountPresent, got)
	assert.Len(t, doc.scripts, 1, "script is injected once")
}

func TestMount_Gates(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter(logging.Config{Format: logging.FormatText}, &buf)
	doc := &fakeDocument{}
	c := New(nil, doc, WithLogger(logger))

	got, err := c.Mount("", true)
	assert.ErrorIs(t, err, ErrMissingWorkspace)
	assert.Equal(t, MountSkipped, got)
	assert.Contains(t, buf.String(), "level=ERROR")

	got, err = c.Mount("ws", false)
	assert.NoError(t, err)
	assert.Equal(t, MountDisabled, got)
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Empty(t, doc.scripts)

	got, err = New(nil, nil).Mount("ws", true)
	assert.NoError(t, err)
	assert.Equal(t, MountSkipped, got)
}

func TestMount_LoadFailureIsAWarning(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter(logging.Config{Format: logging.FormatText}, &buf)
	c := New(nil, &fakeDocument{loadErr: errors.New("blocked by client")}, WithLogger(logger))

	got, err := c.Mount("ws", true)
	require.NoError(t, err)
	assert.Equal(t, MountInjected, got)
	assert.Contains(t, buf.String(), "failed to load")

	c = New(nil, &fakeDocument{appendFn: func() error { return errors.New("no body") }}, WithLogger(logger))
	_, err = c.Mount("ws", true)
	assert.Error(t, err)
}

type recordingCapturer struct {
	mu  sync.Mutex
	ccs []datatypes.CaptureContext
}

func (r *recordingCapturer) Capture(_ context.Context, _ error, cc datatypes.CaptureContext) capture.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ccs = append(r.ccs, cc)
	return capture.OutcomeSent
}

func TestReportErrorPage(t *testing.T) {
	bridge := &fakeBridge{}
	locator, _ := appearsAfter(bridge, 1)
	c := New(locator, nil)
	rec := &recordingCapturer{}

	c.ReportErrorPage(context.Background(), rec, errors.New("render failed"), datatypes.KindErrorPage)
	c.ReportErrorPage(context.Background(), rec, nil, datatypes.KindErrorPage)
	closeClient(t, c)

	require.Len(t, rec.ccs, 1)
	assert.Equal(t, datatypes.ClientContext{Kind: datatypes.KindErrorPage}, rec.ccs[0])
	require.Len(t, bridge.reports, 1)
	assert.Equal(t, "error-page", bridge.reports[0]["triggerType"])
}
