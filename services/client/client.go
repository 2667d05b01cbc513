// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package client bootstraps the browser-side reporting bridge.
//
// The remote script installs a bridge object that owns report submission
// and user identity. This package injects that script once, then forwards
// report, identify and logout calls to the bridge as soon as it becomes
// available. None of the forwarding calls block or panic.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/AleutianAI/bugpilot/services/logging"
)

const (
	// DefaultRetryInterval is the wait between bridge lookups.
	DefaultRetryInterval = 1500 * time.Millisecond

	// DefaultMaxAttempts bounds bridge lookups, the first one included.
	DefaultMaxAttempts = 3
)

// ErrBridgeUnavailable is returned when the bridge never appeared.
var ErrBridgeUnavailable = errors.New("bugpilot bridge not available")

// errNotReady marks a lookup that should be retried.
var errNotReady = errors.New("bridge not ready")

// User identifies the visitor to the bridge.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Bridge is the capability set installed by the remote script.
type Bridge interface {
	SaveReport(metadata, reportDataOverride map[string]any) error
	Identify(user User) error
	Logout() error
}

// Locator looks up the bridge. ok is false while it is not installed.
type Locator interface {
	Lookup() (b Bridge, ok bool)
}

// LocatorFunc adapts a function to Locator.
type LocatorFunc func() (Bridge, bool)

// Lookup implements Locator.
func (f LocatorFunc) Lookup() (Bridge, bool) {
	return f()
}

// Option configures a Client.
type Option func(*Client)

// WithRetry overrides the bridge polling schedule.
func WithRetry(interval time.Duration, maxAttempts uint) Option {
	return func(c *Client) {
		if interval > 0 {
			c.interval = interval
		}
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithVersion sets the package version sent with the script URL.
func WithVersion(v string) Option {
	return func(c *Client) {
		if v != "" {
			c.version = v
		}
	}
}

// Client forwards calls to the bridge.
//
// Thread Safety: Safe for concurrent use.
type Client struct {
	locator     Locator
	document    Document
	interval    time.Duration
	maxAttempts uint
	version     string
	logger      *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

// New creates a Client. document may be nil when script injection is
// handled elsewhere.
func New(locator Locator, document Document, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		locator:     locator,
		document:    document,
		interval:    DefaultRetryInterval,
		maxAttempts: DefaultMaxAttempts,
		version:     scriptVersion(),
		logger:      logging.Discard(),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Acquire polls for the bridge.
//
// Description:
//
//	Looks the bridge up immediately, then retries at a constant interval
//	until the attempt budget is spent.
//
// Outputs:
//
//	Bridge - The installed bridge.
//	error - ErrBridgeUnavailable after the last attempt, or the context
//	        error when ctx ends first.
func (c *Client) Acquire(ctx context.Context) (Bridge, error) {
	if c.locator == nil {
		return nil, ErrBridgeUnavailable
	}
	attempt := 0
	b, err := backoff.Retry(ctx, func() (Bridge, error) {
		attempt++
		if b, ok := c.locator.Lookup(); ok && b != nil {
			return b, nil
		}
		c.logger.Debug("bridge not available yet",
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", c.interval))
		return nil, errNotReady
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.interval)),
		backoff.WithMaxTries(c.maxAttempts),
		backoff.WithMaxElapsedTime(0),
	)
	if err == nil {
		return b, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	c.logger.Warn(fmt.Sprintf("Bugpilot not available after %d attempts. Giving up.", attempt))
	return nil, ErrBridgeUnavailable
}

// Report asks the bridge to save a bug report.
func (c *Client) Report(metadata, reportDataOverride map[string]any) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	if reportDataOverride == nil {
		reportDataOverride = map[string]any{}
	}
	c.forward("saveReport", func(b Bridge) error {
		return b.SaveReport(metadata, reportDataOverride)
	})
}

// Identify attaches user to future reports. A nil user is ignored.
func (c *Client) Identify(user *User) {
	if user == nil {
		return
	}
	if user.ID == "" || user.Email == "" {
		c.logger.Warn("Identify was called without id and email. Please provide both id and email for optimal results.")
	}
	u := *user
	c.forward("identify", func(b Bridge) error {
		return b.Identify(u)
	})
}

// Logout clears the identified user.
func (c *Client) Logout() {
	c.forward("logout", func(b Bridge) error {
		return b.Logout()
	})
}

// Close waits for in-flight calls, including ones still polling for the
// bridge. Pending lookups are canceled only when ctx ends first.
func (c *Client) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		return ctx.Err()
	}
}

// forward runs call against the bridge in the background.
func (c *Client) forward(op string, call func(Bridge) error) {
	if c == nil {
		return
	}
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("bridge call panicked",
					slog.String("op", op),
					slog.String("panic", fmt.Sprint(r)))
			}
		}()

		b, err := c.Acquire(c.ctx)
		if err != nil {
			return
		}
		if err := call(b); err != nil {
			c.logger.Error(fmt.Sprintf("Failed to call bugpilot.%s()", op), slog.String("error", err.Error()))
		}
	}()
}
