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
	"sync"
)

// Deferred is a result that settles later, exactly once.
//
// Thread Safety: Safe for concurrent use. Any number of goroutines may
// observe a Deferred; only the first Resolve or Reject takes effect.
type Deferred[R any] struct {
	once  sync.Once
	done  chan struct{}
	value R
	err   error
}

// NewDeferred creates an unsettled Deferred.
func NewDeferred[R any]() *Deferred[R] {
	return &Deferred[R]{done: make(chan struct{})}
}

// Go runs fn in a goroutine and settles the returned Deferred with its
// result. A panic in fn settles it with a *PanicError.
func Go[R any](ctx context.Context, fn func(context.Context) (R, error)) *Deferred[R] {
	d := NewDeferred[R]()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.Reject(newPanicError(r))
			}
		}()
		v, err := fn(ctx)
		d.Settle(v, err)
	}()
	return d
}

// Resolve settles d with v. Reports whether this call settled it.
func (d *Deferred[R]) Resolve(v R) bool {
	return d.Settle(v, nil)
}

// Reject settles d with err. Reports whether this call settled it.
func (d *Deferred[R]) Reject(err error) bool {
	var zero R
	return d.Settle(zero, err)
}

// Settle settles d with v and err. Reports whether this call settled it.
func (d *Deferred[R]) Settle(v R, err error) bool {
	settled := false
	d.once.Do(func() {
		d.value, d.err = v, err
		close(d.done)
		settled = true
	})
	return settled
}

// Done is closed once d settles.
func (d *Deferred[R]) Done() <-chan struct{} {
	return d.done
}

// Await blocks until d settles or ctx is done.
func (d *Deferred[R]) Await(ctx context.Context) (R, error) {
	select {
	case <-d.done:
		return d.value, d.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// Settled reports whether d has settled.
func (d *Deferred[R]) Settled() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}
