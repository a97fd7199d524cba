// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package xsync provides the single lock primitive the control surface
// needs: a generic once-guard whose init may fail, in which case nothing
// is stored and the next call runs init again.
package xsync // import "go.hookline.dev/mcount/internal/xsync"

import (
	"sync"
	"sync/atomic"
)

// Once ensures some data is initialized exactly once, tracked as a
// (value, error) pair rather than sync.Once's bare function so a failed
// Init can be retried instead of wedging the process. The control
// package builds its "Init twice without an intervening Dump is a usage
// error" rule on top of this by treating "already done" as a
// MisuseError rather than re-running init.
//
// Does not need explicit construction: simply declare Once[T]{}.
type Once[T any] struct {
	done atomic.Bool
	mu   sync.Mutex
	data T
}

// GetOrInit returns the data, calling init the first time only. If init
// fails, no state is considered initialized and the next GetOrInit call
// tries again.
func (o *Once[T]) GetOrInit(init func() (T, error)) (*T, error) {
	if !o.done.Load() {
		return o.initSlow(init)
	}
	return &o.data, nil
}

func (o *Once[T]) initSlow(init func() (T, error)) (*T, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.done.Load() {
		return &o.data, nil
	}

	var err error
	o.data, err = init()
	if err != nil {
		return nil, err
	}

	o.done.Store(true)
	return &o.data, nil
}

// Get returns the initialized value, or nil if GetOrInit has never
// completed successfully.
func (o *Once[T]) Get() *T {
	if !o.done.Load() {
		return nil
	}
	return &o.data
}

// Reset clears the done flag, allowing a subsequent GetOrInit to run
// init again. Used by the control surface's Dump to allow a later Init.
func (o *Once[T]) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.done.Store(false)
	var zero T
	o.data = zero
}
