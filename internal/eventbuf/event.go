// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventbuf implements the fixed-capacity, lock-free event buffer
// shared between every traced thread's hook invocations and the uftrace
// writer. Producers (internal/hook) reserve a slot with a single atomic
// fetch-add and never retry or block; the writer only reads once the
// buffer has been disabled and every thread has quiesced.
package eventbuf // import "go.hookline.dev/mcount/internal/eventbuf"

import (
	"sync/atomic"

	"go.hookline.dev/mcount/times"
)

// Kind discriminates an Event's role. Empty marks an unused slot so a
// partially-filled buffer is self-describing.
type Kind uint8

const (
	Empty Kind = iota
	Entry
	Exit
)

// Event is the fixed-width record written by the hook on every traced
// call and read back by the uftrace writer. Kind is written last by
// producers (see Buffer.WriteEntry/Buffer.WriteExit), so a reader
// that observes Kind != Empty is guaranteed to see a fully initialized
// record.
type Event struct {
	ThreadID  uint64
	Timestamp times.Cycles
	Address   uintptr
	Kind      Kind
}

// Buffer is a single contiguous, preallocated array of Events plus an
// atomic cursor. It is handed to the hook by the control surface at Init
// and is never resized or reallocated afterwards.
type Buffer struct {
	next        atomic.Uint64
	overwriting bool
	slots       []Event
}

// New preallocates a buffer of the given capacity. A capacity below 1 is
// raised to 1. Neither New nor the control surface requires capacity to
// exceed the shadow stack's maximum depth; config.Config.Validate checks
// only the lower bound of 1.
func New(capacity int, overwriting bool) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		slots:       make([]Event, capacity),
		overwriting: overwriting,
	}
}

// Cap returns the buffer's fixed capacity.
func (b *Buffer) Cap() int {
	return len(b.slots)
}

// reserve atomically claims the next slot index. ok is false when the
// buffer is full in drop-tail mode; callers must not write to idx in that
// case.
func (b *Buffer) reserve() (idx int, ok bool) {
	cidx := b.next.Add(1) - 1
	if !b.overwriting && cidx >= uint64(len(b.slots)) {
		return 0, false
	}
	return int(cidx % uint64(len(b.slots))), true
}

// WriteEntry reserves a slot and records an Entry event for callsite addr
// on the given tracer-local thread id. Returns false if the buffer is
// full (drop-tail mode only); the caller records no error and simply
// drops the event.
func (b *Buffer) WriteEntry(threadID uint64, addr uintptr) bool {
	return b.write(threadID, addr, Entry)
}

// WriteExit is WriteEntry's counterpart for the return trampoline.
func (b *Buffer) WriteExit(threadID uint64, addr uintptr) bool {
	return b.write(threadID, addr, Exit)
}

func (b *Buffer) write(threadID uint64, addr uintptr, kind Kind) bool {
	idx, ok := b.reserve()
	if !ok {
		return false
	}
	ts := times.Now()
	slot := &b.slots[idx]
	slot.ThreadID = threadID
	slot.Timestamp = ts
	slot.Address = addr
	// Kind is written last: it's what the reader checks to decide a slot
	// is fully populated (see Snapshot below).
	slot.Kind = kind
	return true
}

// Snapshot returns the events in temporal buffer order (oldest first),
// already accounting for ring-mode wraparound. Only safe to call after
// tracing has been disabled and all producer threads have quiesced.
func (b *Buffer) Snapshot() []Event {
	total := b.next.Load()
	n := len(b.slots)
	if !b.overwriting || total <= uint64(n) {
		limit := total
		if limit > uint64(n) {
			limit = uint64(n)
		}
		out := make([]Event, limit)
		copy(out, b.slots[:limit])
		return out
	}

	// Ring mode wrapped at least once: the oldest surviving event is at
	// index (total % n), the newest at (total-1) % n.
	start := int(total % uint64(n))
	out := make([]Event, 0, n)
	out = append(out, b.slots[start:]...)
	out = append(out, b.slots[:start]...)
	return out
}
