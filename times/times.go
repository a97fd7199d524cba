// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package times provides the monotonic cycle-counter and OS-thread-identity
// primitives shared by the shadow stack, the event buffer and the hook
// trampolines. None of it allocates and none of it is safe to instrument
// with the tracer itself (see internal/hook for the isolation rule this
// implies).
package times // import "go.hookline.dev/mcount/times"

import (
	"golang.org/x/sys/unix"
)

// Cycles is a raw CPU tick count, as sampled from RDTSC on amd64. The
// tracer never converts this to wall-clock time: guest/host alignment
// across virtualization requires the unadjusted counter, so that
// conversion is left to whatever reads the resulting uftrace directory.
type Cycles uint64

// Now samples the current cycle counter. Implemented in assembly
// (now_amd64.s) so the hot path never leaves the CPU to ask the kernel for
// the time.
//
//go:noescape
func Now() Cycles

// ThreadID returns the OS-level identity of the calling thread, used only
// as a lookup key into the fixed-capacity shadow-stack table (see
// internal/shadowstack). It is not the tracer-local thread_id field of the
// Event record; that identity is assigned separately, once per distinct
// thread, by internal/hook's monotonic counter.
func ThreadID() int {
	return unix.Gettid()
}
