// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package hook implements the entry and return trampolines: C3 is
// entered from every instrumented function's prologue, C4 is the
// synthetic return target C3 installs in place of the real caller.
//
// This package must never itself be compiled with the profiling-hook
// flag that produces the calls it intercepts: it is its own translation
// unit/package specifically so a build that wires this tracer into an
// instrumented binary can exclude it from instrumentation at the
// compiler-flag or linker level.
package hook // import "go.hookline.dev/mcount/internal/hook"

import (
	"sync/atomic"
	"unsafe"

	"go.hookline.dev/mcount/internal/eventbuf"
	"go.hookline.dev/mcount/internal/shadowstack"
	"go.hookline.dev/mcount/times"
)

// enabled is the process-wide fast-path flag read by the entry trampoline
// on every call. Relaxed loads are sufficient: a call that starts just
// before a disable is allowed to complete through C4 regardless.
var enabled atomic.Bool

// nextThreadID is the monotonically increasing tracer-local thread
// identity counter. The first distinct OS thread observed gets 1, the
// next 2, and so on; this is independent of the OS thread id used
// internally to key the shadow-stack table.
var nextThreadID atomic.Uint64

// threadIDs maps an OS thread id to the tracer-local id assigned to it.
// Like shadowstack.Table, this trades a true TLS slot for a small
// fixed-capacity lookup.
var threadIDs threadIDTable

// buf and stacks are installed by the control surface at Init and
// cleared at Dump; both are nil (disabled) otherwise.
var (
	buf    atomic.Pointer[eventbuf.Buffer]
	stacks atomic.Pointer[shadowstack.Table]

	// stats are updated on the hot path with atomic increments, since
	// multiple threads may race on them; see metrics.Snapshot.
	droppedEvents   atomic.Uint64
	shadowOverflows atomic.Uint64
	shadowDesyncs   atomic.Uint64
)

// Install registers the event buffer and shadow-stack table the hook
// should use. Called once by the control surface's Init; tracing starts
// disabled.
func Install(b *eventbuf.Buffer, t *shadowstack.Table) {
	buf.Store(b)
	stacks.Store(t)
}

// Uninstall clears the installed buffer/table, used by the control
// surface after a Dump so a stale pointer can never be reused by a
// straggling in-flight call.
func Uninstall() {
	buf.Store(nil)
	stacks.Store(nil)
}

// Enable sets the global enable flag. Idempotent.
func Enable() { enabled.Store(true) }

// Disable clears the global enable flag. Calls already past the flag
// check are allowed to complete through the return trampoline
// regardless; idempotent.
func Disable() { enabled.Store(false) }

// Enabled reports the current state of the flag, mostly useful for tests
// and for the control surface's force-disable check in Dump.
func Enabled() bool { return enabled.Load() }

// threadID returns this thread's tracer-local id, assigning one on first
// use.
func threadID() uint64 {
	if id := threadIDs.get(); id != 0 {
		return id
	}
	id := nextThreadID.Add(1)
	threadIDs.set(id)
	return id
}

// mcountEntry is C3's non-assembly body. It is called from the
// hand-written trampoline in hook_amd64.s with:
//   - parentRet: the address of the slot in the caller's frame that holds
//     the return address back into the grandparent (i.e. &caller's saved
//     return address).
//   - calleeRet: the address of the instrumented function that called
//     into the trampoline (used only for the fake-address guard below).
//
// callerSP is the stack pointer the assembly shim observed at the moment
// of the call, used as the shadow frame's StackPtr.
//
// It returns the address the assembly shim should install into
// *parentRet (either the return trampoline's entry point, to hook the
// return, or parentRetVal unchanged if hooking isn't possible/safe;
// calleeRet for the low-pointer guard below).
func mcountEntry(parentRet *uintptr, calleeRet, callerSP uintptr) uintptr {
	// Uninitialized-frame-pointer guard: a very low parentRet pointer
	// means the caller's rbp was never set up (e.g. the very first frame
	// of a freshly spawned task), so *parentRet can't be read safely.
	// calleeRet is handed back instead of the real saved return value;
	// the assembly shim applies the same threshold and skips its store,
	// so the bogus slot is neither read nor written. This guard is
	// expected to fire only for a process's very first, bootstrap frame.
	if uintptr(unsafe.Pointer(parentRet)) <= 0x100 {
		return calleeRet
	}

	parentRetVal := *parentRet

	if !enabled.Load() {
		return parentRetVal
	}

	tid := threadID()

	b := buf.Load()
	if b != nil {
		if !b.WriteEntry(tid, parentRetVal) {
			droppedEvents.Add(1)
		}
	}

	st := stacks.Load()
	if st == nil {
		return parentRetVal
	}

	ok := st.Push(shadowstack.Frame{
		SavedReturn: parentRetVal,
		StackPtr:    callerSP,
		Callsite:    parentRetVal,
	})
	if !ok {
		// Overflow is fatal only for this thread's tracing integrity, not
		// for the traced program. Leave the real return address intact
		// and poison the thread so later hook invocations take the
		// disabled fast path instead of pushing against a stack we've
		// already given up tracking consistently.
		shadowOverflows.Add(1)
		st.Poison()
		return parentRetVal
	}

	return returnTrampolineAddr()
}

// mcountReturn is C4's non-assembly body, called from the return
// trampoline in hook_amd64.s. currentSP is the stack pointer observed at
// the moment the trampoline fired. It returns the real address control
// should jump to.
func mcountReturn(currentSP uintptr) uintptr {
	st := stacks.Load()
	if st == nil {
		return lostReturnAddr
	}

	frame, ok := st.Pop(currentSP)
	if !ok {
		// Either this thread never had a shadow stack, or discarding
		// stale frames emptied it: the real caller here was never
		// recorded. There is nothing meaningful to jump back to; the
		// platform-provided "lost return" value is the least-bad option.
		shadowDesyncs.Add(1)
		return lostReturnAddr
	}

	if b := buf.Load(); b != nil {
		if !b.WriteExit(threadID(), frame.Callsite) {
			droppedEvents.Add(1)
		}
	}

	return frame.SavedReturn
}

// lostReturnAddr is substituted when a return trampoline fires with no
// corresponding shadow frame. Landing here means this process's
// instrumentation has desynced for this call path; in
// interruptsafe mode (see hook_amd64_interruptsafe.s) this should not
// normally be observed in Entry/Exit pairs that share an interrupt
// context, since interrupt returns preserve SP.
var lostReturnAddr uintptr

// threadIDTable mirrors shadowstack's fixed-capacity, OS-tid-keyed table
// shape, sized independently since thread identity assignment and shadow
// stacks have different lifetimes (a poisoned shadow stack keeps its
// thread id).
type threadIDTable struct {
	slots [4096]struct {
		tid atomic.Int64
		id  atomic.Uint64
	}
}

func (t *threadIDTable) get() uint64 {
	tid := int64(times.ThreadID()) + 1
	h := uint64(tid) % uint64(len(t.slots))
	for i := uint64(0); i < uint64(len(t.slots)); i++ {
		idx := (h + i) % uint64(len(t.slots))
		s := &t.slots[idx]
		if s.tid.Load() == tid {
			return s.id.Load()
		}
		if s.tid.Load() == 0 {
			return 0
		}
	}
	return 0
}

func (t *threadIDTable) set(id uint64) {
	tid := int64(times.ThreadID()) + 1
	h := uint64(tid) % uint64(len(t.slots))
	for i := uint64(0); i < uint64(len(t.slots)); i++ {
		idx := (h + i) % uint64(len(t.slots))
		s := &t.slots[idx]
		if s.tid.Load() == tid {
			s.id.Store(id)
			return
		}
		if s.tid.CompareAndSwap(0, tid) {
			s.id.Store(id)
			return
		}
	}
}

// DroppedEvents, ShadowOverflows and ShadowDesyncs back metrics.Snapshot.
func DroppedEvents() uint64   { return droppedEvents.Load() }
func ShadowOverflows() uint64 { return shadowOverflows.Load() }
func ShadowDesyncs() uint64   { return shadowDesyncs.Load() }

// Simulate drives C3/C4's Go logic directly for a call site at the given
// address, returning a function that drives the matching return. A real
// deployment never calls this: instrumented code reaches mcountEntry
// only via the assembly trampoline in hook_amd64.s, installed into a
// binary's prologues by the compiler's -pg-equivalent flag. Since this
// module can only ever build as plain Go, cmd/mcount-demo uses Simulate
// to exercise the tracer's scenarios without a real instrumented callee.
func Simulate(addr uintptr) (exit func()) {
	var retSlot uintptr = addr
	callerSP := uintptr(unsafe.Pointer(&retSlot))

	patched := mcountEntry(&retSlot, addr, callerSP)
	retSlot = patched

	return func() {
		mcountReturn(callerSP)
	}
}

// mcountReturnTrampoline is C4, implemented in hook_amd64.s. It is never
// called directly from Go; returnTrampolineAddr takes its address so C3
// can install it into a rewritten return slot.
func mcountReturnTrampoline()

// returnTrampolineAddr extracts the entry PC of mcountReturnTrampoline.
// A Go func value is a pointer to a structure whose first word is the
// code's entry point, so *(*uintptr)(unsafe.Pointer(&fn)) recovers it;
// this is the same trick used by Go's rarer call-patching tools for
// taking the address of a function without going through reflect.
func returnTrampolineAddr() uintptr {
	fn := mcountReturnTrampoline
	return **(**uintptr)(unsafe.Pointer(&fn))
}
