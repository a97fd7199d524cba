// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package hook

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.hookline.dev/mcount/internal/eventbuf"
	"go.hookline.dev/mcount/internal/shadowstack"
)

// These tests call mcountEntry/mcountReturn directly, exercising the
// state machine (shadow stack, event buffer, enable flag) without
// needing a synthetic assembly-level caller frame for every case. The
// calling-convention glue itself -- hook_amd64.s/hook_amd64_interruptsafe.s
// marshaling arguments into mcountEntry/mcountReturn's ABI0 stack slots --
// is covered separately in asmharness_amd64_test.go, which calls the
// real ·mcount/·mcountReturnTrampoline symbols.

func resetGlobals() {
	enabled.Store(false)
	buf.Store(nil)
	stacks.Store(nil)
	threadIDs = threadIDTable{}
	nextThreadID.Store(0)
	droppedEvents.Store(0)
	shadowOverflows.Store(0)
	shadowDesyncs.Store(0)
}

func TestMcountEntryNoopWhenDisabled(t *testing.T) {
	resetGlobals()
	b := eventbuf.New(8, false)
	st := shadowstack.New()
	Install(b, st)

	var parentRet uintptr = 0xdead
	got := mcountEntry(&parentRet, 0x1000, 0x2000)
	assert.Equal(t, parentRet, got)
	assert.Equal(t, []eventbuf.Event{}, b.Snapshot())
}

func TestMcountEntryAndReturnPairWhenEnabled(t *testing.T) {
	resetGlobals()
	b := eventbuf.New(8, false)
	st := shadowstack.New()
	Install(b, st)
	Enable()

	var parentRet uintptr = 0x7f0000
	patched := mcountEntry(&parentRet, 0x1000, 0x2000)
	require.Equal(t, returnTrampolineAddr(), patched)
	assert.Equal(t, 1, st.Depth())

	back := mcountReturn(0x2000)
	assert.Equal(t, uintptr(0x7f0000), back)
	assert.Equal(t, 0, st.Depth())

	events := b.Snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, eventbuf.Entry, events[0].Kind)
	assert.Equal(t, eventbuf.Exit, events[1].Kind)
	assert.Equal(t, events[0].ThreadID, events[1].ThreadID)
}

func TestMcountEntryGuardsLowParentRetPointer(t *testing.T) {
	resetGlobals()
	b := eventbuf.New(8, false)
	st := shadowstack.New()
	Install(b, st)
	Enable()

	// A parentRet pointer at or below the guard threshold must never be
	// dereferenced; mcountEntry must hand back calleeRet without reading
	// through it. 0x10 is not a valid Go pointer to dereference, but it's
	// fine to pass as a bit pattern since the guard must reject it first.
	bogus := (*uintptr)(unsafe.Pointer(uintptr(0x10)))
	got := mcountEntry(bogus, 0x9999, 0)
	assert.Equal(t, uintptr(0x9999), got)
	assert.Equal(t, 0, st.Depth())
}

func TestMcountReturnWithNoShadowFrameUsesLostReturn(t *testing.T) {
	resetGlobals()
	b := eventbuf.New(8, false)
	st := shadowstack.New()
	Install(b, st)
	Enable()

	got := mcountReturn(0x1000)
	assert.Equal(t, lostReturnAddr, got)
	assert.Equal(t, uint64(1), ShadowDesyncs())
}

func TestThreadIDsAssignedInFirstEventOrder(t *testing.T) {
	resetGlobals()
	assert.Equal(t, uint64(1), threadID())
	assert.Equal(t, uint64(1), threadID())
}
