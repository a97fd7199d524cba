// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.hookline.dev/mcount/internal/eventbuf"
	"go.hookline.dev/mcount/internal/hook"
	"go.hookline.dev/mcount/internal/shadowstack"
)

// TestCollectReadsHookCounters drives the hook package's three hot-path
// counters to real, known values (rather than just observing whatever
// they happen to be) and checks Collect reports exactly those values.
// Each sub-test uses its own buffer/table pair so the scenarios don't
// interfere with each other's bookkeeping.
func TestCollectReadsHookCounters(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	t.Run("dropped event on exit with no buffer room", func(t *testing.T) {
		buf := eventbuf.New(1, false)
		stacks := shadowstack.New()
		hook.Install(buf, stacks)
		defer hook.Uninstall()
		hook.Enable()
		defer hook.Disable()

		// Capacity 1: the Entry consumes the buffer's only slot, so the
		// matching Exit has nowhere to go and must be counted as dropped.
		exit := hook.Simulate(0x401000)
		exit()

		require.Equal(t, uint64(1), hook.DroppedEvents())
	})

	t.Run("shadow stack overflow past MaxDepth", func(t *testing.T) {
		buf := eventbuf.New(shadowstack.MaxDepth+1, false)
		stacks := shadowstack.New()
		hook.Install(buf, stacks)
		defer hook.Uninstall()
		hook.Enable()
		defer hook.Disable()

		// Push exactly MaxDepth frames (all succeed), then one more: the
		// (MaxDepth+1)-th Push must overflow exactly once.
		for i := 0; i < shadowstack.MaxDepth; i++ {
			hook.Simulate(uintptr(0x500000 + i))
		}
		before := hook.ShadowOverflows()
		hook.Simulate(0x600000)

		require.Equal(t, before+1, hook.ShadowOverflows())
	})

	t.Run("desync on a return with no matching shadow frame", func(t *testing.T) {
		buf := eventbuf.New(8, false)
		stacks := shadowstack.New()
		hook.Install(buf, stacks)
		defer hook.Uninstall()
		hook.Enable()
		defer hook.Disable()

		before := hook.ShadowDesyncs()

		// A second call to the same exit closure pops an already-empty
		// shadow stack: there is no frame left to match.
		exit := hook.Simulate(0x700000)
		exit()
		exit()

		require.Equal(t, before+1, hook.ShadowDesyncs())
	})

	snap := Collect(0)
	assert.Equal(t, hook.DroppedEvents(), snap.DroppedEvents)
	assert.Equal(t, hook.ShadowOverflows(), snap.ShadowOverflows)
	assert.Equal(t, hook.ShadowDesyncs(), snap.ShadowDesyncs)
	assert.GreaterOrEqual(t, snap.DroppedEvents, uint64(1))
	assert.GreaterOrEqual(t, snap.ShadowOverflows, uint64(1))
	assert.GreaterOrEqual(t, snap.ShadowDesyncs, uint64(1))
}
