// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package control is the tracer's public control surface — init,
// enable, disable, and dump. It wires together the event buffer, shadow
// stacks, hook, uftrace writer and metrics; archive, internal/mlog and
// hook.Simulate are used directly by the demo command in cmd/mcount-demo.
package control // import "go.hookline.dev/mcount/control"

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"go.hookline.dev/mcount/config"
	"go.hookline.dev/mcount/internal/eventbuf"
	"go.hookline.dev/mcount/internal/hook"
	"go.hookline.dev/mcount/internal/prologuecheck"
	"go.hookline.dev/mcount/internal/shadowstack"
	"go.hookline.dev/mcount/internal/uftrace"
	"go.hookline.dev/mcount/internal/xsync"
	"go.hookline.dev/mcount/metrics"
)

// MisuseError reports a forbidden call sequence: Init called twice
// without an intervening Dump, or Dump called with no handle (before
// Init). Dump observing the tracer still enabled is not an error: it
// force-disables instead.
type MisuseError struct {
	Reason string
}

func (e *MisuseError) Error() string { return "mcount: misuse: " + e.Reason }

// handle is the opaque object Init hands back; it pins the buffer and
// shadow-stack table the hook package is pointing at for as long as
// tracing is live. The caller must keep it alive until after Dump
// returns.
type handle struct {
	buf    *eventbuf.Buffer
	stacks *shadowstack.Table
}

var state xsync.Once[handle]

// Init allocates the event buffer and shadow-stack table and installs
// them into the hook package, but leaves tracing disabled: it always
// starts disabled until Enable is called. Calling Init again before a
// Dump is a MisuseError; the existing handle and its data are left
// untouched.
func Init(cfg config.Config) (*handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if state.Get() != nil {
		return nil, &MisuseError{Reason: "init called twice without an intervening dump"}
	}
	if err := verifyPrologues(cfg.VerifyPrologues); err != nil {
		return nil, err
	}

	h, err := state.GetOrInit(func() (handle, error) {
		h := handle{
			buf:    eventbuf.New(cfg.Capacity, cfg.Overwriting),
			stacks: shadowstack.New(),
		}
		hook.Install(h.buf, h.stacks)
		log.Infof("mcount: initialized (capacity=%d overwriting=%v)", cfg.Capacity, cfg.Overwriting)
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// verifyPrologues rejects an Init call up front if any of the caller-
// supplied function snippets don't preserve a frame pointer the way C3
// assumes, rather than letting the tracer run and silently desync on the
// first call into that function.
func verifyPrologues(snippets [][]byte) error {
	for i, code := range snippets {
		res, err := prologuecheck.PreservesFramePointer(code)
		if err != nil {
			return fmt.Errorf("mcount: verify prologue %d: %w", i, err)
		}
		if !res.OK {
			return fmt.Errorf("mcount: verify prologue %d: does not preserve a frame pointer within %d bytes", i, prologuecheck.MaxPrologueBytes)
		}
	}
	return nil
}

// Enable turns on the process-wide enable flag. Idempotent.
func Enable() { hook.Enable() }

// Disable clears the enable flag. Calls already past the check in the
// entry trampoline complete through the return trampoline regardless.
// Idempotent.
func Disable() { hook.Disable() }

// Enabled reports whether tracing is currently active.
func Enabled() bool { return hook.Enabled() }

// Dump disables tracing (force-disabling rather than failing loudly if
// still enabled), drains the event buffer, and writes a complete
// uftrace directory to opts.Dir. After Dump returns successfully the
// handle is uninstalled from the hook package and a later Init is
// allowed to run again.
func Dump(h *handle, opts config.DumpOptions) (metrics.Snapshot, error) {
	if h == nil {
		return metrics.Snapshot{}, &MisuseError{Reason: "dump called before init"}
	}
	if err := opts.Validate(); err != nil {
		return metrics.Snapshot{}, err
	}

	if hook.Enabled() {
		log.Warn("mcount: dump called while still enabled; force-disabling first")
		hook.Disable()
	}

	events := h.buf.Snapshot()
	snap := metrics.Collect(len(events))

	if err := uftrace.Dump(events, opts.Dir, opts.BinaryName, opts.LinuxMode); err != nil {
		return snap, fmt.Errorf("mcount: dump: %w", err)
	}

	hook.Uninstall()
	state.Reset()

	log.Infof("mcount: dumped %d event(s) to %s (dropped=%d shadow_overflows=%d shadow_desyncs=%d)",
		len(events), opts.Dir, snap.DroppedEvents, snap.ShadowOverflows, snap.ShadowDesyncs)
	return snap, nil
}
