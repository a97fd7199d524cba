// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package config holds the options recognized at Init and Dump time
// and validates them with a single Validate method returning a wrapped
// error, called once by the control surface before anything is
// allocated.
package config // import "go.hookline.dev/mcount/config"

import "fmt"

// Config holds the parameters accepted by control.Init.
type Config struct {
	// Capacity is the event buffer size in records. Must be at least 1;
	// it should comfortably exceed the shadow-stack depth limit
	// (shadowstack.MaxDepth) so a single deeply recursive call doesn't
	// starve drop-tail mode before it even returns once.
	Capacity int

	// Overwriting selects ring-buffer mode (oldest events discarded once
	// full) instead of the default drop-tail mode (stop recording once
	// full).
	Overwriting bool

	// VerifyPrologues is an optional set of raw machine-code snippets,
	// one per instrumented function the caller wants sanity-checked
	// before tracing starts: the leading bytes of the function as read
	// out of the caller's own binary. Each snippet is checked with
	// internal/prologuecheck to confirm it preserves a frame pointer,
	// since the entry trampoline's "parent return address is at
	// [rbp+8]" assumption silently desyncs otherwise. Left empty, Init
	// performs no such check and trusts the caller's build flags.
	VerifyPrologues [][]byte
}

// Validate reports a descriptive error for any out-of-range field,
// rather than letting Init construct a buffer that can never usefully
// record anything.
func (c Config) Validate() error {
	if c.Capacity < 1 {
		return fmt.Errorf("config: capacity must be >= 1, got %d", c.Capacity)
	}
	return nil
}

// DumpOptions holds the parameters accepted by control.Dump.
type DumpOptions struct {
	// Dir is the writable directory the uftrace layout is written into.
	// It must already exist.
	Dir string
	// BinaryName is recorded in task.txt/info and used as the fake
	// memory-map's mapped file name.
	BinaryName string
	// LinuxMode, if true, copies /proc/self/maps into sid-<SID>.map
	// instead of writing the fake single-region map.
	LinuxMode bool
}

// Validate mirrors Config.Validate for dump-time parameters.
func (d DumpOptions) Validate() error {
	if d.Dir == "" {
		return fmt.Errorf("config: dump directory must not be empty")
	}
	if d.BinaryName == "" {
		return fmt.Errorf("config: dump binary name must not be empty")
	}
	return nil
}
