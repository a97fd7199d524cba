// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

//go:build amd64

package hook

// mcount is the compiler-hook entry point: the symbol every instrumented
// function's prologue calls. Implemented in hook_amd64.s, or
// hook_amd64_interruptsafe.s when the mcount_interruptsafe build tag is
// set.
//
// The two cgo_export_static pragmas below make the symbol available
// under its plain C name (rather than the package-qualified
// "go.hookline.dev/mcount/internal/hook.mcount" the Go linker would
// otherwise emit) when this package is built into a c-archive/c-shared
// artifact for linking against foreign instrumented object files. Both
// names are exported since gcc/clang disagree on which one -pg emits
// depending on target and PIC mode.
func mcount()

//go:cgo_export_static mcount mcount
//go:cgo_export_static mcount _mcount
