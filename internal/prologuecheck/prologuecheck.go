// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package prologuecheck implements a diagnostic, not part of the hot
// path: it inspects a function's raw machine code to confirm its
// prologue preserves a frame pointer, since instrumented code must
// preserve one. A function that omits `push rbp; mov rbp, rsp` will
// desync C3's "parent return slot is at [rbp+8]" assumption silently,
// so this lets a caller catch the mistake before shipping an
// instrumented binary rather than after staring at a garbled uftrace
// trace.
//
// Uses the same x86asm-based decode loop an interpreter's stack-walking
// register-state tracker would, applied here to a much narrower
// question.
package prologuecheck // import "go.hookline.dev/mcount/internal/prologuecheck"

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// MaxPrologueBytes bounds how far into a function we'll decode looking
// for the frame-pointer setup, so a malformed or already-stripped
// function can't send this into a long scan.
const MaxPrologueBytes = 16

// Result describes what PreservesFramePointer found.
type Result struct {
	// OK is true when the expected `push rbp` / `mov rbp, rsp` pair (in
	// either order LLVM and GCC are known to emit them) was found within
	// MaxPrologueBytes.
	OK bool
	// PushRBPOffset and MovRBPOffset are the byte offsets (relative to
	// the function start) of the two instructions, valid only if OK.
	PushRBPOffset, MovRBPOffset int
}

// PreservesFramePointer decodes up to MaxPrologueBytes of code starting
// at the given function and reports whether its prologue preserves a
// frame pointer in the way C3 assumes.
func PreservesFramePointer(code []byte) (Result, error) {
	if len(code) > MaxPrologueBytes {
		code = code[:MaxPrologueBytes]
	}

	var (
		sawPushRBP, sawMovRBPRSP bool
		pushOff, movOff          int
	)

	off := 0
	for off < len(code) {
		inst, err := x86asm.Decode(code[off:], 64)
		if err == nil && inst.Op == 0 {
			// x86asm reports an instruction cut off by the end of the
			// input as a bare prefix with no opcode, not as an error.
			err = fmt.Errorf("incomplete instruction")
		}
		if err != nil {
			return Result{}, fmt.Errorf("decode prologue at offset %d: %w", off, err)
		}

		if isPushRBP(inst) {
			sawPushRBP = true
			pushOff = off
		}
		if isMovRBPFromRSP(inst) {
			sawMovRBPRSP = true
			movOff = off
		}
		if sawPushRBP && sawMovRBPRSP {
			break
		}

		off += inst.Len
	}

	return Result{
		OK:            sawPushRBP && sawMovRBPRSP,
		PushRBPOffset: pushOff,
		MovRBPOffset:  movOff,
	}, nil
}

func isPushRBP(inst x86asm.Inst) bool {
	return inst.Op == x86asm.PUSH && regArg(inst, 0) == x86asm.RBP
}

func isMovRBPFromRSP(inst x86asm.Inst) bool {
	if inst.Op != x86asm.MOV {
		return false
	}
	return regArg(inst, 0) == x86asm.RBP && regArg(inst, 1) == x86asm.RSP
}

func regArg(inst x86asm.Inst, i int) x86asm.Reg {
	if i >= len(inst.Args) || inst.Args[i] == nil {
		return 0
	}
	r, _ := inst.Args[i].(x86asm.Reg)
	return r
}
