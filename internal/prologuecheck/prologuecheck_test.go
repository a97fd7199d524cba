// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package prologuecheck

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gccPrologue is `push rbp; mov rbp, rsp; sub rsp, 0x10`, the standard
// frame-pointer setup both GCC and Clang emit with -fno-omit-frame-pointer.
var gccPrologue = []byte{
	0x55,                   // push rbp
	0x48, 0x89, 0xe5,       // mov rbp, rsp
	0x48, 0x83, 0xec, 0x10, // sub rsp, 0x10
}

// noFramePointer is `sub rsp, 0x18; mov [rsp+8], rdi`, a typical
// omit-frame-pointer prologue with no push rbp/mov rbp,rsp pair at all.
var noFramePointer = []byte{
	0x48, 0x83, 0xec, 0x18, // sub rsp, 0x18
	0x48, 0x89, 0x7c, 0x24, 0x08, // mov [rsp+8], rdi
}

func TestPreservesFramePointerDetectsStandardPrologue(t *testing.T) {
	res, err := PreservesFramePointer(gccPrologue)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 0, res.PushRBPOffset)
	assert.Equal(t, 1, res.MovRBPOffset)
}

func TestPreservesFramePointerRejectsOmittedFramePointer(t *testing.T) {
	res, err := PreservesFramePointer(noFramePointer)
	require.NoError(t, err)
	assert.False(t, res.OK)
}

func TestPreservesFramePointerAcceptsLongerInputThanMaxPrologueBytes(t *testing.T) {
	padded := append(append([]byte{}, gccPrologue...), make([]byte, 64)...)
	res, err := PreservesFramePointer(padded)
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestPreservesFramePointerErrorsOnUndecodableBytes(t *testing.T) {
	// A lone two-byte-opcode escape prefix with nothing after it can't be
	// decoded as a complete instruction.
	_, err := PreservesFramePointer([]byte{0x0f})
	assert.Error(t, err)
}
