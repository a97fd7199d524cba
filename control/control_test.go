// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.hookline.dev/mcount/config"
	"go.hookline.dev/mcount/internal/eventbuf"
)

func resetState() {
	state.Reset()
}

func TestInitTwiceIsMisuse(t *testing.T) {
	resetState()
	defer resetState()

	h, err := Init(config.Config{Capacity: 8})
	require.NoError(t, err)
	require.NotNil(t, h)

	_, err = Init(config.Config{Capacity: 8})
	assert.Error(t, err)
	var misuse *MisuseError
	assert.ErrorAs(t, err, &misuse)
}

func TestDumpBeforeInitIsMisuse(t *testing.T) {
	resetState()
	defer resetState()

	_, err := Dump(nil, config.DumpOptions{Dir: t.TempDir(), BinaryName: "demo"})
	var misuse *MisuseError
	assert.ErrorAs(t, err, &misuse)
}

func TestDumpForceDisablesAndWritesDirectory(t *testing.T) {
	resetState()
	defer resetState()

	h, err := Init(config.Config{Capacity: 8})
	require.NoError(t, err)

	Enable()
	h.buf.WriteEntry(1, 0x401000)
	h.buf.WriteExit(1, 0x401000)
	require.True(t, Enabled())

	dir := t.TempDir()
	snap, err := Dump(h, config.DumpOptions{Dir: dir, BinaryName: "demo"})
	require.NoError(t, err)
	assert.False(t, Enabled())
	assert.Equal(t, uint64(0), snap.DroppedEvents)

	_, err = os.Stat(filepath.Join(dir, "info"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "1.dat"))
	assert.NoError(t, err)

	// After a successful Dump, Init is allowed to run again.
	h2, err := Init(config.Config{Capacity: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, h2.buf.Cap())
}

func TestInitRejectsBadPrologue(t *testing.T) {
	resetState()
	defer resetState()

	// RET with no push rbp / mov rbp, rsp: a stripped-down leaf function
	// that never sets up a frame pointer.
	badPrologue := []byte{0xc3}

	_, err := Init(config.Config{Capacity: 8, VerifyPrologues: [][]byte{badPrologue}})
	assert.Error(t, err)
	assert.Nil(t, state.Get())
}

func TestInitAcceptsGoodPrologue(t *testing.T) {
	resetState()
	defer resetState()

	// push rbp; mov rbp, rsp; ret
	goodPrologue := []byte{0x55, 0x48, 0x89, 0xe5, 0xc3}

	h, err := Init(config.Config{Capacity: 8, VerifyPrologues: [][]byte{goodPrologue}})
	require.NoError(t, err)
	require.NotNil(t, h)
}

func TestDisabledTracerProducesEmptyTrace(t *testing.T) {
	resetState()
	defer resetState()

	h, err := Init(config.Config{Capacity: 8})
	require.NoError(t, err)

	dir := t.TempDir()
	_, err = Dump(h, config.DumpOptions{Dir: dir, BinaryName: "demo"})
	require.NoError(t, err)

	assert.Equal(t, []eventbuf.Event{}, h.buf.Snapshot())
	_, err = os.Stat(filepath.Join(dir, "info"))
	assert.NoError(t, err)
}
