// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"archive/tar"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteTarGzBundlesFlatDirectory(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "info"), []byte("hdr"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "1.dat"), []byte{1, 2, 3, 4}, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(src, "ignored-subdir"), 0o755))

	dest := filepath.Join(t.TempDir(), "trace.tar.gz")
	require.NoError(t, WriteTarGz(src, dest))

	f, err := os.Open(dest)
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()

	tr := tar.NewReader(gz)
	names := map[string]bool{}
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		names[hdr.Name] = true
	}

	assert.True(t, names["info"])
	assert.True(t, names["1.dat"])
	assert.False(t, names["ignored-subdir"])
}
