// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package archive bundles a completed uftrace trace directory into a
// single .tar.gz, for shipping a trace off the machine it was captured
// on without a directory-of-many-files transfer. It's a natural
// companion to internal/uftrace's directory output, using
// klauspost/compress's gzip over the standard library's wherever trace
// data moves off a machine.
package archive // import "go.hookline.dev/mcount/archive"

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
)

// WriteTarGz writes every regular file directly under dir into a single
// gzip-compressed tar archive at destPath. It does not recurse into
// subdirectories; a uftrace trace directory is always flat.
func WriteTarGz(dir, destPath string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("archive: read %s: %w", dir, err)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("archive: create %s: %w", destPath, err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()

	tw := tar.NewWriter(gz)
	defer tw.Close()

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := addFile(tw, dir, entry.Name()); err != nil {
			return err
		}
	}
	return nil
}

func addFile(tw *tar.Writer, dir, name string) error {
	path := filepath.Join(dir, name)
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("archive: stat %s: %w", path, err)
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("archive: header for %s: %w", path, err)
	}
	hdr.Name = name

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("archive: write header for %s: %w", path, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("archive: write %s: %w", path, err)
	}
	return nil
}
