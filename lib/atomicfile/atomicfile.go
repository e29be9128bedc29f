// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package atomicfile replaces files so that readers see either the old
// content or the new content, never a partial write. The room server
// uses it for the signing key, which must never be left truncated.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// Write writes data to a temporary file next to path, syncs it and
// renames it into place with the given permissions. The parent
// directory must exist.
func Write(path string, data []byte, perm os.FileMode) error {
	temporary, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temporary file for %s: %w", path, err)
	}
	temporaryPath := temporary.Name()
	fail := func(step string, err error) error {
		temporary.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("%s %s: %w", step, path, err)
	}

	if err := temporary.Chmod(perm); err != nil {
		return fail("setting mode of", err)
	}
	if _, err := temporary.Write(data); err != nil {
		return fail("writing", err)
	}
	if err := temporary.Sync(); err != nil {
		return fail("syncing", err)
	}
	if err := temporary.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming into %s: %w", path, err)
	}

	// Persist the rename itself.
	if directory, err := os.Open(filepath.Dir(path)); err == nil {
		directory.Sync()
		directory.Close()
	}
	return nil
}
