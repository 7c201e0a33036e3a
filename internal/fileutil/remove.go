// Package fileutil provides filesystem cleanup helpers the waiter uses once
// a constructed view is torn down.
package fileutil

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// RemoveAllWithChmod removes path, chmod'ing every directory under it to
// 0700 first. Scratch roots accumulate exclude-placeholder directories and
// policy-driven mount points that may have arrived with a mode the invoking
// user cannot otherwise unlink.
//
// This only ever touches directories inside path itself, never path's
// parent: a scratch root's parent is the shared system temp directory
// (world-writable, sticky-bit 1777), not a privately owned sandbox
// directory, so chmod'ing it would briefly lock out every other user and
// process on the system, and concurrent invocations racing the same
// save/restore could leave it stuck at 0700.
func RemoveAllWithChmod(path string) error {
	if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}

	if err := filepath.WalkDir(path, func(p string, info fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}

		fi, err := info.Info()
		if err != nil {
			return err
		}
		if fi.Mode().Perm()&0700 == 0700 {
			return nil
		}

		return os.Chmod(p, 0700)
	}); err != nil {
		return err
	}

	return os.RemoveAll(path)
}
