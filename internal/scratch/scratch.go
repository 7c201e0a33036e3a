// Package scratch creates the private, uniquely named scratch directory a
// view is constructed in before chroot.
package scratch

import (
	"fmt"
	"os"
)

// New creates a fresh scratch directory under os.TempDir and returns its
// path. Its mode is tightened to 0700 explicitly rather than trusted to
// MkdirTemp's own default, matching the asserted-not-assumed posture the
// rest of this tool takes around permissions.
func New() (string, error) {
	dir, err := os.MkdirTemp(os.TempDir(), "nix-chroot.*")
	if err != nil {
		return "", fmt.Errorf("scratch: creating directory: %w", err)
	}

	if err := os.Chmod(dir, 0700); err != nil {
		return "", fmt.Errorf("scratch: tightening mode of %s: %w", dir, err)
	}

	return dir, nil
}
