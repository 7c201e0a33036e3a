package chrootview

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned by Resolver.Resolve when a dangling symlink chain
// cannot be explained by a /nix-prefixed ancestor.
var ErrNotFound = errors.New("chrootview: path not found")

// Resolver rewrites symlinks that point under /nix to instead point under a
// caller-supplied store directory. It holds no other state and is safe for
// concurrent use.
type Resolver struct {
	// StoreDir is the canonicalized absolute path whose contents will
	// appear at /nix inside the constructed view.
	StoreDir string
}

const nixPrefix = "/nix"

// hasNixPrefix reports whether p's leading path component is exactly "nix"
// under the root, i.e. p is "/nix" or begins with "/nix/". A raw
// strings.HasPrefix(p, "/nix") would also match "/nixos" or "/nix-extra",
// which are unrelated paths that must not be rewritten against the store
// directory.
func hasNixPrefix(p string) bool {
	return p == nixPrefix || strings.HasPrefix(p, nixPrefix+string(filepath.Separator))
}

// cutNixPrefix strips a component-boundary-respecting "/nix" prefix from p,
// returning the remainder (always empty or starting with a separator) and
// whether the prefix was present.
func cutNixPrefix(p string) (rest string, ok bool) {
	if !hasNixPrefix(p) {
		return "", false
	}
	return strings.TrimPrefix(p, nixPrefix), true
}

// Resolve resolves p, rewriting any symlink target that begins with /nix to
// instead begin with r.StoreDir, recursively.
//
// When stopAtFirstNonNix is true, resolution stops as soon as a symlink
// target is encountered that does not begin with /nix, returning that
// target unchanged instead of continuing to resolve it. This is used when
// mirroring a symlink verbatim into the scratch root: only nix-prefixed
// segments are rewritten, preserving the symlink's original semantics for
// everything else.
//
// When p itself does not exist and is not a symlink, Resolve peels
// components off the tail looking for an ancestor symlink whose target
// begins with /nix; if none is found, it returns ErrNotFound.
func (r *Resolver) Resolve(p string, stopAtFirstNonNix bool) (string, error) {
	info, err := os.Lstat(p)
	if err == nil && info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(p)
		if err != nil {
			return "", fmt.Errorf("chrootview: reading link %s: %w", p, err)
		}

		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(p), target)
		}

		rest, isNix := cutNixPrefix(target)
		if isNix {
			next := filepath.Join(r.StoreDir, rest)
			return r.Resolve(next, stopAtFirstNonNix)
		}

		if stopAtFirstNonNix {
			return target, nil
		}

		return r.Resolve(target, stopAtFirstNonNix)
	}

	if err == nil {
		return p, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("chrootview: stat %s: %w", p, err)
	}

	// p does not exist. Peel components off the tail looking for a
	// symlinked ancestor pointing into /nix; this is the bad O(depth^2)
	// path, acceptable because paths involved are short and this branch
	// is rare (only dangling /nix/store symlink chains hit it).
	parts := strings.Split(filepath.Clean(p), string(filepath.Separator))
	for i := len(parts) - 1; i > 0; i-- {
		ancestor := strings.Join(parts[:i], string(filepath.Separator))
		if ancestor == "" {
			ancestor = string(filepath.Separator)
		}

		ancestorInfo, lerr := os.Lstat(ancestor)
		if lerr != nil || ancestorInfo.Mode()&os.ModeSymlink == 0 {
			continue
		}

		target, rerr := os.Readlink(ancestor)
		if rerr != nil || !hasNixPrefix(target) {
			continue
		}

		resolvedAncestor, rerr := r.Resolve(ancestor, stopAtFirstNonNix)
		if rerr != nil {
			continue
		}

		suffix := filepath.Join(parts[i:]...)
		return r.Resolve(filepath.Join(resolvedAncestor, suffix), stopAtFirstNonNix)
	}

	return "", fmt.Errorf("chrootview: resolving %s: %w", p, ErrNotFound)
}
