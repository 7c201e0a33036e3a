// Package chrootview implements the root-view construction engine: the
// subsystem that mirrors a host filesystem tree into a scratch root,
// overlays a Nix store at /nix, applies an optional mount policy, and execs
// a child command inside the resulting view.
//
// Everything under this package runs inside the already-namespaced
// constructor process (see internal/launch); nothing here calls unshare
// itself.
package chrootview

import "path/filepath"

// EntryKind distinguishes the two origins a Mount entry can have. The
// mirror engine never branches on it; FileName and SourcePath are handled
// uniformly regardless of origin.
type EntryKind int

const (
	// Mirrored entries come from reading a live host directory: the
	// destination's final component is always the source's own name.
	Mirrored EntryKind = iota
	// Explicit entries are an explicit source path paired with a
	// (possibly different) destination file name, used for profile and
	// absolute policy mounts where the destination's last component
	// need not match the source's.
	Explicit
)

// Entry is a single thing the mirror engine may reproduce into the scratch
// root: either a host directory entry encountered while walking a
// directory, or an explicit source/destination pair coming from a policy
// mount. Both expose FileName and SourcePath uniformly so the mirror engine
// does not need to branch on origin.
type Entry struct {
	Kind EntryKind

	// FileName is the final path component the entry will have at its
	// destination.
	FileName string

	// SourcePath is the absolute host path to read from. Metadata lookups
	// against SourcePath must never follow a trailing symlink (the mirror
	// engine needs to see symlinks as symlinks), so callers use os.Lstat,
	// never os.Stat.
	SourcePath string
}

// FromDirEntry builds a Mirrored Entry for a child of dir discovered via
// os.ReadDir.
func FromDirEntry(dir string, name string) Entry {
	return Entry{
		Kind:       Mirrored,
		FileName:   name,
		SourcePath: filepath.Join(dir, name),
	}
}

// FromExplicit builds an Explicit Entry for a policy-driven mount, where the
// destination's file name may differ from the source's.
func FromExplicit(sourcePath, dstFileName string) Entry {
	return Entry{
		Kind:       Explicit,
		FileName:   dstFileName,
		SourcePath: sourcePath,
	}
}

// withSourcePath returns a copy of e rewritten to read from a different
// source path (used once a /nix-prefixed source has been resolved against
// the store directory), preserving the original destination file name.
func (e Entry) withSourcePath(p string) Entry {
	e.SourcePath = p
	e.Kind = Explicit
	return e
}
