package chrootview

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

const devNull = "/dev/null"

// Mirror reproduces host filesystem entries into a scratch root as bind
// mounts, placeholder files, or verbatim symlinks.
//
// Fs addresses the scratch root's own directory/file structure (mkdir,
// placeholder-file creation, existence checks) and is an afero.Fs so the
// decision logic below can be exercised against an in-memory filesystem in
// tests. Mounter and Symlinker cover the two operations afero has no
// equivalent for (mount(2)/umount(2) and symlink(2)); production code wires
// real implementations, tests wire recording fakes.
type Mirror struct {
	// Root is the real, absolute host path the scratch root lives at. It
	// exists alongside Fs because afero.BasePathFs does not expose its own
	// base path, and the mount(2), umount(2) and symlink(2) calls need real
	// paths: the kernel resolves a relative path against the working
	// directory, not against the scratch root.
	Root     string
	Fs       afero.Fs
	Resolver *Resolver
	Mounter  Mounter
	Symlink  Symlinker
	Log      *slog.Logger
}

// NewMirror builds a Mirror wired to the real filesystem and real
// mount/symlink syscalls, rooted at the scratch directory scratchRoot.
func NewMirror(scratchRoot string, resolver *Resolver, log *slog.Logger) *Mirror {
	return &Mirror{
		Root:     scratchRoot,
		Fs:       afero.NewBasePathFs(afero.NewOsFs(), scratchRoot),
		Resolver: resolver,
		Mounter:  NewRealMounter(),
		Symlink:  NewRealSymlinker(),
		Log:      log,
	}
}

type pendingEntry struct {
	destDir string
	entry   Entry
}

// Mirror reproduces entry (and, if it turns out to be a directory merging
// into an existing destination, its descendants) under destDir, which is a
// path relative to the scratch root (Mirror.Fs), e.g. "" for the scratch
// root itself or "run/opengl-driver" for a nested mount.
//
// Directory-merge fan-out is driven by an explicit work stack rather than
// Go call-stack recursion, so the worst case (the deepest shared prefix
// between the host root and the scratch root) never grows the goroutine
// stack.
func (m *Mirror) Mirror(destDir string, entry Entry) error {
	stack := []pendingEntry{{destDir, entry}}

	for len(stack) > 0 {
		n := len(stack) - 1
		cur := stack[n]
		stack = stack[:n]

		e, err := m.resolveIfNix(cur.entry)
		if err != nil {
			return err
		}

		stat, err := os.Lstat(e.SourcePath)
		if err != nil {
			return fmt.Errorf("chrootview: stat %s: %w", e.SourcePath, err)
		}

		switch {
		case stat.IsDir():
			more, err := m.mirrorDirStep(cur.destDir, e)
			if err != nil {
				return err
			}
			stack = append(stack, more...)

		case e.SourcePath == devNull || stat.Mode().IsRegular():
			if err := m.mirrorFile(cur.destDir, e); err != nil {
				return err
			}

		case stat.Mode()&os.ModeSymlink != 0:
			if err := m.mirrorSymlink(cur.destDir, e); err != nil {
				return err
			}

		default:
			return fmt.Errorf("chrootview: don't know how to mirror %s (mode %s)", e.SourcePath, stat.Mode())
		}
	}

	return nil
}

// resolveIfNix rewrites e's source path against the store directory when it
// begins with /nix, so the engine can stat a path that does not exist on
// the host until the store is conceptually mapped onto it.
func (m *Mirror) resolveIfNix(e Entry) (Entry, error) {
	if !hasNixPrefix(e.SourcePath) {
		return e, nil
	}

	resolved, err := m.Resolver.Resolve(e.SourcePath, true)
	if err != nil {
		return Entry{}, fmt.Errorf("chrootview: resolving nix source %s: %w", e.SourcePath, err)
	}

	return e.withSourcePath(resolved), nil
}

// mirrorDirStep implements the directory case of the mirror contract: bind
// a fresh destination, or, if the destination already exists as a
// directory, return the source's children as further work so the merge
// proceeds without recursing.
func (m *Mirror) mirrorDirStep(destDir string, e Entry) ([]pendingEntry, error) {
	destPath := filepath.Join(destDir, e.FileName)

	exists, info, err := m.statDest(destPath)
	if err != nil {
		return nil, err
	}

	if !exists {
		if err := m.Fs.Mkdir(destPath, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("chrootview: creating %s: %w", destPath, err)
		}

		m.Log.Info("bind directory", "src", e.SourcePath, "dst", destPath)
		m.bindMount(e.SourcePath, destPath)

		return nil, nil
	}

	if !info.IsDir() {
		// Destination exists but is not a directory: nothing sensible to
		// merge into, leave it alone.
		return nil, nil
	}

	children, err := os.ReadDir(e.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("chrootview: listing %s: %w", e.SourcePath, err)
	}

	more := make([]pendingEntry, 0, len(children))
	for _, de := range children {
		more = append(more, pendingEntry{destPath, FromDirEntry(e.SourcePath, de.Name())})
	}

	return more, nil
}

// mirrorFile implements the file case: a zero-byte placeholder bind-mounted
// over by the source, created only if the destination does not already
// exist.
func (m *Mirror) mirrorFile(destDir string, e Entry) error {
	destPath := filepath.Join(destDir, e.FileName)

	exists, _, err := m.statDest(destPath)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	f, err := m.Fs.Create(destPath)
	if err != nil {
		return fmt.Errorf("chrootview: creating placeholder %s: %w", destPath, err)
	}
	f.Close()

	m.Log.Info("bind file", "src", e.SourcePath, "dst", destPath)
	m.bindMount(e.SourcePath, destPath)

	return nil
}

// mirrorSymlink implements the symlink case: resolve the link target in
// stop-at-first-non-nix mode and recreate it verbatim, only if the
// destination does not already exist.
func (m *Mirror) mirrorSymlink(destDir string, e Entry) error {
	destPath := filepath.Join(destDir, e.FileName)

	exists, _, err := m.statDest(destPath)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	target, err := m.Resolver.Resolve(e.SourcePath, true)
	if err != nil {
		return fmt.Errorf("chrootview: resolving symlink %s: %w", e.SourcePath, err)
	}

	m.Log.Info("mirror symlink", "src", target, "dst", destPath)

	if err := m.Symlink.Symlink(target, filepath.Join(m.Root, destPath)); err != nil {
		return fmt.Errorf("chrootview: creating symlink %s -> %s: %w", destPath, target, err)
	}

	return nil
}

// statDest reports whether path exists under Fs, tolerating "does not
// exist" as a non-error false.
func (m *Mirror) statDest(path string) (bool, os.FileInfo, error) {
	info, err := m.Fs.Stat(path)
	if err == nil {
		return true, info, nil
	}
	if os.IsNotExist(err) {
		return false, nil, nil
	}

	return false, nil, fmt.Errorf("chrootview: stat %s: %w", path, err)
}

// bindMount bind-mounts source onto dest, a path relative to the scratch
// root, logging and tolerating failure: some host paths (FUSE mounts,
// restricted /proc entries) may legitimately refuse to bind, and the rest
// of the mirror pass should still proceed.
func (m *Mirror) bindMount(source, dest string) {
	if err := m.Mounter.Mount(source, filepath.Join(m.Root, dest), "", BindFlags); err != nil {
		m.Log.Warn("bind mount failed", "src", source, "dst", dest, "err", err)
	}
}
