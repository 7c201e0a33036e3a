package chrootview

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

type mountCall struct {
	source, target, fstype string
	flags                  uintptr
}

type fakeMounter struct {
	mounts    []mountCall
	unmounted []string
}

func (f *fakeMounter) Mount(source, target, fstype string, flags uintptr) error {
	f.mounts = append(f.mounts, mountCall{source, target, fstype, flags})
	return nil
}

func (f *fakeMounter) Unmount(target string) error {
	f.unmounted = append(f.unmounted, target)
	return nil
}

type fakeSymlinker struct {
	links map[string]string
}

func (f *fakeSymlinker) Symlink(target, linkPath string) error {
	if f.links == nil {
		f.links = map[string]string{}
	}
	f.links[linkPath] = target
	return nil
}

func newTestMirror(t *testing.T, storeDir string) (*Mirror, *fakeMounter, *fakeSymlinker) {
	t.Helper()

	scratchRoot := t.TempDir()
	mounter := &fakeMounter{}
	symlinker := &fakeSymlinker{}

	m := &Mirror{
		Root:     scratchRoot,
		Fs:       afero.NewBasePathFs(afero.NewOsFs(), scratchRoot),
		Resolver: &Resolver{StoreDir: storeDir},
		Mounter:  mounter,
		Symlink:  symlinker,
		Log:      slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}

	return m, mounter, symlinker
}

func Test_Mirror_RegularFile_CreatesPlaceholderAndBinds(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "passwd"), []byte("root:x:0:0"), 0644))

	m, mounter, _ := newTestMirror(t, "/store")

	err := m.Mirror("", FromDirEntry(src, "passwd"))
	require.NoError(t, err)

	info, err := m.Fs.Stat("passwd")
	require.NoError(t, err)
	require.False(t, info.IsDir())

	require.Len(t, mounter.mounts, 1)
	require.Equal(t, filepath.Join(src, "passwd"), mounter.mounts[0].source)
}

func Test_Mirror_Directory_BindsFreshDestination(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "usr", "bin"), 0755))

	m, mounter, _ := newTestMirror(t, "/store")

	err := m.Mirror("", FromDirEntry(src, "usr"))
	require.NoError(t, err)

	info, err := m.Fs.Stat("usr")
	require.NoError(t, err)
	require.True(t, info.IsDir())

	require.Len(t, mounter.mounts, 1)
	require.Equal(t, filepath.Join(src, "usr"), mounter.mounts[0].source)
}

func Test_Mirror_DirectoryAlreadyExists_MergesChildrenInsteadOfRebinding(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "etc"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "etc", "hosts"), []byte("127.0.0.1"), 0644))

	m, mounter, _ := newTestMirror(t, "/store")

	// Pre-create the destination directory so the merge path is taken
	// rather than the fresh-bind path.
	require.NoError(t, m.Fs.Mkdir("etc", 0755))

	err := m.Mirror("", FromDirEntry(src, "etc"))
	require.NoError(t, err)

	_, err = m.Fs.Stat("etc/hosts")
	require.NoError(t, err)

	// The directory itself was never bind-mounted, only its child file.
	require.Len(t, mounter.mounts, 1)
	require.Equal(t, filepath.Join(src, "etc", "hosts"), mounter.mounts[0].source)
}

func Test_Mirror_Symlink_RecreatedVerbatimWithStopAtFirstNonNix(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	require.NoError(t, os.Symlink("/usr/bin/env", filepath.Join(src, "env")))

	m, _, symlinker := newTestMirror(t, "/store")

	err := m.Mirror("", FromDirEntry(src, "env"))
	require.NoError(t, err)

	require.Equal(t, "/usr/bin/env", symlinker.links[filepath.Join(m.Root, "env")])
}

func Test_Mirror_ExplicitEntryDestinationFileName_OverridesSourceBaseName(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "profile-bin"), []byte("x"), 0755))

	m, mounter, _ := newTestMirror(t, "/store")

	err := m.Mirror("", FromExplicit(filepath.Join(src, "profile-bin"), "renamed"))
	require.NoError(t, err)

	_, err = m.Fs.Stat("renamed")
	require.NoError(t, err)

	require.Len(t, mounter.mounts, 1)
	require.Equal(t, filepath.Join(src, "profile-bin"), mounter.mounts[0].source)
}

func Test_Mirror_ExistingDestinationFile_IsIdempotent(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "f"), []byte("x"), 0644))

	m, mounter, _ := newTestMirror(t, "/store")

	require.NoError(t, afero.WriteFile(m.Fs, "f", []byte("already-here"), 0644))

	err := m.Mirror("", FromDirEntry(src, "f"))
	require.NoError(t, err)
	require.Empty(t, mounter.mounts)
}
