package chrootview

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_LoadPolicy_MissingFile_ReturnsNilNil(t *testing.T) {
	t.Parallel()

	storeDir := t.TempDir()

	cfg, err := LoadPolicy(storeDir)
	require.NoError(t, err)
	require.Nil(t, cfg)
}

func Test_LoadPolicy_DecodesAllThreeSections(t *testing.T) {
	t.Parallel()

	storeDir := t.TempDir()
	dir := filepath.Join(storeDir, "etc", "nix-user-chroot")
	require.NoError(t, os.MkdirAll(dir, 0755))

	doc := `
[excludes]
paths = ["/etc/resolv.conf"]

[profile]
"bin/tool" = "/usr/local/bin/tool"

[absolute]
"/opt/extra" = "/opt/extra"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "path-config.toml"), []byte(doc), 0644))

	cfg, err := LoadPolicy(storeDir)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.Equal(t, []string{"/etc/resolv.conf"}, cfg.Excludes.Paths)
	require.Equal(t, "/usr/local/bin/tool", cfg.Profile["bin/tool"])
	require.Equal(t, "/opt/extra", cfg.Absolute["/opt/extra"])
}

func Test_ApplyExcludePlaceholders_MirrorsDevNullOntoEachDestination(t *testing.T) {
	t.Parallel()

	m, mounter, _ := newTestMirror(t, "/store")
	a := &Applier{
		Mirror:   m,
		Resolver: m.Resolver,
		StoreDir: "/store",
		Username: "alice",
		Log:      slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}

	cfg := &PathConfig{}
	cfg.Excludes.Paths = []string{"/etc/resolv.conf"}

	require.NoError(t, a.ApplyExcludePlaceholders(cfg))

	_, err := m.Fs.Stat("etc/resolv.conf")
	require.NoError(t, err)
	require.Len(t, mounter.mounts, 1)
	require.Equal(t, devNull, mounter.mounts[0].source)
}

func Test_ApplyAbsoluteMounts_RejectsRelativeSource(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestMirror(t, "/store")
	a := &Applier{
		Mirror:   m,
		Resolver: m.Resolver,
		StoreDir: "/store",
		Username: "alice",
		Log:      slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}

	cfg := &PathConfig{Absolute: map[string]string{"relative/path": "/dst"}}

	err := a.ApplyAbsoluteMounts(cfg)
	require.Error(t, err)
}

func Test_ApplyProfileMounts_NoResolvableProfile_WarnsAndSkipsWithoutError(t *testing.T) {
	t.Parallel()

	m, mounter, _ := newTestMirror(t, "/store")
	a := &Applier{
		Mirror:   m,
		Resolver: m.Resolver,
		StoreDir: "/store",
		Username: "ghost-user-that-does-not-exist",
		Log:      slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}

	cfg := &PathConfig{Profile: map[string]string{"bin/tool": "/usr/local/bin/tool"}}

	require.NoError(t, a.ApplyProfileMounts(cfg))
	require.Empty(t, mounter.mounts)
}

func Test_UnmountExcludes_UnmountsEachPlaceholderByRealPath(t *testing.T) {
	t.Parallel()

	m, mounter, _ := newTestMirror(t, "/store")
	a := &Applier{
		Mirror:   m,
		Resolver: m.Resolver,
		StoreDir: "/store",
		Username: "alice",
		Log:      slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}

	cfg := &PathConfig{}
	cfg.Excludes.Paths = []string{"/etc/resolv.conf"}

	require.NoError(t, a.UnmountExcludes(cfg))
	require.Equal(t, []string{filepath.Join(m.Root, "etc/resolv.conf")}, mounter.unmounted)
}
