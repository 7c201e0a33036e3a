package chrootview

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/pelletier/go-toml/v2"
)

// PolicyPath is where an optional mount policy is read from, relative to
// the store directory.
const PolicyPath = "etc/nix-user-chroot/path-config.toml"

// PathConfig is the declarative mount policy loaded from
// <store>/etc/nix-user-chroot/path-config.toml. A nil *PathConfig is
// equivalent to an empty policy.
type PathConfig struct {
	Excludes struct {
		Paths []string `toml:"paths"`
	} `toml:"excludes"`
	// Profile maps a profile-relative source path to an absolute
	// destination path inside the view.
	Profile map[string]string `toml:"profile"`
	// Absolute maps an absolute host source path to an absolute
	// destination path inside the view.
	Absolute map[string]string `toml:"absolute"`
}

// LoadPolicy reads and decodes the policy file under storeDir. A missing
// file is not an error: it returns (nil, nil), matching spec's "absence is
// equivalent to empty policy".
func LoadPolicy(storeDir string) (*PathConfig, error) {
	path := filepath.Join(storeDir, PolicyPath)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chrootview: reading policy %s: %w", path, err)
	}

	var cfg PathConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("chrootview: parsing policy %s: %w", path, err)
	}

	return &cfg, nil
}

// Applier schedules Mount entries driven by a PathConfig into a Mirror, in
// the order spec's policy applier requires: exclude placeholders, then
// profile-relative mounts, then absolute mounts.
type Applier struct {
	Mirror   *Mirror
	Resolver *Resolver
	StoreDir string
	Username string
	Log      *slog.Logger
}

// ApplyExcludePlaceholders mirrors /dev/null onto every excluded
// destination, so the default host-root mirror pass below sees those
// destinations as already present and skips them.
func (a *Applier) ApplyExcludePlaceholders(cfg *PathConfig) error {
	if cfg == nil {
		return nil
	}

	for _, dest := range cfg.Excludes.Paths {
		if err := a.mountExplicit(devNull, dest); err != nil {
			return fmt.Errorf("chrootview: exclude placeholder %s: %w", dest, err)
		}
	}

	return nil
}

// ApplyProfileMounts locates the requesting user's Nix profile inside the
// store and mirrors each configured profile-relative mount. If the profile
// cannot be located, it warns and returns nil — profile mounts are skipped,
// but excludes and absolute mounts still apply.
func (a *Applier) ApplyProfileMounts(cfg *PathConfig) error {
	if cfg == nil || len(cfg.Profile) == 0 {
		return nil
	}

	profileDir := filepath.Join(a.StoreDir, "var/nix/profiles/per-user", a.Username, "profile")

	resolved, err := a.Resolver.Resolve(profileDir, false)
	if err != nil {
		a.Log.Warn("couldn't find a profile for user; skipping profile mounts", "user", a.Username, "err", err)
		return nil
	}

	for profRel, dest := range cfg.Profile {
		profRel = strings.TrimPrefix(profRel, "/")

		src, err := securejoin.SecureJoin(resolved, profRel)
		if err != nil {
			return fmt.Errorf("chrootview: joining profile mount %s: %w", profRel, err)
		}

		if err := a.mountExplicit(src, dest); err != nil {
			return fmt.Errorf("chrootview: profile mount %s -> %s: %w", profRel, dest, err)
		}
	}

	return nil
}

// ApplyAbsoluteMounts mirrors each configured absolute source/destination
// pair directly.
func (a *Applier) ApplyAbsoluteMounts(cfg *PathConfig) error {
	if cfg == nil {
		return nil
	}

	for src, dest := range cfg.Absolute {
		if !filepath.IsAbs(src) {
			return fmt.Errorf("chrootview: absolute mount source %q is not an absolute path", src)
		}

		if err := a.mountExplicit(src, dest); err != nil {
			return fmt.Errorf("chrootview: absolute mount %s -> %s: %w", src, dest, err)
		}
	}

	return nil
}

// UnmountExcludes unmounts every exclude placeholder after the default
// host-root mirror pass has run, leaving a sacrificial zero-byte file at
// each excluded destination.
func (a *Applier) UnmountExcludes(cfg *PathConfig) error {
	if cfg == nil {
		return nil
	}

	for _, dest := range cfg.Excludes.Paths {
		rel := strings.TrimPrefix(dest, "/")
		abs := filepath.Join(a.Mirror.Root, rel)

		a.Log.Info("unbind exclude placeholder", "dst", dest)
		if err := a.Mirror.Mounter.Unmount(abs); err != nil {
			return fmt.Errorf("chrootview: unmounting exclude %s: %w", dest, err)
		}
	}

	return nil
}

// mountExplicit creates dest's parent directory tree inside the scratch
// root and mirrors src onto dest, an Explicit entry whose destination file
// name may differ from src's own.
func (a *Applier) mountExplicit(src, dest string) error {
	if !filepath.IsAbs(dest) {
		return fmt.Errorf("chrootview: mount destination %q is not an absolute path", dest)
	}

	relParent := strings.TrimPrefix(filepath.Dir(dest), "/")
	if relParent == "." {
		relParent = ""
	}

	if err := a.Mirror.Fs.MkdirAll(relParent, 0o755); err != nil {
		return fmt.Errorf("chrootview: creating %s: %w", relParent, err)
	}

	entry := FromExplicit(src, filepath.Base(dest))

	return a.Mirror.Mirror(relParent, entry)
}
