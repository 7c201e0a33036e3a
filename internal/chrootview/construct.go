package chrootview

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/alessio/shellescape"
	"golang.org/x/sys/unix"
)

// Options configures a single call to Construct. The calling process must
// already be running inside its own user and mount namespace (see
// internal/launch) before Construct is invoked: nothing in this package
// calls unshare itself.
type Options struct {
	// StoreDir is the canonicalized directory whose contents will appear
	// at /nix inside the constructed view.
	StoreDir string
	// ScratchDir is the private scratch root the view is built in before
	// chroot.
	ScratchDir string
	// Username identifies the profile directory consulted by
	// profile-relative policy mounts.
	Username string
	// Cwd is the working directory the constructor process started in
	// (inherited from the outer invocation), to be restored (relative to
	// the new root) after chroot.
	Cwd string
	// Command is the child program and its arguments, run via execve once
	// the view is complete.
	Command []string

	Log *slog.Logger
}

// Construct builds the root view inside the caller's already-namespaced
// process and, on success, replaces the process image with Command: it
// only returns on failure.
func Construct(opts Options) error {
	resolver := &Resolver{StoreDir: opts.StoreDir}
	mirror := NewMirror(opts.ScratchDir, resolver, opts.Log)
	applier := &Applier{
		Mirror:   mirror,
		Resolver: resolver,
		StoreDir: opts.StoreDir,
		Username: opts.Username,
		Log:      opts.Log,
	}

	if err := mountOpenGLDriver(applier, opts.StoreDir); err != nil {
		return err
	}

	cfg, err := LoadPolicy(opts.StoreDir)
	if err != nil {
		return err
	}

	if err := applier.ApplyExcludePlaceholders(cfg); err != nil {
		return err
	}
	if err := applier.ApplyProfileMounts(cfg); err != nil {
		return err
	}
	if err := applier.ApplyAbsoluteMounts(cfg); err != nil {
		return err
	}

	if err := mirrorHostRoot(mirror); err != nil {
		return err
	}

	if err := applier.UnmountExcludes(cfg); err != nil {
		return err
	}

	if err := mountStore(mirror, opts.StoreDir); err != nil {
		return err
	}

	opts.Log.Debug("chroot", "root", opts.ScratchDir)
	if err := unix.Chroot(opts.ScratchDir); err != nil {
		return fmt.Errorf("chrootview: chroot %s: %w", opts.ScratchDir, err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chrootview: chdir /: %w", err)
	}

	if opts.Cwd != "" {
		if err := os.Chdir(opts.Cwd); err != nil {
			opts.Log.Warn("couldn't restore working directory inside view", "cwd", opts.Cwd, "err", err)
		}
	}

	return execChild(opts.Log, opts.Command)
}

// mountOpenGLDriver implements spec's special case: if the store carries an
// opengl-driver output, it is bound at a fixed location regardless of
// policy, since GL loaders on the host look for it there unconditionally.
func mountOpenGLDriver(applier *Applier, storeDir string) error {
	src := filepath.Join(storeDir, "var/nix/opengl-driver/lib")

	if _, err := os.Lstat(src); err != nil {
		return nil
	}

	if err := applier.mountExplicit(src, "/run/opengl-driver/lib"); err != nil {
		return fmt.Errorf("chrootview: mounting opengl-driver: %w", err)
	}

	return nil
}

// mirrorHostRoot reproduces every entry of the host root except "nix" (the
// store gets its own dedicated overlay mount in mountStore) into the
// scratch root.
func mirrorHostRoot(mirror *Mirror) error {
	entries, err := os.ReadDir("/")
	if err != nil {
		return fmt.Errorf("chrootview: listing /: %w", err)
	}

	for _, de := range entries {
		if de.Name() == "nix" {
			continue
		}

		if err := mirror.Mirror("", FromDirEntry("/", de.Name())); err != nil {
			return err
		}
	}

	return nil
}

// mountStore creates <scratch>/nix and bind-mounts the store directory over
// it, recursively and with default propagation (StoreFlags), distinct from
// the private propagation used for every other bind mount the mirror engine
// creates.
func mountStore(mirror *Mirror, storeDir string) error {
	const nixDir = "nix"

	if err := mirror.Fs.MkdirAll(nixDir, 0o755); err != nil {
		return fmt.Errorf("chrootview: creating /nix: %w", err)
	}

	dest := filepath.Join(mirror.Root, nixDir)

	mirror.Log.Info("mount store", "src", storeDir, "dst", dest)
	if err := mirror.Mounter.Mount(storeDir, dest, "", StoreFlags); err != nil {
		return fmt.Errorf("chrootview: mounting store %s at %s: %w", storeDir, dest, err)
	}

	return nil
}

// overrideEnv returns env with any existing "key=" entry removed and
// "key=value" appended. A plain append would leave the original entry first
// in the slice, and since os/exec and getenv(3) both return the first match,
// the new value would never actually take effect for a key the caller
// already set.
func overrideEnv(env []string, key, value string) []string {
	prefix := key + "="

	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			continue
		}
		out = append(out, kv)
	}

	return append(out, prefix+value)
}

// execChild replaces the current process image with command, after adding
// NIX_CONF_DIR so Nix itself finds its configuration at the view's /nix
// without the caller having to set it.
func execChild(log *slog.Logger, command []string) error {
	if len(command) == 0 {
		return fmt.Errorf("chrootview: no command given to exec")
	}

	path, err := exec.LookPath(command[0])
	if err != nil {
		return fmt.Errorf("chrootview: resolving %s: %w", command[0], err)
	}

	env := overrideEnv(os.Environ(), "NIX_CONF_DIR", "/nix/etc/nix")

	log.Debug("exec", "argv", shellescape.QuoteCommand(command))

	if err := unix.Exec(path, command, env); err != nil {
		return fmt.Errorf("chrootview: exec %s: %w", path, err)
	}

	return nil
}
