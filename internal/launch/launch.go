// Package launch implements the self re-exec dispatcher: the outer
// nix-user-chroot process cannot safely unshare its own namespaces mid-run
// (the Go runtime may already have spread it across OS threads), so it
// re-executes itself into a fresh process whose namespaces and identity
// mapping are established atomically by the kernel at clone(2) time.
package launch

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// StageEnv marks a re-exec'd process as the constructor continuation.
// cmd/nix-user-chroot checks for its presence before anything else.
const StageEnv = "NIX_USER_CHROOT_INTERNAL_STAGE"

// StageConstruct is the only value StageEnv is ever set to.
const StageConstruct = "construct"

// ScratchEnv and StoreEnv carry the resolved scratch and store directories
// across the re-exec, since the constructor process cannot recompute them
// (the scratch directory in particular is randomly named per invocation).
const (
	ScratchEnv = "NIX_USER_CHROOT_SCRATCH"
	StoreEnv   = "NIX_USER_CHROOT_STORE"
)

// Options carries the state the constructor process needs but cannot
// observe itself after the re-exec.
type Options struct {
	ScratchDir string
	StoreDir   string
	Uid        int
	Gid        int
}

// Relaunch builds the exec.Cmd that re-executes the running binary into a
// fresh user and mount namespace. Argv is left as the original
// [prog, flags..., store-path, command, args...] unchanged: only environment variables and
// SysProcAttr carry the new information, so the constructor's own argv
// handling stays simple.
func Relaunch(opts Options) (*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("launch: locating own binary: %w", err)
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		StageEnv+"="+StageConstruct,
		ScratchEnv+"="+opts.ScratchDir,
		StoreEnv+"="+opts.StoreDir,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS,
		UidMappings: []syscall.SysProcIDMap{{
			ContainerID: opts.Uid,
			HostID:      opts.Uid,
			Size:        1,
		}},
		GidMappings: []syscall.SysProcIDMap{{
			ContainerID: opts.Gid,
			HostID:      opts.Gid,
			Size:        1,
		}},
		GidMappingsEnableSetgroups: false,
	}

	return cmd, nil
}
