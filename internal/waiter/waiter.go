// Package waiter implements the outer nix-user-chroot process: it starts
// the re-exec'd constructor, relays job-control and terminating signals to
// it faithfully, and cleans up the scratch root once the constructor's
// child has exited.
package waiter

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/nix-community/nix-user-chroot-go/internal/fileutil"
)

// Run starts cmd, relays SIGSTOP/SIGCONT and terminating signals between
// this process and it exactly as nix-user-chroot's original waitpid(2) loop
// did, removes scratchDir once the child is no longer running, and returns
// the exit status to use for os.Exit.
//
// cmd.Start, not cmd.Run, is used deliberately: cmd.Run reaps the child as
// soon as it stops being runnable, which would race a WUNTRACED stop report
// against the final exit report and could misreport a suspended child as
// exited.
func Run(log *slog.Logger, cmd *exec.Cmd, scratchDir string) int {
	removed := false
	removeScratch := func() {
		if removed {
			return
		}
		removed = true
		if err := fileutil.RemoveAllWithChmod(scratchDir); err != nil {
			log.Warn("couldn't remove scratch directory", "dir", scratchDir, "err", err)
		}
	}
	defer removeScratch()

	if err := cmd.Start(); err != nil {
		log.Error("starting constructor process", "err", err)
		return 1
	}

	wait4 := func(pid int) (syscall.WaitStatus, error) {
		var status syscall.WaitStatus
		_, err := syscall.Wait4(pid, &status, syscall.WUNTRACED, nil)
		return status, err
	}

	// A terminating signal re-raised on this process ends it before the
	// deferred removal could run, so the scratch root is removed first.
	kill := func(pid int, sig syscall.Signal) error {
		if pid == os.Getpid() && sig != syscall.SIGSTOP {
			removeScratch()
		}
		return syscall.Kill(pid, sig)
	}

	return waitLoop(log, cmd.Process.Pid, wait4, kill)
}

// wait4Func abstracts syscall.Wait4 so the relay logic below can be driven
// by a scripted sequence of statuses in tests, without a real child process.
type wait4Func func(pid int) (syscall.WaitStatus, error)

// killFunc abstracts syscall.Kill for the same reason.
type killFunc func(pid int, sig syscall.Signal) error

func waitLoop(log *slog.Logger, pid int, wait4 wait4Func, kill killFunc) int {
	for {
		status, err := wait4(pid)
		if err != nil {
			log.Error("wait4 failed", "err", err)
			return 1
		}

		switch {
		case status.Stopped():
			sig := status.StopSignal()
			if sig == syscall.SIGSTOP {
				_ = kill(os.Getpid(), syscall.SIGSTOP)
			}
			_ = kill(pid, syscall.SIGCONT)
			continue

		case status.Signaled():
			sig := status.Signal()
			if err := kill(os.Getpid(), sig); err != nil {
				log.Error("relaying signal to self", "signal", sig, "err", err)
			}
			return 128 + int(sig)

		case status.Exited():
			return status.ExitStatus()

		default:
			log.Error(fmt.Sprintf("unexpected wait status: %v", status))
			return 1
		}
	}
}
