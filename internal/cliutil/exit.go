// Package cliutil provides shared exit-code handling for command entry
// points.
package cliutil

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// ExitCode is an error value that instructs the program to exit with a
// specific exit code.
//
// A layer that already knows the precise exit status it wants (for example
// the parent waiter relaying a child's exit status) should return an
// ExitCode instead of a plain error so that Exit does not misreport it as a
// generic failure.
type ExitCode int

func (e ExitCode) Error() string {
	return fmt.Sprintf("exit code %d", int(e))
}

// Exit terminates the program by calling os.Exit. If err wraps an ExitCode,
// it exits with that code. Otherwise it logs the error at Error level and
// exits 1. A nil err exits 0.
//
// Exit never returns. Deferred calls in the caller do not run; callers that
// need cleanup on the error path must do it before calling Exit.
func Exit(log *slog.Logger, err error) {
	var code ExitCode
	if errors.As(err, &code) {
		os.Exit(int(code))
	}

	if err != nil {
		if log != nil {
			log.Error(err.Error())
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}

	os.Exit(0)
}
