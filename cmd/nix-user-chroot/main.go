// Command nix-user-chroot presents an arbitrary directory as /nix inside a
// private, unprivileged view and execs a command inside it.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/nix-community/nix-user-chroot-go/internal/chrootview"
	"github.com/nix-community/nix-user-chroot-go/internal/cliutil"
	"github.com/nix-community/nix-user-chroot-go/internal/launch"
	"github.com/nix-community/nix-user-chroot-go/internal/scratch"
	"github.com/nix-community/nix-user-chroot-go/internal/waiter"
	"github.com/nix-community/nix-user-chroot-go/internal/xlog"
)

var flagVerbose = &cli.BoolFlag{
	Name:    "verbose",
	Aliases: []string{"v"},
	Usage:   "log every mirror action and the final exec command line",
}

var flagLogJSON = &cli.BoolFlag{
	Name:  "log-json",
	Usage: "emit structured JSON logs instead of colorized text",
}

var app = &cli.App{
	Name:      "nix-user-chroot",
	Usage:     "run a command inside a view with an arbitrary directory mounted at /nix",
	ArgsUsage: "<store-path> <command> [args...]",
	Flags: []cli.Flag{
		flagVerbose,
		flagLogJSON,
	},
	Action: run,
}

func run(c *cli.Context) error {
	log := xlog.New(os.Stderr, xlog.Options{
		Verbose: c.Bool(flagVerbose.Name),
		JSON:    c.Bool(flagLogJSON.Name),
	})

	args := c.Args().Slice()

	var err error
	if os.Getenv(launch.StageEnv) == launch.StageConstruct {
		err = runConstructor(log, args)
	} else {
		err = runWaiter(log, args)
	}

	cliutil.Exit(log, err)
	return nil
}

// runWaiter is the entry point for the original, unprivileged invocation:
// it validates arguments, prepares the scratch root, re-execs itself into a
// fresh namespace, and waits on the result.
func runWaiter(log *slog.Logger, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: nix-user-chroot <store-path> <command> [args...]")
	}

	storeDir, err := filepath.EvalSymlinks(args[0])
	if err != nil {
		return fmt.Errorf("resolving store path %s: %w", args[0], err)
	}
	storeDir, err = filepath.Abs(storeDir)
	if err != nil {
		return fmt.Errorf("resolving store path %s: %w", args[0], err)
	}

	scratchDir, err := scratch.New()
	if err != nil {
		return err
	}

	cmd, err := launch.Relaunch(launch.Options{
		ScratchDir: scratchDir,
		StoreDir:   storeDir,
		Uid:        os.Getuid(),
		Gid:        os.Getgid(),
	})
	if err != nil {
		return err
	}

	code := waiter.Run(log, cmd, scratchDir)

	return cliutil.ExitCode(code)
}

// runConstructor is the entry point for the re-exec'd, already-namespaced
// continuation process.
func runConstructor(log *slog.Logger, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: nix-user-chroot <store-path> <command> [args...]")
	}

	cwd, err := os.Getwd()
	if err != nil {
		cwd = "/"
	}

	username := "nobody"
	if u, err := user.Current(); err == nil {
		username = u.Username
	}

	return chrootview.Construct(chrootview.Options{
		StoreDir:   os.Getenv(launch.StoreEnv),
		ScratchDir: os.Getenv(launch.ScratchEnv),
		Username:   username,
		Cwd:        cwd,
		Command:    args[1:],
		Log:        log,
	})
}

func main() {
	cliutil.Exit(nil, app.Run(os.Args))
}
