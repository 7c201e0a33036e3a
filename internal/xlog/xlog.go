// Package xlog builds the process-wide slog.Logger used across
// nix-user-chroot-go, rendering human-readable colorized output by default
// and structured JSON when scripted.
package xlog

import (
	"io"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
)

// Options configures the logger.
type Options struct {
	// Verbose raises the minimum level to Debug.
	Verbose bool
	// JSON switches the handler to slog.NewJSONHandler.
	JSON bool
}

// New builds a logger writing to w.
func New(w io.Writer, opts Options) *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		})
	}

	return slog.New(handler)
}
