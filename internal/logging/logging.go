// Package logging configures the process-wide slog logger.
//
// Interactive terminals get human-readable text output; everything else
// (pipes, service managers, CI) gets JSON so log collectors can ingest
// the stream without a parsing step.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Options control handler selection and verbosity.
type Options struct {
	// Level is the minimum level to emit: debug, info, warn, error.
	// Unknown values fall back to info.
	Level string

	// ForceJSON emits JSON records even on a terminal.
	ForceJSON bool

	// Quiet raises the minimum level to error regardless of Level.
	Quiet bool

	// Output overrides the destination. Defaults to os.Stderr.
	Output io.Writer
}

// Setup builds a logger from opts, installs it as the slog default and
// returns it.
func Setup(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	level := ParseLevel(opts.Level)
	if opts.Quiet {
		level = slog.LevelError
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if opts.ForceJSON || !writerIsTerminal(out) {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func writerIsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
