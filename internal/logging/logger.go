// Package logging builds the slog loggers used by every command.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Init returns a text logger on stdout tagged with component. When file is
// set, output is duplicated into it; the returned closer must be closed on
// shutdown.
func Init(component, level, file string) (*slog.Logger, io.Closer) {
	return InitTo(os.Stdout, component, level, file)
}

// InitTo is Init with a different console writer.
func InitTo(console io.Writer, component, level, file string) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var out io.Writer = console
	var closer io.Closer = io.NopCloser(nil)
	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err == nil {
			f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				out = io.MultiWriter(console, f)
				closer = f
			} else {
				slog.New(slog.NewTextHandler(console, opts)).
					Error("failed to open log file; falling back to stdout only", "error", err)
			}
		}
	}

	logger := slog.New(slog.NewTextHandler(out, opts)).With("component", component)

	// keep the stdlib log package on the same writer
	log.SetOutput(out)
	return logger, closer
}

// Discard returns a logger that drops everything, for tests and optional wiring.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
