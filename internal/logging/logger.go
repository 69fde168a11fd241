// Package logging provides structured logging for go-rserve-pool and capture
// of engine process output.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Attribute keys shared by every package that logs about workers and jobs,
// so one worker can be followed across pool, worker and job events.
const (
	KeyWorkerID = "worker_id"
	KeySlot     = "slot"
	KeyPID      = "pid"
	KeyJobID    = "job_id"
)

// NewLogger creates the service logger on stderr.
// Format is "json" (default) or "text"; level is "debug", "info", "warn"
// or "error". Verbose forces debug and adds source locations.
func NewLogger(format, level string, verbose bool) *slog.Logger {
	logLevel := parseLevel(level)
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(newHandler(os.Stderr, format, &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}))
}

// NewLoggerWithWriter creates a logger that writes to w. Unlike NewLogger
// an unknown format falls back to text, which reads better in test output.
func NewLoggerWithWriter(w io.Writer, format, level string) *slog.Logger {
	if strings.ToLower(format) != "json" {
		format = "text"
	}
	return slog.New(newHandler(w, format, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
}

func newHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if strings.ToLower(format) == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// parseLevel converts a string level to slog.Level.
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

// ForWorker returns a child logger carrying a worker's identity.
func ForWorker(logger *slog.Logger, id string, slot, pid int) *slog.Logger {
	return logger.With(KeyWorkerID, id, KeySlot, slot, KeyPID, pid)
}

// ForJob returns a child logger carrying a job id.
func ForJob(logger *slog.Logger, id string) *slog.Logger {
	return logger.With(KeyJobID, id)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// SetDefault sets the default logger for the slog package.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}
