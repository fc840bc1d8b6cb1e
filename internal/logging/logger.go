// Package logging provides structured logging configuration using log/slog.
//
// This package integrates with chi's RequestID middleware to propagate
// request IDs through structured log entries, and builds per-job loggers
// for the background import runs.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	slogmulti "github.com/samber/slog-multi"
)

// Setup configures the global slog logger based on level and format.
//
// Level values: "debug", "info", "warn", "error" (default: "info")
// Format values: "text", "json" (default: "text")
//
// When file is non-empty, every record is additionally written as JSON to
// that file. The returned cleanup closes it.
func Setup(level, format, file string) func() error {
	logger, cleanup := New(os.Stdout, level, format, file)
	slog.SetDefault(logger)
	return cleanup
}

// New builds a logger writing to out, fanned out to file when set. A file
// that cannot be opened is reported and skipped.
func New(out io.Writer, level, format, file string) (*slog.Logger, func() error) {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	if file == "" {
		return slog.New(handler), func() error { return nil }
	}

	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger := slog.New(handler)
		logger.Error("failed to open log file, logging to stdout only", "error", err, "file", file)
		return logger, func() error { return nil }
	}

	fileHandler := slog.NewJSONHandler(f, opts)
	return slog.New(slogmulti.Fanout(handler, fileHandler)), f.Close
}

// ParseLevel converts a string log level to slog.Level.
func ParseLevel(level string) slog.Level {
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

// FromContext returns a logger enriched with request context.
//
// When called with a request context that contains a chi RequestID,
// the returned logger automatically includes request_id in all log entries.
func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()

	if reqID := middleware.GetReqID(ctx); reqID != "" {
		logger = logger.With("request_id", reqID)
	}

	return logger
}

// WithFields returns a logger with additional structured fields.
//
// Usage:
//
//	jobLogger := logging.WithFields(ctx,
//	    "job_id", jobID,
//	    "file", fileName,
//	)
//	jobLogger.Info("import started")
func WithFields(ctx context.Context, args ...any) *slog.Logger {
	return FromContext(ctx).With(args...)
}
