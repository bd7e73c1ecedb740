// Package logger provides structured logging utilities.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type ctxKey struct{}

// Logger wraps slog.Logger with additional context.
type Logger struct {
	*slog.Logger
}

// New creates a new logger with the specified level and format.
// Output goes to stderr; stdout is reserved for metric reports.
func New(level, format string) *Logger {
	return NewWithWriter(os.Stderr, level, format)
}

// NewWithWriter creates a logger that writes to w.
func NewWithWriter(w io.Writer, level, format string) *Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// ContextWithRunID stores a run identifier for WithContext.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, runID)
}

// WithContext returns a logger with context values.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if runID, ok := ctx.Value(ctxKey{}).(string); ok && runID != "" {
		return &Logger{
			Logger: l.With("run_id", runID),
		}
	}
	return l
}

// WithModel returns a logger tagged with a checkpoint.
func (l *Logger) WithModel(name, index string) *Logger {
	return &Logger{
		Logger: l.With("model", name, "model_index", index),
	}
}

// WithShard returns a logger tagged with a shard index.
func (l *Logger) WithShard(shard int) *Logger {
	return &Logger{
		Logger: l.With("shard", shard),
	}
}

// WithError returns a logger with error context.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		Logger: l.With("error", err.Error()),
	}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default returns the default logger.
func Default() *Logger {
	return New("info", "text")
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return NewWithWriter(io.Discard, "error", "text")
}
