package simcache

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/hupe1980/simcache/model"
)

// Logger wraps slog.Logger with simcache-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithShard adds a shard field to the logger.
func (l *Logger) WithShard(shard model.ShardID) *Logger {
	return &Logger{
		Logger: l.Logger.With("shard", uint32(shard)),
	}
}

// WithEntry adds an entry ID field to the logger.
func (l *Logger) WithEntry(id model.EntryID) *Logger {
	return &Logger{
		Logger: l.Logger.With("id", id.String()),
	}
}

// LogLookup logs a lookup operation.
func (l *Logger) LogLookup(ctx context.Context, hit bool, distance float32, staleness time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "lookup failed",
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "lookup completed",
		"hit", hit,
		"distance", distance,
		"staleness", staleness,
	)
}

// LogInsert logs an insert operation.
func (l *Logger) LogInsert(ctx context.Context, id model.EntryID, payloadBytes int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "insert failed",
			"payload_bytes", payloadBytes,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "insert completed",
			"id", id.String(),
			"payload_bytes", payloadBytes,
		)
	}
}

// LogInvalidate logs an invalidation.
func (l *Logger) LogInvalidate(ctx context.Context, id model.EntryID, err error) {
	if err != nil {
		l.ErrorContext(ctx, "invalidate failed",
			"id", id.String(),
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "invalidate completed",
			"id", id.String(),
		)
	}
}

// LogSnapshot logs a snapshot operation.
func (l *Logger) LogSnapshot(ctx context.Context, shard model.ShardID, err error) {
	if err != nil {
		l.ErrorContext(ctx, "snapshot failed",
			"shard", uint32(shard),
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "snapshot written",
			"shard", uint32(shard),
		)
	}
}
