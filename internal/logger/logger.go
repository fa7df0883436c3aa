// Package logger provides structured logging using log/slog.
// It sets up a JSON handler with service-level context and carries request
// correlation ids through context.Context.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type ctxKey string

const correlationIDKey ctxKey = "correlation_id"

// Init creates a JSON logger on stdout for the given service and installs
// it as the slog default.
func Init(service string, level slog.Level) *slog.Logger {
	return InitWriter(os.Stdout, service, level)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With(
		slog.String("service", service),
	)

	// so slog.Info() and friends are structured too
	slog.SetDefault(logger)

	return logger
}

// WithCorrelationID stores a request correlation id in the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID extracts the correlation id from context. Returns "" if not set.
func CorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(correlationIDKey).(string); ok {
		return v
	}
	return ""
}

// LogAttrs returns slog arguments carrying the context's correlation id.
// Usage: slog.Info("msg", logger.LogAttrs(ctx)...)
func LogAttrs(ctx context.Context) []any {
	id := CorrelationID(ctx)
	if id == "" {
		return nil
	}
	return []any{slog.String("correlation_id", id)}
}
