package logging

import (
	"context"
)

type contextKey int

const (
	correlationIDKey contextKey = iota
	loggerKey
)

// WithCorrelationIDCtx returns a new context carrying the correlation ID.
func WithCorrelationIDCtx(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationIDFromCtx extracts the correlation ID from the context.
func CorrelationIDFromCtx(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// WithLoggerCtx returns a new context with the logger attached.
func WithLoggerCtx(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromCtx returns the logger attached to ctx. Without one, it derives a
// logger from the global logger and any correlation ID in ctx.
func FromCtx(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok && l != nil {
		return l
	}
	l := Global()
	if id := CorrelationIDFromCtx(ctx); id != "" {
		l = l.WithCorrelationID(id)
	}
	return l
}
