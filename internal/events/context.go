package events

import (
	"context"
	"os"
	"sync/atomic"
)

type contextKey int

const (
	loggerKey contextKey = iota
	identityKey
	collectionKey
)

var defaultLogger atomic.Pointer[Logger]

func init() {
	defaultLogger.Store(newLogger(InfoLevel, "text", os.Stderr))
}

// FromContext extracts logger from context.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return defaultLogger.Load()
}

// WithLogger adds logger to context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithIdentity tags the context and its logger with the active identity.
func WithIdentity(ctx context.Context, identity string) context.Context {
	logger := FromContext(ctx).WithField("identity", identity)
	ctx = context.WithValue(ctx, identityKey, identity)
	return WithLogger(ctx, logger)
}

// WithCollection tags the context and its logger with a collection name.
func WithCollection(ctx context.Context, collection string) context.Context {
	logger := FromContext(ctx).WithField("collection", collection)
	ctx = context.WithValue(ctx, collectionKey, collection)
	return WithLogger(ctx, logger)
}

// GetIdentity retrieves the identity from context.
func GetIdentity(ctx context.Context) string {
	if id, ok := ctx.Value(identityKey).(string); ok {
		return id
	}
	return ""
}

// GetCollection retrieves the collection from context.
func GetCollection(ctx context.Context) string {
	if c, ok := ctx.Value(collectionKey).(string); ok {
		return c
	}
	return ""
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	defaultLogger.Store(logger)
}
