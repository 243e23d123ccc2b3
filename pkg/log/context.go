package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey struct{}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// Ctx retrieves the logger from the context.
// If no logger is found, the global logger is returned.
func Ctx(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return l
	}
	return L()
}

// WithPeer returns a child logger tagged with the room and local peer id.
func WithPeer(logger zerolog.Logger, roomID, peerID string) zerolog.Logger {
	ctx := logger.With()
	if roomID != "" {
		ctx = ctx.Str(FieldRoomID, roomID)
	}
	if peerID != "" {
		ctx = ctx.Str(FieldPeerID, peerID)
	}
	return ctx.Logger()
}
