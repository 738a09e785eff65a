// Package reqctx carries per-request values (acting user, request id, raw
// bearer token) through context so that core packages can attribute changes
// without depending on the transport layer.
package reqctx

import (
	"context"
	"strings"
)

type actorKey struct{}
type requestIDKey struct{}
type tokenKey struct{}

// WithActor stores the id of the user performing the current operation.
func WithActor(ctx context.Context, userID string) context.Context {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey{}, userID)
}

// Actor returns the acting user id, if any.
func Actor(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(actorKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// ActorOr returns the acting user id or fallback when none is set.
func ActorOr(ctx context.Context, fallback string) string {
	if v, ok := Actor(ctx); ok {
		return v
	}
	return fallback
}

// WithRequestID attaches the request identifier used to correlate log lines.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestID extracts the request identifier if present.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey{}).(string)
	return v
}

// WithToken stores the raw bearer token.
func WithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenKey{}, token)
}

// Token returns the bearer token if it was previously attached.
func Token(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
