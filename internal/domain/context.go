package domain

import "context"

type ctxKey string

const (
	sessionCtxKey ctxKey = "session_id"
	requestIDCtxKey ctxKey = "request_id"
	butlerNameCtxKey ctxKey = "butler_name"
	requesterCtxKey ctxKey = "requester_identity"
)

// ContextWithSessionID returns a new context carrying the session ID (ULID).
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionCtxKey, sessionID)
}

// SessionIDFromContext extracts the session ID from the context.
// Returns empty string if not set.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionCtxKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithRequestID returns a new context carrying the UUIDv7 request ID
// that threads through ingest -> route -> notify.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDCtxKey, requestID)
}

// RequestIDFromContext extracts the request ID from the context.
// Returns empty string if not set.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDCtxKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithButlerName returns a new context carrying the name of the
// butler currently handling the call, used by tracing middleware to tag
// spans with a butler.name attribute without threading it through every
// function signature.
func ContextWithButlerName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, butlerNameCtxKey, name)
}

// ButlerNameFromContext extracts the handling butler's name from the context.
func ButlerNameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(butlerNameCtxKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithRequesterIdentity returns a new context carrying the identity
// of whoever triggered the current tool call (a channel-scoped sender
// identity, or "owner" for the fleet operator), used by the approval gate
// to attribute pending actions and audit events.
func ContextWithRequesterIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, requesterCtxKey, identity)
}

// RequesterIdentityFromContext extracts the requester identity set by
// ContextWithRequesterIdentity. Returns empty string if not set.
func RequesterIdentityFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requesterCtxKey).(string); ok {
		return v
	}
	return ""
}
