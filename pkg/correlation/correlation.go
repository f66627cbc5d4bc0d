// Package correlation carries request, correlation and session IDs through
// context.Context. Components that log never receive IDs as parameters; the
// logging handler pulls them from the context of the call site.
package correlation

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	correlationIDKey
	sessionIDKey
)

// Scope is a snapshot of the IDs set in a context.
type Scope struct {
	RequestID     string
	CorrelationID string
	SessionID     string
}

// NewID returns a fresh opaque identifier.
func NewID() string {
	return uuid.NewString()
}

// WithRequestID returns a context carrying the request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// WithCorrelationID returns a context carrying the correlation ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// WithSessionID returns a context carrying the session ID.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// RequestID returns the request ID set in ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// CorrelationID returns the correlation ID set in ctx, or "".
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// SessionID returns the session ID set in ctx, or "".
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}

// FromContext returns the full scope snapshot for ctx.
func FromContext(ctx context.Context) Scope {
	return Scope{
		RequestID:     RequestID(ctx),
		CorrelationID: CorrelationID(ctx),
		SessionID:     SessionID(ctx),
	}
}

// NewStreamScope generates a (session_id, correlation_id) pair for a
// long-lived streaming connection and returns a context carrying both.
func NewStreamScope(ctx context.Context) (context.Context, Scope) {
	scope := Scope{
		SessionID:     NewID(),
		CorrelationID: NewID(),
	}
	ctx = WithSessionID(ctx, scope.SessionID)
	ctx = WithCorrelationID(ctx, scope.CorrelationID)
	return ctx, scope
}
