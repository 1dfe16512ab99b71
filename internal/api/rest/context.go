package rest

import (
	"context"
)

type contextKey string

const (
	contextKeyRequestID   contextKey = "request_id"
	contextKeyAuthContext contextKey = "auth_context"
)

// AuthContext is the verified identity attached to a request after the auth
// middleware passes. Downstream handlers and forwarded headers read from it.
type AuthContext struct {
	UserID      string
	Email       string
	Role        string
	Permissions []string
	SessionID   string
	MFAVerified bool
}

// AuthFromContext returns the request's verified identity, if any.
func AuthFromContext(ctx context.Context) (*AuthContext, bool) {
	ac, ok := ctx.Value(contextKeyAuthContext).(*AuthContext)
	return ac, ok
}

// RequestIDFromContext returns the request id set by the request id
// middleware, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyRequestID).(string)
	return id
}
