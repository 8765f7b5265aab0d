package middleware

import (
	"context"
	"time"

	userdomain "chat-auth-platform/backend/internal/user/domain"
)

type contextKey struct{ name string }

var (
	principalKey = contextKey{"principal"}
	requestIDKey = contextKey{"request_id"}
	clientIPKey  = contextKey{"client_ip"}
)

// Principal is the caller identity established by bearer authentication.
type Principal struct {
	UserID    string
	Role      userdomain.Role
	TokenID   string
	ExpiresAt time.Time
}

// WithPrincipal returns a context carrying p. Handlers read it via PrincipalFrom.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the principal from context and true if set; otherwise zero, false.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok && p.UserID != ""
}

// WithRequestID returns a context with the request id set.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFrom returns the request id from context, or "".
func RequestIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// WithClientIP returns a context with the resolved client IP set.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey, ip)
}

// ClientIPFrom returns the client IP stored by the ClientIP middleware, or "unknown".
func ClientIPFrom(ctx context.Context) string {
	if v, ok := ctx.Value(clientIPKey).(string); ok && v != "" {
		return v
	}
	return "unknown"
}
