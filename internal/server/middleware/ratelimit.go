package middleware

import (
	"context"
	"net/http"
	"strconv"

	"chat-auth-platform/backend/internal/ratelimit"
	"chat-auth-platform/backend/internal/server/respond"
	"chat-auth-platform/backend/internal/telemetry/metrics"
)

// Limiter counts one request for key in class.
type Limiter interface {
	Allow(ctx context.Context, class ratelimit.Class, key string) (ratelimit.Decision, error)
}

// RateLimit limits requests per client IP in class. Limiter failures reject the request
// (fail closed) with the limiter's error.
func RateLimit(limiter Limiter, class ratelimit.Class, m *metrics.Metrics) Middleware {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := limiter.Allow(r.Context(), class, ClientIPFrom(r.Context()))
			if err != nil {
				respond.Error(w, r, err)
				return
			}
			if d.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			}
			if !d.Allowed {
				m.RateLimited(string(class))
				respond.Error(w, r, d.Err())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
