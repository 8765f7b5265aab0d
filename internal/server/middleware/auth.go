package middleware

import (
	"context"
	"net/http"
	"strings"

	"chat-auth-platform/backend/internal/platform/apperr"
	"chat-auth-platform/backend/internal/security"
	"chat-auth-platform/backend/internal/server/respond"
	userdomain "chat-auth-platform/backend/internal/user/domain"
)

const bearerPrefix = "bearer "

// TokenVerifier validates an access token statelessly.
type TokenVerifier interface {
	Verify(ctx context.Context, accessToken string) (*security.AccessClaims, error)
}

// Authenticate requires a valid bearer access token and stores the caller as Principal.
// Missing or malformed headers are TokenInvalid.
func Authenticate(verifier TokenVerifier) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				respond.Error(w, r, apperr.ErrTokenInvalid)
				return
			}
			claims, err := verifier.Verify(r.Context(), token)
			if err != nil {
				respond.Error(w, r, err)
				return
			}
			p := Principal{UserID: claims.UserID(), Role: userdomain.Role(claims.Role), TokenID: claims.ID}
			if claims.ExpiresAt != nil {
				p.ExpiresAt = claims.ExpiresAt.Time
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// BearerToken returns the token of an "Authorization: Bearer <token>" header, or "".
// The scheme is matched case-insensitively.
func BearerToken(r *http.Request) string {
	v := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(v) < len(bearerPrefix) || !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
