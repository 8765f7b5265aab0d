// Package rbac resolves the caller and checks capabilities against the policy engine.
package rbac

import (
	"context"

	"chat-auth-platform/backend/internal/platform/apperr"
	"chat-auth-platform/backend/internal/policy/engine"
	"chat-auth-platform/backend/internal/server/middleware"
)

// Require ensures the caller is authenticated and holds capability on a resource owned by
// ownerID. Returns the principal on success; TokenInvalid when unauthenticated, Forbidden
// when denied and Internal when the policy cannot be evaluated.
func Require(ctx context.Context, authz engine.Authorizer, capability engine.Capability, ownerID string) (middleware.Principal, error) {
	p, ok := middleware.PrincipalFrom(ctx)
	if !ok {
		return middleware.Principal{}, apperr.ErrTokenInvalid
	}
	allowed, err := authz.Allow(ctx, engine.Subject{ID: p.UserID, Role: p.Role}, capability, ownerID)
	if err != nil {
		return middleware.Principal{}, apperr.Wrap(apperr.KindInternal, err, "failed to evaluate policy")
	}
	if !allowed {
		return middleware.Principal{}, apperr.New(apperr.KindForbidden, "missing capability "+string(capability))
	}
	return p, nil
}
