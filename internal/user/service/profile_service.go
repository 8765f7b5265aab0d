// Package service implements profile reads and updates with capability checks.
package service

import (
	"context"
	"log/slog"
	"time"

	"chat-auth-platform/backend/internal/audit"
	"chat-auth-platform/backend/internal/platform/apperr"
	"chat-auth-platform/backend/internal/platform/logger"
	"chat-auth-platform/backend/internal/platform/rbac"
	"chat-auth-platform/backend/internal/policy/engine"
	"chat-auth-platform/backend/internal/telemetry"
	"chat-auth-platform/backend/internal/user/domain"
	userrepo "chat-auth-platform/backend/internal/user/repository"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 100
)

// SessionRevoker revokes every session of a user. Implemented by the session registry.
type SessionRevoker interface {
	RevokeAll(ctx context.Context, userID string) (int, error)
}

// ProfileService reads and updates users. Every method checks the caller's capability;
// the caller comes from the request context.
type ProfileService struct {
	users    userrepo.Repository
	sessions SessionRevoker
	authz    engine.Authorizer
	audit    audit.AuditLogger
	log      *slog.Logger
}

// NewProfileService returns a ProfileService. auditLogger and log may be nil.
func NewProfileService(users userrepo.Repository, sessions SessionRevoker, authz engine.Authorizer, auditLogger audit.AuditLogger, log *slog.Logger) *ProfileService {
	if auditLogger == nil {
		auditLogger = audit.Nop{}
	}
	return &ProfileService{users: users, sessions: sessions, authz: authz, audit: auditLogger, log: logger.OrDiscard(log)}
}

// Get returns user id. Users may read themselves; admins anyone.
func (s *ProfileService) Get(ctx context.Context, id string) (*domain.User, error) {
	if _, err := rbac.Require(ctx, s.authz, engine.CapUsersRead, id); err != nil {
		return nil, err
	}
	return s.load(ctx, id)
}

// UpdateSelf applies patch to the profile of id.
func (s *ProfileService) UpdateSelf(ctx context.Context, id string, patch domain.ProfilePatch) (*domain.User, error) {
	if _, err := rbac.Require(ctx, s.authz, engine.CapUsersUpdate, id); err != nil {
		return nil, err
	}
	if err := patch.Validate(); err != nil {
		return nil, apperr.Invalid(err.Error())
	}
	u, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	patch.Apply(u)
	u.UpdatedAt = time.Now().UTC()
	if err := s.users.UpdateProfile(ctx, u); err != nil {
		return nil, apperr.As(err)
	}
	return u, nil
}

// AdminUpdate applies patch to user id. Changing role or active flag needs users:manage;
// profile-only patches need users:update. Disabling a user or changing their role revokes
// all of their sessions.
func (s *ProfileService) AdminUpdate(ctx context.Context, id string, patch domain.AdminPatch) (*domain.User, error) {
	manages := patch.Role != nil || patch.IsActive != nil
	capability := engine.CapUsersUpdate
	if manages {
		capability = engine.CapUsersManage
	}
	caller, err := rbac.Require(ctx, s.authz, capability, id)
	if err != nil {
		return nil, err
	}
	if patch.Role != nil && !patch.Role.Valid() {
		return nil, apperr.Invalid("role must be user or admin")
	}
	if err := patch.ProfilePatch.Validate(); err != nil {
		return nil, apperr.Invalid(err.Error())
	}
	u, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	revoke := patch.ChangesAccess(u)
	if revoke && caller.UserID == u.ID {
		return nil, apperr.Invalid("cannot change your own role or disable yourself")
	}

	patch.ProfilePatch.Apply(u)
	u.UpdatedAt = time.Now().UTC()
	if err := s.users.UpdateProfile(ctx, u); err != nil {
		return nil, apperr.As(err)
	}
	if manages {
		if patch.Role != nil {
			u.Role = *patch.Role
		}
		if patch.IsActive != nil {
			u.IsActive = *patch.IsActive
		}
		if err := s.users.UpdateRoleAndStatus(ctx, u.ID, u.Role, u.IsActive); err != nil {
			return nil, apperr.As(err)
		}
	}
	ev := telemetry.NewEvent(telemetry.EventUserUpdate, telemetry.OutcomeSuccess)
	ev.UserID = u.ID
	if revoke {
		n, err := s.sessions.RevokeAll(ctx, u.ID)
		if err != nil {
			return nil, apperr.As(err)
		}
		ev.Reason = "access changed"
		s.log.InfoContext(ctx, "revoked sessions after access change", "user_id", u.ID, "by", caller.UserID, "count", n)
	}
	s.audit.LogEvent(ctx, ev)
	return u, nil
}

// List returns a page of users ordered by creation time. limit is clamped to [1, MaxListLimit].
func (s *ProfileService) List(ctx context.Context, limit, offset int) ([]*domain.User, error) {
	if _, err := rbac.Require(ctx, s.authz, engine.CapUsersList, ""); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	users, err := s.users.List(ctx, limit, offset)
	if err != nil {
		return nil, apperr.As(err)
	}
	return users, nil
}

func (s *ProfileService) load(ctx context.Context, id string) (*domain.User, error) {
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.As(err)
	}
	if u == nil {
		return nil, apperr.New(apperr.KindNotFound, "user not found")
	}
	return u, nil
}
