package repository

import (
	"context"
	"errors"
	"time"

	"chat-auth-platform/backend/internal/user/domain"
)

// ErrHandleTaken is returned by Create when the email or username is already registered.
var ErrHandleTaken = errors.New("handle already taken")

// Repository defines persistence for users. Lookups return nil, nil for missing rows.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	// GetByHandle matches the normalized handle against email or username.
	GetByHandle(ctx context.Context, handle string) (*domain.User, error)
	// Create inserts u. The unique indexes make the existence check and insert atomic.
	Create(ctx context.Context, u *domain.User) error
	UpdateProfile(ctx context.Context, u *domain.User) error
	UpdatePasswordHash(ctx context.Context, id, hash string) error
	UpdateRoleAndStatus(ctx context.Context, id string, role domain.Role, active bool) error
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error
	List(ctx context.Context, limit, offset int) ([]*domain.User, error)
	Ping(ctx context.Context) error
}
