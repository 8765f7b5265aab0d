package repository

import (
	"context"
	"errors"
	"fmt"

	"chat-auth-platform/backend/internal/session/domain"
)

var (
	// ErrSessionInvalid is returned for unknown, expired or revoked refresh tokens.
	ErrSessionInvalid = errors.New("session invalid")
	// ErrReplayDetected is returned when an already rotated token is presented again.
	// The whole lineage has been revoked by the time it is returned.
	ErrReplayDetected = fmt.Errorf("%w: refresh token replayed", ErrSessionInvalid)
	// ErrSessionNotFound is returned by RevokeSession when the id is not one of the user's sessions.
	ErrSessionNotFound = errors.New("session not found")
)

// Registry tracks refresh-token sessions server-side.
type Registry interface {
	// Create starts a new lineage and returns the raw refresh token with its record.
	Create(ctx context.Context, in domain.NewSession) (string, *domain.Session, error)
	// Rotate exchanges token for a new one. Exactly one of any set of concurrent
	// rotations of the same token succeeds.
	Rotate(ctx context.Context, token string, dev domain.Device) (string, *domain.Session, error)
	Revoke(ctx context.Context, token string) error
	RevokeAll(ctx context.Context, userID string) (int, error)
	ListByUser(ctx context.Context, userID string) ([]*domain.Session, error)
	RevokeSession(ctx context.Context, userID, sessionID string) error
	Ping(ctx context.Context) error
}
