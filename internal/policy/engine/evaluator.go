package engine

import (
	"context"

	userdomain "chat-auth-platform/backend/internal/user/domain"
)

// Capability is an action on user resources.
type Capability string

const (
	CapUsersRead   Capability = "users:read"
	CapUsersUpdate Capability = "users:update"
	CapUsersList   Capability = "users:list"
	// CapUsersManage covers role and active-flag changes.
	CapUsersManage Capability = "users:manage"
)

// Subject is the authenticated caller.
type Subject struct {
	ID   string
	Role userdomain.Role
}

// Authorizer decides whether subject may perform capability on a resource owned by ownerID.
// ownerID is empty for collection-level actions.
type Authorizer interface {
	Allow(ctx context.Context, subject Subject, capability Capability, ownerID string) (bool, error)
}
