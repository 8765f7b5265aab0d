package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"chat-auth-platform/backend/internal/platform/apperr"
	"chat-auth-platform/backend/internal/policy/engine"
	"chat-auth-platform/backend/internal/server/middleware"
	"chat-auth-platform/backend/internal/user/domain"
	userrepo "chat-auth-platform/backend/internal/user/repository"
)

// recordingRevoker implements SessionRevoker.
type recordingRevoker struct {
	mu      sync.Mutex
	revoked []string
}

func (r *recordingRevoker) RevokeAll(ctx context.Context, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked = append(r.revoked, userID)
	return 1, nil
}

type fixture struct {
	svc     *ProfileService
	users   *userrepo.MemoryRepository
	revoker *recordingRevoker
	admin   *domain.User
	alice   *domain.User
	bob     *domain.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	authz, err := engine.NewOPAAuthorizer(context.Background(), "")
	if err != nil {
		t.Fatalf("NewOPAAuthorizer: %v", err)
	}
	f := &fixture{users: userrepo.NewMemoryRepository(), revoker: &recordingRevoker{}}
	f.svc = NewProfileService(f.users, f.revoker, authz, nil, nil)
	f.admin = f.create(t, "root", domain.RoleAdmin)
	f.alice = f.create(t, "alice", domain.RoleUser)
	f.bob = f.create(t, "bob", domain.RoleUser)
	return f
}

func (f *fixture) create(t *testing.T, username string, role domain.Role) *domain.User {
	t.Helper()
	now := time.Now().UTC()
	u := &domain.User{ID: "id-" + username, Username: username, PasswordHash: "$argon2id$x", Role: role, IsActive: true, CreatedAt: now, UpdatedAt: now}
	if err := f.users.Create(context.Background(), u); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return u
}

func as(u *domain.User) context.Context {
	return middleware.WithPrincipal(context.Background(), middleware.Principal{UserID: u.ID, Role: u.Role})
}

func wantKind(t *testing.T, err error, kind apperr.Kind) {
	t.Helper()
	if got := apperr.KindOf(err); err == nil || got != kind {
		t.Fatalf("want %s, got %v", kind, err)
	}
}

func ptr[T any](v T) *T { return &v }

func TestProfileService_Get(t *testing.T) {
	f := newFixture(t)
	testCases := []struct {
		name   string
		ctx    context.Context
		target string
		want   apperr.Kind
	}{
		{"self", as(f.alice), f.alice.ID, ""},
		{"admin reads anyone", as(f.admin), f.bob.ID, ""},
		{"user reads other", as(f.alice), f.bob.ID, apperr.KindForbidden},
		{"anonymous", context.Background(), f.alice.ID, apperr.KindTokenInvalid},
		{"missing user", as(f.admin), "nope", apperr.KindNotFound},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			u, err := f.svc.Get(tc.ctx, tc.target)
			if tc.want != "" {
				wantKind(t, err, tc.want)
				return
			}
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if u.ID != tc.target {
				t.Errorf("got %q, want %q", u.ID, tc.target)
			}
		})
	}
}

func TestProfileService_UpdateSelf(t *testing.T) {
	f := newFixture(t)
	u, err := f.svc.UpdateSelf(as(f.alice), f.alice.ID, domain.ProfilePatch{FullName: ptr(" Alice A "), Bio: ptr("hi")})
	if err != nil {
		t.Fatalf("UpdateSelf: %v", err)
	}
	if u.FullName != "Alice A" || u.Bio != "hi" {
		t.Errorf("user = %+v", u)
	}
	stored, _ := f.users.GetByID(context.Background(), f.alice.ID)
	if stored.FullName != "Alice A" {
		t.Error("profile should be persisted")
	}

	_, err = f.svc.UpdateSelf(as(f.alice), f.bob.ID, domain.ProfilePatch{Bio: ptr("x")})
	wantKind(t, err, apperr.KindForbidden)
	_, err = f.svc.UpdateSelf(as(f.alice), f.alice.ID, domain.ProfilePatch{PhoneNumber: ptr(fmt.Sprintf("%040d", 1))})
	wantKind(t, err, apperr.KindInvalidInput)
}

func TestProfileService_AdminUpdate(t *testing.T) {
	f := newFixture(t)

	u, err := f.svc.AdminUpdate(as(f.admin), f.alice.ID, domain.AdminPatch{Role: ptr(domain.RoleAdmin)})
	if err != nil {
		t.Fatalf("AdminUpdate role: %v", err)
	}
	if u.Role != domain.RoleAdmin {
		t.Errorf("role = %q", u.Role)
	}
	if len(f.revoker.revoked) != 1 || f.revoker.revoked[0] != f.alice.ID {
		t.Fatalf("role change should revoke sessions, revoked = %v", f.revoker.revoked)
	}

	if _, err := f.svc.AdminUpdate(as(f.admin), f.bob.ID, domain.AdminPatch{IsActive: ptr(false)}); err != nil {
		t.Fatalf("AdminUpdate disable: %v", err)
	}
	stored, _ := f.users.GetByID(context.Background(), f.bob.ID)
	if stored.IsActive {
		t.Error("bob should be disabled")
	}
	if len(f.revoker.revoked) != 2 {
		t.Errorf("disable should revoke sessions, revoked = %v", f.revoker.revoked)
	}

	// Profile-only and no-op access patches keep sessions.
	if _, err := f.svc.AdminUpdate(as(f.admin), f.bob.ID, domain.AdminPatch{ProfilePatch: domain.ProfilePatch{Bio: ptr("note")}, IsActive: ptr(false)}); err != nil {
		t.Fatalf("AdminUpdate profile: %v", err)
	}
	if len(f.revoker.revoked) != 2 {
		t.Errorf("unchanged access should not revoke, revoked = %v", f.revoker.revoked)
	}
}

func TestProfileService_AdminUpdateRejects(t *testing.T) {
	f := newFixture(t)
	testCases := []struct {
		name   string
		ctx    context.Context
		target string
		patch  domain.AdminPatch
		want   apperr.Kind
	}{
		{"user changes own role", as(f.alice), f.alice.ID, domain.AdminPatch{Role: ptr(domain.RoleAdmin)}, apperr.KindForbidden},
		{"user edits other", as(f.alice), f.bob.ID, domain.AdminPatch{ProfilePatch: domain.ProfilePatch{Bio: ptr("x")}}, apperr.KindForbidden},
		{"invalid role", as(f.admin), f.bob.ID, domain.AdminPatch{Role: ptr(domain.Role("owner"))}, apperr.KindInvalidInput},
		{"admin disables self", as(f.admin), f.admin.ID, domain.AdminPatch{IsActive: ptr(false)}, apperr.KindInvalidInput},
		{"missing user", as(f.admin), "nope", domain.AdminPatch{IsActive: ptr(false)}, apperr.KindNotFound},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.AdminUpdate(tc.ctx, tc.target, tc.patch)
			wantKind(t, err, tc.want)
		})
	}
	if len(f.revoker.revoked) != 0 {
		t.Errorf("rejected updates must not revoke, revoked = %v", f.revoker.revoked)
	}

	// Users may still edit their own profile through the admin route.
	if _, err := f.svc.AdminUpdate(as(f.alice), f.alice.ID, domain.AdminPatch{ProfilePatch: domain.ProfilePatch{Bio: ptr("mine")}}); err != nil {
		t.Errorf("self profile edit: %v", err)
	}
}

func TestProfileService_List(t *testing.T) {
	f := newFixture(t)
	users, err := f.svc.List(as(f.admin), 0, -1)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(users) != 3 {
		t.Errorf("len = %d, want 3", len(users))
	}
	page, err := f.svc.List(as(f.admin), 1, 1)
	if err != nil {
		t.Fatalf("List page: %v", err)
	}
	if len(page) != 1 {
		t.Errorf("page len = %d, want 1", len(page))
	}
	_, err = f.svc.List(as(f.alice), 10, 0)
	wantKind(t, err, apperr.KindForbidden)
}
