package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"chat-auth-platform/backend/internal/user/domain"
)

// MemoryRepository is an in-process Repository for tests and local tooling. It enforces
// the same unique email and username rules as the users table.
type MemoryRepository struct {
	mu    sync.RWMutex
	byID  map[string]*domain.User
	order []string
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[string]*domain.User)}
}

func (m *MemoryRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return clone(m.byID[id]), nil
}

func (m *MemoryRepository) GetByHandle(ctx context.Context, handle string) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return clone(m.findHandle(handle)), nil
}

func (m *MemoryRepository) findHandle(handle string) *domain.User {
	if handle == "" {
		return nil
	}
	for _, u := range m.byID {
		if domain.IsEmailHandle(handle) && u.Email == handle {
			return u
		}
		if !domain.IsEmailHandle(handle) && u.Username == handle {
			return u
		}
	}
	return nil
}

func (m *MemoryRepository) Create(ctx context.Context, u *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.byID {
		if (u.Email != "" && existing.Email == u.Email) || (u.Username != "" && existing.Username == u.Username) {
			return ErrHandleTaken
		}
	}
	m.byID[u.ID] = clone(u)
	m.order = append(m.order, u.ID)
	return nil
}

func (m *MemoryRepository) UpdateProfile(ctx context.Context, u *domain.User) error {
	return m.update(u.ID, func(cur *domain.User) {
		cur.FullName, cur.Bio = u.FullName, u.Bio
		cur.ProfileImageURL, cur.PhoneNumber = u.ProfileImageURL, u.PhoneNumber
	})
}

func (m *MemoryRepository) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	return m.update(id, func(cur *domain.User) { cur.PasswordHash = hash })
}

func (m *MemoryRepository) UpdateRoleAndStatus(ctx context.Context, id string, role domain.Role, active bool) error {
	return m.update(id, func(cur *domain.User) { cur.Role, cur.IsActive = role, active })
}

func (m *MemoryRepository) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur := m.byID[id]; cur != nil {
		t := at.UTC()
		cur.LastLoginAt = &t
	}
	return nil
}

func (m *MemoryRepository) List(ctx context.Context, limit, offset int) ([]*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := append([]string(nil), m.order...)
	sort.SliceStable(ids, func(i, j int) bool { return m.byID[ids[i]].CreatedAt.Before(m.byID[ids[j]].CreatedAt) })
	if offset >= len(ids) {
		return nil, nil
	}
	ids = ids[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	out := make([]*domain.User, 0, len(ids))
	for _, id := range ids {
		out = append(out, clone(m.byID[id]))
	}
	return out, nil
}

func (m *MemoryRepository) Ping(ctx context.Context) error { return ctx.Err() }

func (m *MemoryRepository) update(id string, fn func(*domain.User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur := m.byID[id]; cur != nil {
		fn(cur)
		cur.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func clone(u *domain.User) *domain.User {
	if u == nil {
		return nil
	}
	cp := *u
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		cp.LastLoginAt = &t
	}
	return &cp
}
