package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"chat-auth-platform/backend/internal/db"
	"chat-auth-platform/backend/internal/platform/upstream"
	"chat-auth-platform/backend/internal/user/domain"
)

const userColumns = `id, email, username, password_hash, role, is_active, is_verified,
	full_name, bio, profile_image_url, phone_number, last_login_at, created_at, updated_at`

// PostgresRepository stores users in the users table. Every call runs under the
// store policy: bounded timeout and one retry on transient failures.
type PostgresRepository struct {
	db     *sql.DB
	policy upstream.Policy
}

// NewPostgresRepository returns a user repository that uses the given db for persistence.
// Zero policy fields fall back to the upstream defaults.
func NewPostgresRepository(conn *sql.DB, policy upstream.Policy) *PostgresRepository {
	if policy.Transient == nil {
		policy.Transient = func(err error) bool { return db.IsTransient(err) || upstream.IsTransient(err) }
	}
	return &PostgresRepository{db: conn, policy: policy}
}

// GetByID returns the user for id, or nil if not found.
// It returns an error only for database failures, not for missing rows. Ids that are
// not UUIDs cannot exist in the users table and return nil without a query.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	return r.queryOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// GetByHandle returns the user whose email or username equals handle, or nil if not found.
func (r *PostgresRepository) GetByHandle(ctx context.Context, handle string) (*domain.User, error) {
	if domain.IsEmailHandle(handle) {
		return r.queryOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, handle)
	}
	return r.queryOne(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, handle)
}

// Create persists the user to the database. The user must have ID set; it is not assigned by this method.
// A unique violation on email or username returns ErrHandleTaken.
func (r *PostgresRepository) Create(ctx context.Context, u *domain.User) error {
	err := upstream.Do(ctx, r.policy, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, `INSERT INTO users (
			id, email, username, password_hash, role, is_active, is_verified,
			full_name, bio, profile_image_url, phone_number, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			u.ID, nullString(u.Email), nullString(u.Username), u.PasswordHash, string(u.Role),
			u.IsActive, u.IsVerified, u.FullName, u.Bio, u.ProfileImageURL, u.PhoneNumber,
			u.CreatedAt, u.UpdatedAt,
		)
		return err
	})
	if db.IsUniqueViolation(err) {
		return ErrHandleTaken
	}
	return err
}

// UpdateProfile writes the profile fields of u and bumps updated_at.
func (r *PostgresRepository) UpdateProfile(ctx context.Context, u *domain.User) error {
	return r.exec(ctx, `UPDATE users SET full_name = $2, bio = $3, profile_image_url = $4,
		phone_number = $5, updated_at = $6 WHERE id = $1`,
		u.ID, u.FullName, u.Bio, u.ProfileImageURL, u.PhoneNumber, time.Now().UTC())
}

func (r *PostgresRepository) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	return r.exec(ctx, `UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1`,
		id, hash, time.Now().UTC())
}

func (r *PostgresRepository) UpdateRoleAndStatus(ctx context.Context, id string, role domain.Role, active bool) error {
	return r.exec(ctx, `UPDATE users SET role = $2, is_active = $3, updated_at = $4 WHERE id = $1`,
		id, string(role), active, time.Now().UTC())
}

// UpdateLastLogin sets last_login_at without touching updated_at.
func (r *PostgresRepository) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, `UPDATE users SET last_login_at = $2 WHERE id = $1`, id, at.UTC())
}

// List returns users ordered by creation time.
func (r *PostgresRepository) List(ctx context.Context, limit, offset int) ([]*domain.User, error) {
	return upstream.Call(ctx, r.policy, func(ctx context.Context) ([]*domain.User, error) {
		rows, err := r.db.QueryContext(ctx,
			`SELECT `+userColumns+` FROM users ORDER BY created_at, id LIMIT $1 OFFSET $2`, limit, offset)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var out []*domain.User
		for rows.Next() {
			u, err := scanUser(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, u)
		}
		return out, rows.Err()
	})
}

// Ping checks database connectivity for the readiness check.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return upstream.Do(ctx, r.policy, r.db.PingContext)
}

func (r *PostgresRepository) queryOne(ctx context.Context, query string, args ...any) (*domain.User, error) {
	return upstream.Call(ctx, r.policy, func(ctx context.Context) (*domain.User, error) {
		u, err := scanUser(r.db.QueryRowContext(ctx, query, args...))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return u, err
	})
}

func (r *PostgresRepository) exec(ctx context.Context, query string, args ...any) error {
	return upstream.Do(ctx, r.policy, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, query, args...)
		return err
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(s scanner) (*domain.User, error) {
	var (
		u               domain.User
		email, username sql.NullString
		role            string
		lastLogin       sql.NullTime
	)
	err := s.Scan(&u.ID, &email, &username, &u.PasswordHash, &role, &u.IsActive, &u.IsVerified,
		&u.FullName, &u.Bio, &u.ProfileImageURL, &u.PhoneNumber, &lastLogin, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.Email = email.String
	u.Username = username.String
	u.Role = domain.Role(role)
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	return &u, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
