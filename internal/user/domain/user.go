package domain

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// Role is the capability role of a user. It is a value on the user, not a subtype.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r == RoleUser || r == RoleAdmin }

// User is the core user entity.
type User struct {
	ID              string
	Email           string // optional; lowercased, unique
	Username        string // optional; lowercased, unique
	PasswordHash    string
	Role            Role
	IsActive        bool
	IsVerified      bool
	FullName        string
	Bio             string
	ProfileImageURL string
	PhoneNumber     string
	LastLoginAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Handle returns the login handle: the email when set, otherwise the username.
func (u *User) Handle() string {
	if u.Email != "" {
		return u.Email
	}
	return u.Username
}

// Validate validates the user for persistence. Returns an error describing the first validation failure.
func (u *User) Validate() error {
	if u.Email == "" && u.Username == "" {
		return errors.New("email or username is required")
	}
	if u.Email != "" && !IsEmail(u.Email) {
		return errors.New("email is invalid")
	}
	if u.Username != "" && !IsUsername(u.Username) {
		return errors.New("username must be 3-32 characters of a-z, 0-9, _ . -")
	}
	if u.PasswordHash == "" {
		return errors.New("password hash is required")
	}
	if u.Role == "" {
		u.Role = RoleUser
	}
	if !u.Role.Valid() {
		return errors.New("role is invalid")
	}
	return nil
}

var (
	emailPattern    = regexp.MustCompile(`^[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}$`)
	usernamePattern = regexp.MustCompile(`^[a-z0-9_.-]{3,32}$`)
)

// NormalizeHandle trims and lowercases a login handle.
func NormalizeHandle(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

// IsEmailHandle reports whether the normalized handle should be treated as an email.
func IsEmailHandle(h string) bool { return strings.Contains(h, "@") }

// IsEmail reports whether s is a syntactically valid, lowercased email address.
func IsEmail(s string) bool { return len(s) <= 254 && emailPattern.MatchString(s) }

// IsUsername reports whether s is a valid lowercased username.
func IsUsername(s string) bool { return usernamePattern.MatchString(s) }

// ValidateHandle checks a normalized handle: emails must look like an address, anything
// else must satisfy the username rule.
func ValidateHandle(h string) error {
	if h == "" {
		return errors.New("handle is required")
	}
	if IsEmailHandle(h) {
		if !IsEmail(h) {
			return errors.New("email is invalid")
		}
		return nil
	}
	if !IsUsername(h) {
		return errors.New("username must be 3-32 characters of a-z, 0-9, _ . -")
	}
	return nil
}

// ProfilePatch holds self-editable profile fields. Nil fields are left unchanged.
type ProfilePatch struct {
	FullName        *string
	Bio             *string
	ProfileImageURL *string
	PhoneNumber     *string
}

// Apply copies the set fields of p onto u.
func (p ProfilePatch) Apply(u *User) {
	if p.FullName != nil {
		u.FullName = strings.TrimSpace(*p.FullName)
	}
	if p.Bio != nil {
		u.Bio = *p.Bio
	}
	if p.ProfileImageURL != nil {
		u.ProfileImageURL = strings.TrimSpace(*p.ProfileImageURL)
	}
	if p.PhoneNumber != nil {
		u.PhoneNumber = strings.TrimSpace(*p.PhoneNumber)
	}
}

// Validate bounds the free-text profile fields.
func (p ProfilePatch) Validate() error {
	if p.FullName != nil && len(*p.FullName) > 200 {
		return errors.New("full name must be at most 200 characters")
	}
	if p.Bio != nil && len(*p.Bio) > 2000 {
		return errors.New("bio must be at most 2000 characters")
	}
	if p.ProfileImageURL != nil && len(*p.ProfileImageURL) > 2048 {
		return errors.New("profile image url must be at most 2048 characters")
	}
	if p.PhoneNumber != nil && len(*p.PhoneNumber) > 32 {
		return errors.New("phone number must be at most 32 characters")
	}
	return nil
}

// AdminPatch extends ProfilePatch with fields only admins may change.
type AdminPatch struct {
	ProfilePatch
	Role     *Role
	IsActive *bool
}

// ChangesAccess reports whether applying p to u changes the user's role or disables them.
func (p AdminPatch) ChangesAccess(u *User) bool {
	if p.Role != nil && *p.Role != u.Role {
		return true
	}
	return p.IsActive != nil && !*p.IsActive && u.IsActive
}
