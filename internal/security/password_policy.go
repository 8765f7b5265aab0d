package security

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// MaxPasswordBytes is the longest password accepted; bcrypt ignores input past 72 bytes.
const MaxPasswordBytes = 72

// PasswordSpecialChars is the set of characters counted as "special" by the complex policy.
const PasswordSpecialChars = "!@#$%^&*()_+-=[]{}|;:,.<>?/"

// PasswordPolicy validates new passwords on register and password change.
type PasswordPolicy struct {
	MinLength int
	// RequireComplex requires an upper, a lower, a digit and one of PasswordSpecialChars.
	RequireComplex bool
}

// Validate returns an error describing the first rule password breaks, or nil.
func (p PasswordPolicy) Validate(password string) error {
	minLen := p.MinLength
	if minLen <= 0 {
		minLen = 8
	}
	if password == "" {
		return errors.New("password is required")
	}
	if len([]rune(password)) < minLen {
		return fmt.Errorf("password must be at least %d characters", minLen)
	}
	if len(password) > MaxPasswordBytes {
		return fmt.Errorf("password must be at most %d bytes", MaxPasswordBytes)
	}
	if !p.RequireComplex {
		return nil
	}
	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case strings.ContainsRune(PasswordSpecialChars, r):
			hasSpecial = true
		}
	}
	if !hasUpper {
		return errors.New("password must contain at least one uppercase letter")
	}
	if !hasLower {
		return errors.New("password must contain at least one lowercase letter")
	}
	if !hasDigit {
		return errors.New("password must contain at least one digit")
	}
	if !hasSpecial {
		return errors.New("password must contain at least one special character")
	}
	return nil
}
