package domain

import "time"

// Session is one refresh-token record. Its ID is the SHA-256 hex of the refresh token;
// the raw token is never stored. Rotation links records of one login into a lineage
// through SupersededBy.
type Session struct {
	ID           string     `json:"id"`
	LineageID    string     `json:"lineage_id"`
	UserID       string     `json:"user_id"`
	UserAgent    string     `json:"user_agent,omitempty"`
	IPAddress    string     `json:"ip_address,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   time.Time  `json:"last_used_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	Revoked      bool       `json:"revoked"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	SupersededBy string     `json:"superseded_by,omitempty"`
}

// Live reports whether the session can still be exchanged at now.
func (s *Session) Live(now time.Time) bool {
	return !s.Revoked && now.Before(s.ExpiresAt)
}

// Replayed reports whether the record was already exchanged for a successor.
func (s *Session) Replayed() bool {
	return s.Revoked && s.SupersededBy != ""
}

// Device describes the client presenting a refresh token.
type Device struct {
	UserAgent string
	IPAddress string
}

// NewSession is the input to Registry.Create.
type NewSession struct {
	UserID string
	Device
}
