package telemetry

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Event types emitted by the auth service.
const (
	EventRegister       = "auth.register"
	EventLogin          = "auth.login"
	EventRefresh        = "auth.refresh"
	EventLogout         = "auth.logout"
	EventLogoutAll      = "auth.logout_all"
	EventPasswordChange = "auth.password_change"
	EventSessionRevoke  = "session.revoke"
	EventSessionReplay  = "session.replay"
	EventUserUpdate     = "user.admin_update"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Event is a single auth event. It is serialized as JSON on the Kafka topic and
// decoded again by the worker before it is pushed to Loki.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	UserID    string    `json:"user_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Outcome   string    `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewEvent returns an Event with a fresh ULID and the current time.
func NewEvent(eventType, outcome string) *Event {
	return &Event{
		ID:        ulid.Make().String(),
		Type:      eventType,
		Outcome:   outcome,
		CreatedAt: time.Now().UTC(),
	}
}
