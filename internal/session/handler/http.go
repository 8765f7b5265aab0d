// Package handler exposes the caller's sessions over HTTP.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"chat-auth-platform/backend/internal/platform/apperr"
	"chat-auth-platform/backend/internal/server/middleware"
	"chat-auth-platform/backend/internal/server/respond"
	"chat-auth-platform/backend/internal/session/domain"
)

// Sessions lists and revokes a user's sessions.
type Sessions interface {
	ListSessions(ctx context.Context, userID string) ([]*domain.Session, error)
	RevokeSession(ctx context.Context, userID, sessionID string) error
}

// Handler serves /users/me/sessions.
type Handler struct {
	sessions Sessions
}

// New returns a Handler.
func New(sessions Sessions) *Handler {
	return &Handler{sessions: sessions}
}

// SessionResponse describes one live session. The id is the token hash, never the token.
type SessionResponse struct {
	ID         string    `json:"id"`
	UserAgent  string    `json:"userAgent,omitempty"`
	IPAddress  string    `json:"ipAddress,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// List handles GET /users/me/sessions.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		respond.Error(w, r, apperr.ErrTokenInvalid)
		return
	}
	list, err := h.sessions.ListSessions(r.Context(), p.UserID)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	out := make([]SessionResponse, 0, len(list))
	for _, s := range list {
		out = append(out, SessionResponse{
			ID:         s.ID,
			UserAgent:  s.UserAgent,
			IPAddress:  s.IPAddress,
			CreatedAt:  s.CreatedAt,
			LastUsedAt: s.LastUsedAt,
			ExpiresAt:  s.ExpiresAt,
		})
	}
	respond.JSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// Revoke handles DELETE /users/me/sessions/{id}.
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		respond.Error(w, r, apperr.ErrTokenInvalid)
		return
	}
	if err := h.sessions.RevokeSession(r.Context(), p.UserID, mux.Vars(r)["id"]); err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.NoContent(w)
}
