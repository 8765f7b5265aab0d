// Package handler exposes user profiles over HTTP.
package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"chat-auth-platform/backend/internal/platform/apperr"
	"chat-auth-platform/backend/internal/server/middleware"
	"chat-auth-platform/backend/internal/server/respond"
	"chat-auth-platform/backend/internal/user/domain"
)

// Profiles is the subset of service.ProfileService used by the handlers.
type Profiles interface {
	Get(ctx context.Context, id string) (*domain.User, error)
	UpdateSelf(ctx context.Context, id string, patch domain.ProfilePatch) (*domain.User, error)
	AdminUpdate(ctx context.Context, id string, patch domain.AdminPatch) (*domain.User, error)
	List(ctx context.Context, limit, offset int) ([]*domain.User, error)
}

// CurrentUserResolver loads the user behind an access token.
type CurrentUserResolver interface {
	CurrentUser(ctx context.Context, accessToken string) (*domain.User, error)
}

// Handler serves the /users routes.
type Handler struct {
	profiles Profiles
	current  CurrentUserResolver
}

// New returns a Handler.
func New(profiles Profiles, current CurrentUserResolver) *Handler {
	return &Handler{profiles: profiles, current: current}
}

// UserResponse is the public view of a user. The password hash is never included.
type UserResponse struct {
	UserID          string     `json:"userId"`
	Handle          string     `json:"handle"`
	Role            string     `json:"role"`
	Email           string     `json:"email,omitempty"`
	Username        string     `json:"username,omitempty"`
	FullName        string     `json:"fullName,omitempty"`
	Bio             string     `json:"bio,omitempty"`
	ProfileImageURL string     `json:"profileImageUrl,omitempty"`
	PhoneNumber     string     `json:"phoneNumber,omitempty"`
	IsActive        bool       `json:"isActive"`
	IsVerified      bool       `json:"isVerified"`
	LastLoginAt     *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

func toResponse(u *domain.User) UserResponse {
	return UserResponse{
		UserID:          u.ID,
		Handle:          u.Handle(),
		Role:            string(u.Role),
		Email:           u.Email,
		Username:        u.Username,
		FullName:        u.FullName,
		Bio:             u.Bio,
		ProfileImageURL: u.ProfileImageURL,
		PhoneNumber:     u.PhoneNumber,
		IsActive:        u.IsActive,
		IsVerified:      u.IsVerified,
		LastLoginAt:     u.LastLoginAt,
		CreatedAt:       u.CreatedAt,
		UpdatedAt:       u.UpdatedAt,
	}
}

type profileRequest struct {
	FullName        *string `json:"fullName"`
	Bio             *string `json:"bio"`
	ProfileImageURL *string `json:"profileImageUrl"`
	PhoneNumber     *string `json:"phoneNumber"`
}

func (p profileRequest) patch() domain.ProfilePatch {
	return domain.ProfilePatch{FullName: p.FullName, Bio: p.Bio, ProfileImageURL: p.ProfileImageURL, PhoneNumber: p.PhoneNumber}
}

type adminRequest struct {
	profileRequest
	Role     *domain.Role `json:"role"`
	IsActive *bool        `json:"isActive"`
}

// Me handles GET /users/me. The token is checked and its user loaded, so a disabled or
// deleted user is rejected even while the token is unexpired.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	u, err := h.current.CurrentUser(r.Context(), middleware.BearerToken(r))
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, toResponse(u))
}

// UpdateMe handles PUT /users/me.
func (h *Handler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		respond.Error(w, r, apperr.ErrTokenInvalid)
		return
	}
	var req profileRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, r, err)
		return
	}
	u, err := h.profiles.UpdateSelf(r.Context(), p.UserID, req.patch())
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, toResponse(u))
}

// List handles GET /users?limit=&offset=.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	users, err := h.profiles.List(r.Context(), limit, offset)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	out := make([]UserResponse, 0, len(users))
	for _, u := range users {
		out = append(out, toResponse(u))
	}
	respond.JSON(w, http.StatusOK, map[string]any{"users": out, "limit": limit, "offset": offset})
}

// Get handles GET /users/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	u, err := h.profiles.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, toResponse(u))
}

// Update handles PUT /users/{id}.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	var req adminRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, r, err)
		return
	}
	u, err := h.profiles.AdminUpdate(r.Context(), mux.Vars(r)["id"], domain.AdminPatch{
		ProfilePatch: req.patch(),
		Role:         req.Role,
		IsActive:     req.IsActive,
	})
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, toResponse(u))
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperr.Invalid(key + " must be a non-negative integer")
	}
	return n, nil
}
