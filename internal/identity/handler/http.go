// Package handler exposes the auth service over HTTP.
package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"chat-auth-platform/backend/internal/identity/service"
	"chat-auth-platform/backend/internal/platform/apperr"
	"chat-auth-platform/backend/internal/security"
	"chat-auth-platform/backend/internal/server/middleware"
	"chat-auth-platform/backend/internal/server/respond"
	sessiondomain "chat-auth-platform/backend/internal/session/domain"
	userdomain "chat-auth-platform/backend/internal/user/domain"
)

// AuthService is the subset of service.AuthService used by the handlers.
type AuthService interface {
	Register(ctx context.Context, in service.RegisterInput) (*userdomain.User, error)
	Login(ctx context.Context, in service.LoginInput) (*service.AuthResult, error)
	Refresh(ctx context.Context, refreshToken string, dev sessiondomain.Device) (*service.AuthResult, error)
	Logout(ctx context.Context, refreshToken string) error
	LogoutAll(ctx context.Context, userID string) (int, error)
	Verify(ctx context.Context, accessToken string) (*security.AccessClaims, error)
	ChangePassword(ctx context.Context, userID, current, next string) error
}

// Handler serves the /auth routes.
type Handler struct {
	auth AuthService
}

// New returns a Handler backed by auth.
func New(auth AuthService) *Handler {
	return &Handler{auth: auth}
}

type registerRequest struct {
	Handle   string `json:"handle"`
	Password string `json:"password"`
	Email    string `json:"email"`
	Username string `json:"username"`
	FullName string `json:"fullName"`
}

type credentialsRequest struct {
	Handle   string `json:"handle"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type passwordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// TokenResponse is the token pair returned by login and refresh.
type TokenResponse struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	TokenType    string    `json:"tokenType"`
	ExpiresIn    int64     `json:"expiresIn"`
	ExpiresAt    time.Time `json:"expiresAt"`
	UserID       string    `json:"userId"`
	Role         string    `json:"role"`
}

// OAuthTokenResponse is the RFC 6749 section 5.1 shape of the password grant.
type OAuthTokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

// VerifyResponse is the token verification contract used by the chatbot.
type VerifyResponse struct {
	UserID    string    `json:"userId"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func tokenResponse(res *service.AuthResult) TokenResponse {
	return TokenResponse{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		TokenType:    res.TokenType,
		ExpiresIn:    res.ExpiresIn,
		ExpiresAt:    res.ExpiresAt,
		UserID:       res.UserID,
		Role:         string(res.Role),
	}
}

func device(r *http.Request) sessiondomain.Device {
	return sessiondomain.Device{UserAgent: r.UserAgent(), IPAddress: middleware.ClientIPFrom(r.Context())}
}

// Register handles POST /auth/register.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, r, err)
		return
	}
	u, err := h.auth.Register(r.Context(), service.RegisterInput{
		Handle:   req.Handle,
		Password: req.Password,
		Email:    req.Email,
		Username: req.Username,
		FullName: req.FullName,
	})
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusCreated, map[string]string{"userId": u.ID})
}

// Login handles POST /auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, r, err)
		return
	}
	res, err := h.auth.Login(r.Context(), service.LoginInput{Handle: req.Handle, Password: req.Password, Device: device(r)})
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, tokenResponse(res))
}

// LoginOAuth handles POST /auth/login/oauth, an OAuth2 password grant posted as a form.
func (h *Handler) LoginOAuth(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, respond.MaxBodyBytes)
	if err := r.ParseForm(); err != nil {
		respond.Error(w, r, apperr.Invalid("request body must be a url-encoded form"))
		return
	}
	if gt := r.PostForm.Get("grant_type"); gt != "" && gt != "password" {
		respond.Error(w, r, apperr.Invalid("grant_type must be password"))
		return
	}
	res, err := h.auth.Login(r.Context(), service.LoginInput{
		Handle:   r.PostForm.Get("username"),
		Password: r.PostForm.Get("password"),
		Device:   device(r),
	})
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, OAuthTokenResponse{
		AccessToken:  res.AccessToken,
		TokenType:    res.TokenType,
		ExpiresIn:    res.ExpiresIn,
		RefreshToken: res.RefreshToken,
	})
}

// Refresh handles POST /auth/refresh.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, r, err)
		return
	}
	token := strings.TrimSpace(req.RefreshToken)
	if token == "" {
		respond.Error(w, r, apperr.ErrSessionInvalid)
		return
	}
	res, err := h.auth.Refresh(r.Context(), token, device(r))
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, tokenResponse(res))
}

// Logout handles POST /auth/logout. Unknown or already revoked tokens still succeed.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, r, err)
		return
	}
	if err := h.auth.Logout(r.Context(), strings.TrimSpace(req.RefreshToken)); err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.NoContent(w)
}

// LogoutAll handles POST /auth/logout/all for the authenticated caller.
func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		respond.Error(w, r, apperr.ErrTokenInvalid)
		return
	}
	if _, err := h.auth.LogoutAll(r.Context(), p.UserID); err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.NoContent(w)
}

// Verify handles POST /auth/verify. It checks the bearer token without touching any store.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	token := middleware.BearerToken(r)
	if token == "" {
		respond.Error(w, r, apperr.ErrTokenInvalid)
		return
	}
	claims, err := h.auth.Verify(r.Context(), token)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	resp := VerifyResponse{UserID: claims.UserID(), Role: claims.Role}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	respond.JSON(w, http.StatusOK, resp)
}

// ChangePassword handles POST /auth/password for the authenticated caller.
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		respond.Error(w, r, apperr.ErrTokenInvalid)
		return
	}
	var req passwordRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, r, err)
		return
	}
	if err := h.auth.ChangePassword(r.Context(), p.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.NoContent(w)
}
