// Package service implements the auth facade: registration, password login, refresh
// rotation, logout and token verification. It is the only layer that translates
// store, registry and token errors into apperr kinds.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat-auth-platform/backend/internal/audit"
	"chat-auth-platform/backend/internal/platform/apperr"
	"chat-auth-platform/backend/internal/platform/logger"
	"chat-auth-platform/backend/internal/ratelimit"
	"chat-auth-platform/backend/internal/security"
	sessiondomain "chat-auth-platform/backend/internal/session/domain"
	sessionrepo "chat-auth-platform/backend/internal/session/repository"
	"chat-auth-platform/backend/internal/telemetry"
	"chat-auth-platform/backend/internal/telemetry/metrics"
	userdomain "chat-auth-platform/backend/internal/user/domain"
	userrepo "chat-auth-platform/backend/internal/user/repository"
)

// TokenType is the token_type returned with every token pair.
const TokenType = "bearer"

// dummyPassword is hashed once and compared when the login handle is unknown, so
// unknown handles cost the same as wrong passwords.
const dummyPassword = "not-a-real-password-0000"

// UserRepo is the minimal user repository needed by the auth service.
type UserRepo interface {
	GetByID(ctx context.Context, id string) (*userdomain.User, error)
	GetByHandle(ctx context.Context, handle string) (*userdomain.User, error)
	Create(ctx context.Context, u *userdomain.User) error
	UpdatePasswordHash(ctx context.Context, id, hash string) error
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error
}

// Limiter is the rate limiter used for the per-handle login throttle.
type Limiter interface {
	Allow(ctx context.Context, class ratelimit.Class, key string) (ratelimit.Decision, error)
}

// RegisterInput is the input to Register. Handle is required; Email and Username
// optionally set the other identifier.
type RegisterInput struct {
	Handle   string
	Password string
	Email    string
	Username string
	FullName string
}

// LoginInput is the input to Login.
type LoginInput struct {
	Handle   string
	Password string
	sessiondomain.Device
}

// AuthResult holds the token pair returned by Login and Refresh.
type AuthResult struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int64
	UserID    string
	Role      userdomain.Role
	SessionID string
}

// Deps are the collaborators of AuthService. Limiter, Audit, Metrics and Logger may be nil.
type Deps struct {
	Users    UserRepo
	Sessions sessionrepo.Registry
	Tokens   *security.TokenProvider
	Hasher   *security.Hasher
	Policy   security.PasswordPolicy
	Limiter  Limiter
	Audit    audit.AuditLogger
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// AuthService implements register, login, refresh, logout and verification.
type AuthService struct {
	users    UserRepo
	sessions sessionrepo.Registry
	tokens   *security.TokenProvider
	hasher   *security.Hasher
	policy   security.PasswordPolicy
	limiter  Limiter
	audit    audit.AuditLogger
	metrics  *metrics.Metrics
	log      *slog.Logger

	dummyOnce sync.Once
	dummyHash string
}

// NewAuthService returns an AuthService with the given dependencies.
func NewAuthService(d Deps) *AuthService {
	a := d.Audit
	if a == nil {
		a = audit.Nop{}
	}
	return &AuthService{
		users:    d.Users,
		sessions: d.Sessions,
		tokens:   d.Tokens,
		hasher:   d.Hasher,
		policy:   d.Policy,
		limiter:  d.Limiter,
		audit:    a,
		metrics:  d.Metrics,
		log:      logger.OrDiscard(d.Logger),
	}
}

// Register creates an active user with role user. No session is created.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*userdomain.User, error) {
	u, err := s.register(ctx, in)
	s.record(ctx, telemetry.EventRegister, "register", userID(u), "", err)
	return u, err
}

func (s *AuthService) register(ctx context.Context, in RegisterInput) (*userdomain.User, error) {
	handle := userdomain.NormalizeHandle(in.Handle)
	if err := userdomain.ValidateHandle(handle); err != nil {
		return nil, apperr.Invalid(err.Error())
	}
	email, username := userdomain.NormalizeHandle(in.Email), userdomain.NormalizeHandle(in.Username)
	if userdomain.IsEmailHandle(handle) {
		if email != "" && email != handle {
			return nil, apperr.Invalid("email does not match handle")
		}
		email = handle
	} else {
		if username != "" && username != handle {
			return nil, apperr.Invalid("username does not match handle")
		}
		username = handle
	}
	if err := s.policy.Validate(in.Password); err != nil {
		return nil, apperr.Invalid(err.Error())
	}
	hash, err := s.hasher.Hash([]byte(in.Password))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "hash password")
	}
	now := time.Now().UTC()
	u := &userdomain.User{
		ID:           uuid.NewString(),
		Email:        email,
		Username:     username,
		PasswordHash: hash,
		Role:         userdomain.RoleUser,
		IsActive:     true,
		FullName:     strings.TrimSpace(in.FullName),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := u.Validate(); err != nil {
		return nil, apperr.Invalid(err.Error())
	}
	if err := s.users.Create(ctx, u); err != nil {
		if errors.Is(err, userrepo.ErrHandleTaken) {
			return nil, apperr.ErrHandleAlreadyExists
		}
		return nil, apperr.As(err)
	}
	return u, nil
}

// Login authenticates handle/password, creates a session and issues a token pair.
// Unknown handles, disabled users and wrong passwords all fail with InvalidCredentials.
func (s *AuthService) Login(ctx context.Context, in LoginInput) (*AuthResult, error) {
	res, err := s.login(ctx, in)
	ev := s.event(telemetry.EventLogin, in.Device)
	if res != nil {
		ev.UserID, ev.SessionID = res.UserID, res.SessionID
	}
	s.finish(ctx, ev, "login", err)
	return res, err
}

func (s *AuthService) login(ctx context.Context, in LoginInput) (*AuthResult, error) {
	handle := userdomain.NormalizeHandle(in.Handle)
	if handle == "" || in.Password == "" {
		return nil, apperr.ErrInvalidCredentials
	}
	if s.limiter != nil {
		d, err := s.limiter.Allow(ctx, ratelimit.ClassLoginHandle, handle)
		if err != nil {
			return nil, apperr.As(err)
		}
		if !d.Allowed {
			s.metrics.RateLimited(string(ratelimit.ClassLoginHandle))
			return nil, d.Err()
		}
	}
	u, err := s.users.GetByHandle(ctx, handle)
	if err != nil {
		return nil, apperr.As(err)
	}
	if u == nil {
		_ = s.hasher.Compare(s.dummy(), []byte(in.Password))
		return nil, apperr.ErrInvalidCredentials
	}
	if err := s.comparePassword(u.PasswordHash, in.Password); err != nil {
		return nil, err
	}
	if !u.IsActive {
		return nil, apperr.ErrInvalidCredentials
	}
	s.upgradeHash(ctx, u, in.Password)

	refreshToken, sess, err := s.sessions.Create(ctx, sessiondomain.NewSession{UserID: u.ID, Device: in.Device})
	if err != nil {
		return nil, apperr.As(err)
	}
	res, err := s.issue(ctx, u, refreshToken, sess)
	if err != nil {
		return nil, err
	}
	if err := s.users.UpdateLastLogin(ctx, u.ID, time.Now().UTC()); err != nil {
		s.log.WarnContext(ctx, "update last login failed", "user_id", u.ID, "error", err)
	}
	return res, nil
}

// Refresh rotates refreshToken and issues a new pair. The user is re-checked; a
// disabled or deleted user gets the new session revoked and SessionInvalid.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string, dev sessiondomain.Device) (*AuthResult, error) {
	res, err := s.refresh(ctx, refreshToken, dev)
	ev := s.event(telemetry.EventRefresh, dev)
	if res != nil {
		ev.UserID, ev.SessionID = res.UserID, res.SessionID
	}
	s.finish(ctx, ev, "refresh", err)
	return res, err
}

func (s *AuthService) refresh(ctx context.Context, refreshToken string, dev sessiondomain.Device) (*AuthResult, error) {
	if refreshToken == "" {
		return nil, apperr.ErrSessionInvalid
	}
	newToken, sess, err := s.sessions.Rotate(ctx, refreshToken, dev)
	if err != nil {
		if errors.Is(err, sessionrepo.ErrReplayDetected) {
			s.metrics.Replay()
			replay := s.event(telemetry.EventSessionReplay, dev)
			replay.Outcome, replay.Reason = telemetry.OutcomeFailure, "refresh token replayed"
			s.audit.LogEvent(ctx, replay)
		}
		return nil, registryErr(err)
	}
	u, err := s.users.GetByID(ctx, sess.UserID)
	if err != nil {
		s.revokeQuietly(ctx, newToken)
		return nil, apperr.As(err)
	}
	if u == nil || !u.IsActive {
		s.revokeQuietly(ctx, newToken)
		return nil, apperr.ErrSessionInvalid
	}
	return s.issue(ctx, u, newToken, sess)
}

// Logout revokes the session of refreshToken. Unknown or already revoked tokens succeed;
// store outages are returned so the client can retry.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	err := s.logout(ctx, refreshToken)
	ev := s.event(telemetry.EventLogout, sessiondomain.Device{})
	if refreshToken != "" {
		ev.SessionID = security.HashRefreshToken(refreshToken)
	}
	s.finish(ctx, ev, "logout", err)
	return err
}

func (s *AuthService) logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	err := s.sessions.Revoke(ctx, refreshToken)
	if err == nil || errors.Is(err, sessionrepo.ErrSessionInvalid) {
		return nil
	}
	return apperr.As(err)
}

// LogoutAll revokes every session of userID and returns how many were revoked.
func (s *AuthService) LogoutAll(ctx context.Context, userID string) (int, error) {
	n, err := s.sessions.RevokeAll(ctx, userID)
	if err != nil {
		err = apperr.As(err)
	}
	s.record(ctx, telemetry.EventLogoutAll, "logout_all", userID, "", err)
	return n, err
}

// Verify validates an access token statelessly.
func (s *AuthService) Verify(ctx context.Context, accessToken string) (*security.AccessClaims, error) {
	claims, err := s.tokens.ValidateAccess(accessToken)
	if err != nil {
		if errors.Is(err, security.ErrTokenExpired) {
			return nil, apperr.ErrTokenExpired
		}
		return nil, apperr.ErrTokenInvalid
	}
	return claims, nil
}

// CurrentUser verifies accessToken and loads its user. A missing or disabled user is TokenInvalid.
func (s *AuthService) CurrentUser(ctx context.Context, accessToken string) (*userdomain.User, error) {
	claims, err := s.Verify(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	return s.ActiveUser(ctx, claims.UserID())
}

// ActiveUser loads userID and fails with TokenInvalid when it is missing or disabled.
func (s *AuthService) ActiveUser(ctx context.Context, userID string) (*userdomain.User, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, apperr.As(err)
	}
	if u == nil || !u.IsActive {
		return nil, apperr.ErrTokenInvalid
	}
	return u, nil
}

// ChangePassword verifies current, stores the hash of next and revokes every session.
func (s *AuthService) ChangePassword(ctx context.Context, userID, current, next string) error {
	err := s.changePassword(ctx, userID, current, next)
	s.record(ctx, telemetry.EventPasswordChange, "change_password", userID, "", err)
	return err
}

func (s *AuthService) changePassword(ctx context.Context, userID, current, next string) error {
	u, err := s.ActiveUser(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.comparePassword(u.PasswordHash, current); err != nil {
		return err
	}
	if err := s.policy.Validate(next); err != nil {
		return apperr.Invalid(err.Error())
	}
	hash, err := s.hasher.Hash([]byte(next))
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "hash password")
	}
	if err := s.users.UpdatePasswordHash(ctx, u.ID, hash); err != nil {
		return apperr.As(err)
	}
	if _, err := s.sessions.RevokeAll(ctx, u.ID); err != nil {
		return apperr.As(err)
	}
	return nil
}

// ListSessions returns the live sessions of userID.
func (s *AuthService) ListSessions(ctx context.Context, userID string) ([]*sessiondomain.Session, error) {
	list, err := s.sessions.ListByUser(ctx, userID)
	if err != nil {
		return nil, apperr.As(err)
	}
	return list, nil
}

// RevokeSession revokes one of userID's sessions. Foreign or unknown ids are NotFound.
func (s *AuthService) RevokeSession(ctx context.Context, userID, sessionID string) error {
	err := s.sessions.RevokeSession(ctx, userID, sessionID)
	if errors.Is(err, sessionrepo.ErrSessionNotFound) {
		err = apperr.New(apperr.KindNotFound, "session not found")
	} else if err != nil {
		err = apperr.As(err)
	}
	s.record(ctx, telemetry.EventSessionRevoke, "revoke_session", userID, sessionID, err)
	return err
}

// issue signs an access token for u and pairs it with the session's refresh token.
// The session is revoked again when signing fails.
func (s *AuthService) issue(ctx context.Context, u *userdomain.User, refreshToken string, sess *sessiondomain.Session) (*AuthResult, error) {
	access, exp, err := s.tokens.IssueAccess(u.ID, string(u.Role))
	if err != nil {
		s.revokeQuietly(ctx, refreshToken)
		return nil, apperr.Wrap(apperr.KindInternal, err, "issue access token")
	}
	return &AuthResult{
		AccessToken:  access,
		RefreshToken: refreshToken,
		TokenType:    TokenType,
		ExpiresAt:    exp,
		ExpiresIn:    int64(s.tokens.AccessTTL() / time.Second),
		UserID:       u.ID,
		Role:         u.Role,
		SessionID:    sess.ID,
	}, nil
}

func (s *AuthService) comparePassword(hash, password string) error {
	switch err := s.hasher.Compare(hash, []byte(password)); {
	case err == nil:
		return nil
	case errors.Is(err, security.ErrInvalidHashFormat):
		return apperr.ErrInvalidCredentialFormat
	default:
		return apperr.ErrInvalidCredentials
	}
}

// upgradeHash rehashes password with the current parameters. Best effort.
func (s *AuthService) upgradeHash(ctx context.Context, u *userdomain.User, password string) {
	if !s.hasher.NeedsRehash(u.PasswordHash) {
		return
	}
	hash, err := s.hasher.Hash([]byte(password))
	if err == nil {
		err = s.users.UpdatePasswordHash(ctx, u.ID, hash)
	}
	if err != nil {
		s.log.WarnContext(ctx, "password rehash failed", "user_id", u.ID, "error", err)
		return
	}
	u.PasswordHash = hash
}

func (s *AuthService) dummy() string {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = s.hasher.Hash([]byte(dummyPassword))
	})
	return s.dummyHash
}

func (s *AuthService) revokeQuietly(ctx context.Context, refreshToken string) {
	if err := s.sessions.Revoke(ctx, refreshToken); err != nil && !errors.Is(err, sessionrepo.ErrSessionInvalid) {
		s.log.WarnContext(ctx, "revoke issued session failed", "error", err)
	}
}

// registryErr maps registry failures: store outages pass through, everything else is SessionInvalid.
func registryErr(err error) error {
	if apperr.KindOf(err) == apperr.KindUpstreamUnavailable {
		return err
	}
	return apperr.ErrSessionInvalid
}

func (s *AuthService) event(eventType string, dev sessiondomain.Device) *telemetry.Event {
	ev := telemetry.NewEvent(eventType, telemetry.OutcomeSuccess)
	ev.IPAddress, ev.UserAgent = dev.IPAddress, dev.UserAgent
	return ev
}

func (s *AuthService) record(ctx context.Context, eventType, op, uid, sessionID string, err error) {
	ev := s.event(eventType, sessiondomain.Device{})
	ev.UserID, ev.SessionID = uid, sessionID
	s.finish(ctx, ev, op, err)
}

// finish sets the outcome of ev from err, writes the audit event and counts op.
func (s *AuthService) finish(ctx context.Context, ev *telemetry.Event, op string, err error) {
	outcome := telemetry.OutcomeSuccess
	if err != nil {
		outcome = string(apperr.KindOf(err))
		ev.Outcome, ev.Reason = telemetry.OutcomeFailure, outcome
	}
	s.metrics.Operation(op, outcome)
	s.audit.LogEvent(ctx, ev)
}

func userID(u *userdomain.User) string {
	if u == nil {
		return ""
	}
	return u.ID
}
