package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"chat-auth-platform/backend/internal/platform/apperr"
	"chat-auth-platform/backend/internal/platform/upstream"
	"chat-auth-platform/backend/internal/ratelimit"
	"chat-auth-platform/backend/internal/security"
	sessiondomain "chat-auth-platform/backend/internal/session/domain"
	sessionrepo "chat-auth-platform/backend/internal/session/repository"
	"chat-auth-platform/backend/internal/telemetry"
	"chat-auth-platform/backend/internal/telemetry/metrics"
	userdomain "chat-auth-platform/backend/internal/user/domain"
	userrepo "chat-auth-platform/backend/internal/user/repository"
)

var (
	fastArgon2 = security.Argon2Params{Memory: 1024, Time: 1, Threads: 1}
	device     = sessiondomain.Device{UserAgent: "test-agent", IPAddress: "10.0.0.1"}
)

const password = "correct-horse-1"

// recordingAudit implements audit.AuditLogger and keeps every event.
type recordingAudit struct {
	mu     sync.Mutex
	events []*telemetry.Event
}

func (r *recordingAudit) LogEvent(ctx context.Context, e *telemetry.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingAudit) last(eventType string) *telemetry.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == eventType {
			return r.events[i]
		}
	}
	return nil
}

type fixture struct {
	svc    *AuthService
	users  *userrepo.MemoryRepository
	mr     *miniredis.Miniredis
	audit  *recordingAudit
	tokens *security.TokenProvider
	hasher *security.Hasher
}

func newFixture(t *testing.T, rules ratelimit.Rules) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	policy := upstream.Policy{Timeout: 200 * time.Millisecond, Backoff: time.Millisecond}

	f := &fixture{
		users:  userrepo.NewMemoryRepository(),
		mr:     mr,
		audit:  &recordingAudit{},
		tokens: security.NewTestTokenProvider(),
		hasher: security.NewArgon2Hasher(fastArgon2),
	}
	var limiter Limiter
	if rules != nil {
		limiter = ratelimit.New(client, rules, policy)
	}
	f.svc = NewAuthService(Deps{
		Users:    f.users,
		Sessions: sessionrepo.NewRedisRegistry(client, sessionrepo.Options{RefreshTTL: time.Hour, MaxSessionsPerUser: 5, Policy: policy}),
		Tokens:   f.tokens,
		Hasher:   f.hasher,
		Policy:   security.PasswordPolicy{MinLength: 8},
		Limiter:  limiter,
		Audit:    f.audit,
		Metrics:  metrics.New(),
	})
	return f
}

func (f *fixture) register(t *testing.T, handle string) *userdomain.User {
	t.Helper()
	u, err := f.svc.Register(context.Background(), RegisterInput{Handle: handle, Password: password})
	if err != nil {
		t.Fatalf("Register(%q): %v", handle, err)
	}
	return u
}

func (f *fixture) login(t *testing.T, handle string) *AuthResult {
	t.Helper()
	res, err := f.svc.Login(context.Background(), LoginInput{Handle: handle, Password: password, Device: device})
	if err != nil {
		t.Fatalf("Login(%q): %v", handle, err)
	}
	return res
}

func wantKind(t *testing.T, err error, kind apperr.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("want %s, got nil", kind)
	}
	if got := apperr.KindOf(err); got != kind {
		t.Fatalf("want %s, got %s (%v)", kind, got, err)
	}
}

func TestAuthService_Register(t *testing.T) {
	f := newFixture(t, nil)
	u, err := f.svc.Register(context.Background(), RegisterInput{Handle: " Alice@Example.com ", Password: password, Username: "alice", FullName: " Alice "})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if u.ID == "" || u.Email != "alice@example.com" || u.Username != "alice" || u.FullName != "Alice" {
		t.Errorf("user = %+v", u)
	}
	if u.Role != userdomain.RoleUser || !u.IsActive {
		t.Errorf("new users are active with role user, got %+v", u)
	}
	if !strings.HasPrefix(u.PasswordHash, "$argon2id$") || strings.Contains(u.PasswordHash, password) {
		t.Errorf("password hash = %q", u.PasswordHash)
	}
	stored, _ := f.users.GetByHandle(context.Background(), "alice")
	if stored == nil || stored.ID != u.ID {
		t.Fatal("user should be findable by username")
	}
	if ev := f.audit.last(telemetry.EventRegister); ev == nil || ev.Outcome != telemetry.OutcomeSuccess || ev.UserID != u.ID {
		t.Errorf("register event = %+v", ev)
	}

	sessions, _ := f.svc.ListSessions(context.Background(), u.ID)
	if len(sessions) != 0 {
		t.Error("register must not create a session")
	}
}

func TestAuthService_RegisterDuplicate(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "bob")
	_, err := f.svc.Register(context.Background(), RegisterInput{Handle: "BOB", Password: password})
	wantKind(t, err, apperr.KindHandleAlreadyExists)
	if ev := f.audit.last(telemetry.EventRegister); ev.Outcome != telemetry.OutcomeFailure || ev.Reason != string(apperr.KindHandleAlreadyExists) {
		t.Errorf("failed register event = %+v", ev)
	}
}

func TestAuthService_RegisterValidation(t *testing.T) {
	f := newFixture(t, nil)
	testCases := []struct {
		name string
		in   RegisterInput
	}{
		{"empty handle", RegisterInput{Password: password}},
		{"bad email", RegisterInput{Handle: "a@b", Password: password}},
		{"short username", RegisterInput{Handle: "ab", Password: password}},
		{"username with spaces", RegisterInput{Handle: "a b c", Password: password}},
		{"short password", RegisterInput{Handle: "carol", Password: "short"}},
		{"email mismatch", RegisterInput{Handle: "carol@example.com", Email: "other@example.com", Password: password}},
		{"username mismatch", RegisterInput{Handle: "carol", Username: "dave", Password: password}},
		{"bad secondary email", RegisterInput{Handle: "carol", Email: "nope", Password: password}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Register(context.Background(), tc.in)
			wantKind(t, err, apperr.KindInvalidInput)
		})
	}
}

func TestAuthService_Login(t *testing.T) {
	f := newFixture(t, nil)
	u := f.register(t, "erin@example.com")

	res := f.login(t, "ERIN@example.com")
	if res.AccessToken == "" || res.RefreshToken == "" || res.TokenType != "bearer" {
		t.Fatalf("result = %+v", res)
	}
	if res.ExpiresIn != int64(f.tokens.AccessTTL()/time.Second) || res.UserID != u.ID || res.Role != userdomain.RoleUser {
		t.Errorf("result = %+v", res)
	}
	if res.SessionID != security.HashRefreshToken(res.RefreshToken) {
		t.Error("session id should be the refresh token hash")
	}
	claims, err := f.svc.Verify(context.Background(), res.AccessToken)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.UserID() != u.ID || claims.Role != "user" {
		t.Errorf("claims = %+v", claims)
	}
	stored, _ := f.users.GetByID(context.Background(), u.ID)
	if stored.LastLoginAt == nil {
		t.Error("last_login_at should be set")
	}
	ev := f.audit.last(telemetry.EventLogin)
	if ev.Outcome != telemetry.OutcomeSuccess || ev.UserID != u.ID || ev.IPAddress != device.IPAddress || ev.UserAgent != device.UserAgent {
		t.Errorf("login event = %+v", ev)
	}
}

func TestAuthService_LoginFailures(t *testing.T) {
	f := newFixture(t, nil)
	u := f.register(t, "frank")
	disabled := f.register(t, "grace")
	if err := f.users.UpdateRoleAndStatus(context.Background(), disabled.ID, userdomain.RoleUser, false); err != nil {
		t.Fatalf("disable: %v", err)
	}

	testCases := []struct {
		name     string
		handle   string
		password string
	}{
		{"unknown handle", "nobody", password},
		{"wrong password", "frank", "wrong-password"},
		{"disabled user", "grace", password},
		{"empty password", "frank", ""},
		{"empty handle", "", password},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := f.svc.Login(context.Background(), LoginInput{Handle: tc.handle, Password: tc.password})
			wantKind(t, err, apperr.KindInvalidCredentials)
			if res != nil {
				t.Error("failed login must not return tokens")
			}
		})
	}
	sessions, _ := f.svc.ListSessions(context.Background(), u.ID)
	if len(sessions) != 0 {
		t.Error("failed logins must not create sessions")
	}
}

func TestAuthService_LoginHandleThrottle(t *testing.T) {
	f := newFixture(t, ratelimit.Rules{ratelimit.ClassLoginHandle: {Limit: 2, Window: time.Minute}})
	f.register(t, "heidi")

	for i := 0; i < 2; i++ {
		_, err := f.svc.Login(context.Background(), LoginInput{Handle: "heidi", Password: "wrong-password"})
		wantKind(t, err, apperr.KindInvalidCredentials)
	}
	_, err := f.svc.Login(context.Background(), LoginInput{Handle: "HEIDI", Password: password})
	wantKind(t, err, apperr.KindRateLimitExceeded)
	if e := apperr.As(err); e.RetryAfter < time.Second {
		t.Errorf("RetryAfter = %v, want >= 1s", e.RetryAfter)
	}
	// Other handles are unaffected.
	f.register(t, "ivan")
	f.login(t, "ivan")
}

func TestAuthService_LoginUpgradesHash(t *testing.T) {
	f := newFixture(t, nil)
	u := f.register(t, "judy")
	legacy, err := security.NewHasher(4).Hash([]byte(password))
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	if err := f.users.UpdatePasswordHash(context.Background(), u.ID, legacy); err != nil {
		t.Fatalf("UpdatePasswordHash: %v", err)
	}

	f.login(t, "judy")
	stored, _ := f.users.GetByID(context.Background(), u.ID)
	if !strings.HasPrefix(stored.PasswordHash, "$argon2id$") {
		t.Errorf("hash should be upgraded to argon2id, got %q", stored.PasswordHash)
	}
	f.login(t, "judy")
}

func TestAuthService_LoginMalformedHash(t *testing.T) {
	f := newFixture(t, nil)
	u := f.register(t, "mallory")
	if err := f.users.UpdatePasswordHash(context.Background(), u.ID, "$argon2id$garbage"); err != nil {
		t.Fatalf("UpdatePasswordHash: %v", err)
	}
	_, err := f.svc.Login(context.Background(), LoginInput{Handle: "mallory", Password: password})
	wantKind(t, err, apperr.KindInvalidCredentialFormat)
}

func TestAuthService_RefreshRotates(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "kate")
	first := f.login(t, "kate")

	second, err := f.svc.Refresh(context.Background(), first.RefreshToken, device)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if second.RefreshToken == first.RefreshToken || second.AccessToken == "" {
		t.Fatalf("refresh should issue a new pair: %+v", second)
	}
	if _, err := f.svc.Verify(context.Background(), second.AccessToken); err != nil {
		t.Errorf("new access token: %v", err)
	}

	// The exchanged token never authenticates again, and presenting it revokes the lineage.
	_, err = f.svc.Refresh(context.Background(), first.RefreshToken, device)
	wantKind(t, err, apperr.KindSessionInvalid)
	if ev := f.audit.last(telemetry.EventSessionReplay); ev == nil {
		t.Error("replay should be audited")
	}
	_, err = f.svc.Refresh(context.Background(), second.RefreshToken, device)
	wantKind(t, err, apperr.KindSessionInvalid)
}

func TestAuthService_RefreshInvalid(t *testing.T) {
	f := newFixture(t, nil)
	for _, token := range []string{"", "not-a-token"} {
		_, err := f.svc.Refresh(context.Background(), token, device)
		wantKind(t, err, apperr.KindSessionInvalid)
	}
}

func TestAuthService_RefreshDisabledUser(t *testing.T) {
	f := newFixture(t, nil)
	u := f.register(t, "leo")
	res := f.login(t, "leo")
	if err := f.users.UpdateRoleAndStatus(context.Background(), u.ID, userdomain.RoleUser, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	_, err := f.svc.Refresh(context.Background(), res.RefreshToken, device)
	wantKind(t, err, apperr.KindSessionInvalid)

	sessions, err := f.svc.ListSessions(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("rotated session of a disabled user should be revoked, got %d live", len(sessions))
	}
}

func TestAuthService_RefreshPicksUpRoleChange(t *testing.T) {
	f := newFixture(t, nil)
	u := f.register(t, "mia")
	res := f.login(t, "mia")
	if err := f.users.UpdateRoleAndStatus(context.Background(), u.ID, userdomain.RoleAdmin, true); err != nil {
		t.Fatalf("promote: %v", err)
	}
	next, err := f.svc.Refresh(context.Background(), res.RefreshToken, device)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	claims, _ := f.svc.Verify(context.Background(), next.AccessToken)
	if claims.Role != "admin" {
		t.Errorf("role = %q, want admin", claims.Role)
	}
}

func TestAuthService_Logout(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "nina")
	res := f.login(t, "nina")

	if err := f.svc.Logout(context.Background(), res.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	_, err := f.svc.Refresh(context.Background(), res.RefreshToken, device)
	wantKind(t, err, apperr.KindSessionInvalid)

	// Repeated, unknown and empty tokens are still success.
	for _, token := range []string{res.RefreshToken, "unknown-token", ""} {
		if err := f.svc.Logout(context.Background(), token); err != nil {
			t.Errorf("Logout(%q): %v", token, err)
		}
	}
	// The access token stays valid until it expires.
	if _, err := f.svc.CurrentUser(context.Background(), res.AccessToken); err != nil {
		t.Errorf("CurrentUser after logout: %v", err)
	}
}

func TestAuthService_LogoutStoreDown(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "oscar")
	res := f.login(t, "oscar")
	f.mr.Close()

	wantKind(t, f.svc.Logout(context.Background(), res.RefreshToken), apperr.KindUpstreamUnavailable)
	_, err := f.svc.Refresh(context.Background(), res.RefreshToken, device)
	wantKind(t, err, apperr.KindUpstreamUnavailable)
}

func TestAuthService_LogoutAll(t *testing.T) {
	f := newFixture(t, nil)
	u := f.register(t, "peggy")
	a := f.login(t, "peggy")
	b := f.login(t, "peggy")

	n, err := f.svc.LogoutAll(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("LogoutAll: %v", err)
	}
	if n != 2 {
		t.Errorf("revoked = %d, want 2", n)
	}
	for _, res := range []*AuthResult{a, b} {
		_, err := f.svc.Refresh(context.Background(), res.RefreshToken, device)
		wantKind(t, err, apperr.KindSessionInvalid)
	}
}

func TestAuthService_Verify(t *testing.T) {
	f := newFixture(t, nil)
	expired, _, err := f.tokens.WithClock(func() time.Time { return time.Now().Add(-time.Hour) }).IssueAccess("u1", "user")
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	testCases := []struct {
		name  string
		token string
		want  apperr.Kind
	}{
		{"expired", expired, apperr.KindTokenExpired},
		{"garbage", "garbage", apperr.KindTokenInvalid},
		{"empty", "", apperr.KindTokenInvalid},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Verify(context.Background(), tc.token)
			wantKind(t, err, tc.want)
		})
	}
}

func TestAuthService_CurrentUser(t *testing.T) {
	f := newFixture(t, nil)
	u := f.register(t, "quinn")
	res := f.login(t, "quinn")

	got, err := f.svc.CurrentUser(context.Background(), res.AccessToken)
	if err != nil {
		t.Fatalf("CurrentUser: %v", err)
	}
	if got.ID != u.ID || got.Handle() != "quinn" {
		t.Errorf("user = %+v", got)
	}

	if err := f.users.UpdateRoleAndStatus(context.Background(), u.ID, userdomain.RoleUser, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	_, err = f.svc.CurrentUser(context.Background(), res.AccessToken)
	wantKind(t, err, apperr.KindTokenInvalid)

	orphan, _, _ := f.tokens.IssueAccess("missing-user", "user")
	_, err = f.svc.CurrentUser(context.Background(), orphan)
	wantKind(t, err, apperr.KindTokenInvalid)
}

func TestAuthService_ChangePassword(t *testing.T) {
	f := newFixture(t, nil)
	u := f.register(t, "rupert")
	res := f.login(t, "rupert")

	wantKind(t, f.svc.ChangePassword(context.Background(), u.ID, "wrong-password", "new-password-1"), apperr.KindInvalidCredentials)
	wantKind(t, f.svc.ChangePassword(context.Background(), u.ID, password, "short"), apperr.KindInvalidInput)

	if err := f.svc.ChangePassword(context.Background(), u.ID, password, "new-password-1"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	_, err := f.svc.Refresh(context.Background(), res.RefreshToken, device)
	wantKind(t, err, apperr.KindSessionInvalid)

	_, err = f.svc.Login(context.Background(), LoginInput{Handle: "rupert", Password: password})
	wantKind(t, err, apperr.KindInvalidCredentials)
	if _, err := f.svc.Login(context.Background(), LoginInput{Handle: "rupert", Password: "new-password-1"}); err != nil {
		t.Errorf("login with new password: %v", err)
	}
}

func TestAuthService_Sessions(t *testing.T) {
	f := newFixture(t, nil)
	u := f.register(t, "sybil")
	f.register(t, "trent")
	res := f.login(t, "sybil")
	otherRes := f.login(t, "trent")

	list, err := f.svc.ListSessions(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(list) != 1 || list[0].ID != res.SessionID || list[0].UserAgent != device.UserAgent {
		t.Fatalf("sessions = %+v", list)
	}

	err = f.svc.RevokeSession(context.Background(), u.ID, otherRes.SessionID)
	wantKind(t, err, apperr.KindNotFound)
	if err := f.svc.RevokeSession(context.Background(), u.ID, res.SessionID); err != nil {
		t.Fatalf("RevokeSession: %v", err)
	}
	_, err = f.svc.Refresh(context.Background(), res.RefreshToken, device)
	wantKind(t, err, apperr.KindSessionInvalid)
	if _, err := f.svc.Refresh(context.Background(), otherRes.RefreshToken, device); err != nil {
		t.Errorf("other user's session should survive: %v", err)
	}
}

// failingRegistry is a Registry whose every call fails with err.
type failingRegistry struct{ err error }

func (r failingRegistry) Create(context.Context, sessiondomain.NewSession) (string, *sessiondomain.Session, error) {
	return "", nil, r.err
}
func (r failingRegistry) Rotate(context.Context, string, sessiondomain.Device) (string, *sessiondomain.Session, error) {
	return "", nil, r.err
}
func (r failingRegistry) Revoke(context.Context, string) error           { return r.err }
func (r failingRegistry) RevokeAll(context.Context, string) (int, error) { return 0, r.err }
func (r failingRegistry) ListByUser(context.Context, string) ([]*sessiondomain.Session, error) {
	return nil, r.err
}
func (r failingRegistry) RevokeSession(context.Context, string, string) error { return r.err }
func (r failingRegistry) Ping(context.Context) error                         { return r.err }

func TestAuthService_RegistryErrorMapping(t *testing.T) {
	testCases := []struct {
		name        string
		err         error
		wantLogin   apperr.Kind
		wantRefresh apperr.Kind
	}{
		{"upstream passes through", apperr.Unavailable(errors.New("down")), apperr.KindUpstreamUnavailable, apperr.KindUpstreamUnavailable},
		{"other errors", errors.New("decode failed"), apperr.KindInternal, apperr.KindSessionInvalid},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			users := userrepo.NewMemoryRepository()
			svc := NewAuthService(Deps{
				Users:    users,
				Sessions: failingRegistry{err: tc.err},
				Tokens:   security.NewTestTokenProvider(),
				Hasher:   security.NewArgon2Hasher(fastArgon2),
				Policy:   security.PasswordPolicy{MinLength: 8},
			})
			if _, err := svc.Register(context.Background(), RegisterInput{Handle: "uma", Password: password}); err != nil {
				t.Fatalf("Register: %v", err)
			}
			_, err := svc.Login(context.Background(), LoginInput{Handle: "uma", Password: password})
			wantKind(t, err, tc.wantLogin)
			_, err = svc.Refresh(context.Background(), "token", device)
			wantKind(t, err, tc.wantRefresh)
		})
	}
}
