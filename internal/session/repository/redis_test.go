package repository

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"chat-auth-platform/backend/internal/platform/apperr"
	"chat-auth-platform/backend/internal/platform/upstream"
	"chat-auth-platform/backend/internal/security"
	"chat-auth-platform/backend/internal/session/domain"
)

func newTestRegistry(t *testing.T, opts Options) (*RedisRegistry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	if opts.RefreshTTL == 0 {
		opts.RefreshTTL = time.Hour
	}
	return NewRedisRegistry(client, opts), mr
}

var device = domain.Device{UserAgent: "test-agent", IPAddress: "10.0.0.1"}

func TestRedisRegistry_CreateAndRotate(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRegistry(t, Options{})

	token, s, err := r.Create(ctx, domain.NewSession{UserID: "u1", Device: device})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.ID != security.HashRefreshToken(token) {
		t.Error("session id should be the token hash")
	}
	if mr.Exists(sessionKey(token)) {
		t.Error("raw token must not be stored as a key")
	}
	if ttl := mr.TTL(sessionKey(s.ID)); ttl != time.Hour {
		t.Errorf("session TTL = %v, want 1h", ttl)
	}

	next, ns, err := r.Rotate(ctx, token, domain.Device{IPAddress: "10.0.0.2"})
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if next == token || ns.ID == s.ID {
		t.Fatal("rotate must issue a new token")
	}
	if ns.LineageID != s.LineageID || ns.UserID != "u1" {
		t.Errorf("successor should inherit lineage and user: %+v", ns)
	}
	if ns.IPAddress != "10.0.0.2" || ns.UserAgent != "test-agent" {
		t.Errorf("device fields = %q/%q", ns.IPAddress, ns.UserAgent)
	}

	raw, err := mr.Get(sessionKey(s.ID))
	if err != nil {
		t.Fatalf("old record should be kept: %v", err)
	}
	var old domain.Session
	if err := json.Unmarshal([]byte(raw), &old); err != nil {
		t.Fatalf("decode old: %v", err)
	}
	if !old.Revoked || old.SupersededBy != ns.ID || old.RevokedAt == nil {
		t.Errorf("old record = %+v, want revoked and superseded by %s", old, ns.ID)
	}
	if mr.TTL(sessionKey(s.ID)) <= 0 {
		t.Error("old record should keep its TTL")
	}

	members, _ := mr.ZMembers(userIndexKey("u1"))
	if len(members) != 1 || members[0] != ns.ID {
		t.Errorf("user index = %v, want [%s]", members, ns.ID)
	}
}

func TestRedisRegistry_ReplayRevokesLineage(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, Options{})

	t0, _, _ := r.Create(ctx, domain.NewSession{UserID: "u1"})
	t1, _, err := r.Rotate(ctx, t0, device)
	if err != nil {
		t.Fatalf("Rotate t0: %v", err)
	}
	t2, _, err := r.Rotate(ctx, t1, device)
	if err != nil {
		t.Fatalf("Rotate t1: %v", err)
	}

	// Replaying the first token revokes the live leaf t2.
	if _, _, err := r.Rotate(ctx, t0, device); !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("replay: want ErrReplayDetected, got %v", err)
	}
	if _, _, err := r.Rotate(ctx, t2, device); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("leaf after replay: want ErrSessionInvalid, got %v", err)
	}
	sessions, err := r.ListByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("no live sessions expected after replay, got %d", len(sessions))
	}
}

func TestRedisRegistry_ReplayLeavesOtherLineages(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, Options{})

	a0, _, _ := r.Create(ctx, domain.NewSession{UserID: "u1"})
	b0, _, _ := r.Create(ctx, domain.NewSession{UserID: "u1"})
	if _, _, err := r.Rotate(ctx, a0, device); err != nil {
		t.Fatalf("Rotate a0: %v", err)
	}
	if _, _, err := r.Rotate(ctx, a0, device); !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("replay a0: %v", err)
	}
	if _, _, err := r.Rotate(ctx, b0, device); err != nil {
		t.Errorf("other lineage should survive, got %v", err)
	}
}

func TestRedisRegistry_ConcurrentRotateOneWinner(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, Options{})
	token, _, _ := r.Create(ctx, domain.NewSession{UserID: "u1"})

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []string
		failures  int
		otherErrs []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next, _, err := r.Rotate(ctx, token, device)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, next)
			case errors.Is(err, ErrSessionInvalid):
				failures++
			default:
				otherErrs = append(otherErrs, err)
			}
		}()
	}
	wg.Wait()

	if len(otherErrs) > 0 {
		t.Fatalf("unexpected errors: %v", otherErrs)
	}
	if len(winners) != 1 || failures != n-1 {
		t.Fatalf("winners = %d, failures = %d; want exactly one winner", len(winners), failures)
	}
	// The losers saw a replay, so the winner's token is revoked too.
	if _, _, err := r.Rotate(ctx, winners[0], device); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("winner token after concurrent replay: want ErrSessionInvalid, got %v", err)
	}
}

func TestRedisRegistry_RotateScriptIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRegistry(t, Options{})
	_, s, _ := r.Create(ctx, domain.NewSession{UserID: "u1"})
	raw, _ := mr.Get(sessionKey(s.ID))

	revoked := *s
	now := time.Now().UTC()
	revoked.Revoked, revoked.RevokedAt, revoked.SupersededBy = true, &now, "next-id"
	revokedRaw, _ := json.Marshal(&revoked)
	next := domain.Session{ID: "next-id", LineageID: s.LineageID, UserID: "u1", ExpiresAt: now.Add(time.Hour)}
	nextRaw, _ := json.Marshal(&next)

	for attempt := 1; attempt <= 2; attempt++ {
		ok, err := r.casRotate(ctx, "u1", s.ID, "next-id", raw, string(revokedRaw), string(nextRaw), next.ExpiresAt)
		if err != nil || !ok {
			t.Fatalf("attempt %d: ok=%v err=%v", attempt, ok, err)
		}
	}
	// A different attempt against the already rotated record loses.
	ok, err := r.casRotate(ctx, "u1", s.ID, "other-id", raw, string(revokedRaw)+" ", string(nextRaw), next.ExpiresAt)
	if err != nil || ok {
		t.Errorf("different attempt: ok=%v err=%v, want false", ok, err)
	}
}

func TestRedisRegistry_RotateInvalid(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRegistry(t, Options{})

	if _, _, err := r.Rotate(ctx, "never-issued", device); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("unknown token: want ErrSessionInvalid, got %v", err)
	}
	if errors.Is(ErrSessionInvalid, ErrReplayDetected) {
		t.Error("plain invalid must not look like a replay")
	}

	expired, _, _ := r.Create(ctx, domain.NewSession{UserID: "u1"})
	mr.FastForward(2 * time.Hour)
	if _, _, err := r.Rotate(ctx, expired, device); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("expired token: want ErrSessionInvalid, got %v", err)
	}

	revoked, _, _ := r.Create(ctx, domain.NewSession{UserID: "u1"})
	if err := r.Revoke(ctx, revoked); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	_, _, err := r.Rotate(ctx, revoked, device)
	if !errors.Is(err, ErrSessionInvalid) || errors.Is(err, ErrReplayDetected) {
		t.Errorf("revoked token: want plain ErrSessionInvalid, got %v", err)
	}
}

func TestRedisRegistry_Revoke(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRegistry(t, Options{})
	token, s, _ := r.Create(ctx, domain.NewSession{UserID: "u1"})

	if err := r.Revoke(ctx, token); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if !mr.Exists(sessionKey(s.ID)) {
		t.Error("revoked record should be kept until natural expiry")
	}
	if err := r.Revoke(ctx, token); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("second revoke: want ErrSessionInvalid, got %v", err)
	}
	if err := r.Revoke(ctx, "unknown"); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("unknown revoke: want ErrSessionInvalid, got %v", err)
	}
}

func TestRedisRegistry_CapEvictsLeastRecentlyRotated(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	r, _ := newTestRegistry(t, Options{MaxSessionsPerUser: 2, Now: func() time.Time { return clock }})

	first, _, _ := r.Create(ctx, domain.NewSession{UserID: "u1"})
	clock = clock.Add(time.Second)
	second, _, _ := r.Create(ctx, domain.NewSession{UserID: "u1"})
	clock = clock.Add(time.Second)
	// Rotating the first lineage makes the second the least recently rotated.
	first, _, err := r.Rotate(ctx, first, device)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	clock = clock.Add(time.Second)
	third, _, _ := r.Create(ctx, domain.NewSession{UserID: "u1"})

	if _, _, err := r.Rotate(ctx, second, device); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("evicted session: want ErrSessionInvalid, got %v", err)
	}
	list, _ := r.ListByUser(ctx, "u1")
	if len(list) != 2 {
		t.Fatalf("live sessions = %d, want 2", len(list))
	}
	for _, tok := range []string{first, third} {
		if _, _, err := r.Rotate(ctx, tok, device); err != nil {
			t.Errorf("surviving session should rotate: %v", err)
		}
	}
}

func TestRedisRegistry_RevokeAllAndList(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, Options{})
	a, _, _ := r.Create(ctx, domain.NewSession{UserID: "u1"})
	b, _, _ := r.Create(ctx, domain.NewSession{UserID: "u1"})
	other, _, _ := r.Create(ctx, domain.NewSession{UserID: "u2"})

	list, err := r.ListByUser(ctx, "u1")
	if err != nil || len(list) != 2 {
		t.Fatalf("ListByUser = %d, %v", len(list), err)
	}
	n, err := r.RevokeAll(ctx, "u1")
	if err != nil || n != 2 {
		t.Fatalf("RevokeAll = %d, %v; want 2", n, err)
	}
	for _, tok := range []string{a, b} {
		if _, _, err := r.Rotate(ctx, tok, device); !errors.Is(err, ErrSessionInvalid) {
			t.Errorf("revoked token rotate: %v", err)
		}
	}
	if _, _, err := r.Rotate(ctx, other, device); err != nil {
		t.Errorf("other user's session should survive: %v", err)
	}
	if n, _ := r.RevokeAll(ctx, "u1"); n != 0 {
		t.Errorf("second RevokeAll = %d, want 0", n)
	}
}

// rotateAfterScan runs hook once, right after the first ZRange returns, so a
// rotation lands between RevokeAll's index read and its revocations.
type rotateAfterScan struct {
	redis.UniversalClient
	once sync.Once
	hook func()
}

func (c *rotateAfterScan) ZRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	cmd := c.UniversalClient.ZRange(ctx, key, start, stop)
	c.once.Do(c.hook)
	return cmd
}

func TestRedisRegistry_RevokeAllFollowsConcurrentRotation(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	base := NewRedisRegistry(client, Options{RefreshTTL: time.Hour})

	token, _, err := base.Create(ctx, domain.NewSession{UserID: "u1", Device: device})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	var successor string
	var rotateErr error
	scanning := &rotateAfterScan{UniversalClient: client, hook: func() {
		successor, _, rotateErr = base.Rotate(ctx, token, device)
	}}
	r := NewRedisRegistry(scanning, Options{RefreshTTL: time.Hour})

	n, err := r.RevokeAll(ctx, "u1")
	if err != nil {
		t.Fatalf("RevokeAll: %v", err)
	}
	if rotateErr != nil || successor == "" {
		t.Fatalf("interleaved Rotate: %q, %v", successor, rotateErr)
	}
	if n != 1 {
		t.Errorf("RevokeAll = %d, want 1 (the successor)", n)
	}
	if _, _, err := base.Rotate(ctx, successor, device); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("successor rotated during RevokeAll must be revoked, got %v", err)
	}
	if list, err := base.ListByUser(ctx, "u1"); err != nil || len(list) != 0 {
		t.Errorf("ListByUser after RevokeAll = %d, %v; want none", len(list), err)
	}
}

func TestRedisRegistry_RevokeSession(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, Options{})
	token, s, _ := r.Create(ctx, domain.NewSession{UserID: "u1"})

	if err := r.RevokeSession(ctx, "u2", s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("other user's session: want ErrSessionNotFound, got %v", err)
	}
	if err := r.RevokeSession(ctx, "u1", "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("missing session: want ErrSessionNotFound, got %v", err)
	}
	if err := r.RevokeSession(ctx, "u1", s.ID); err != nil {
		t.Fatalf("RevokeSession: %v", err)
	}
	if err := r.RevokeSession(ctx, "u1", s.ID); err != nil {
		t.Errorf("repeat RevokeSession should succeed: %v", err)
	}
	if _, _, err := r.Rotate(ctx, token, device); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("rotate after RevokeSession: %v", err)
	}
}

func TestRedisRegistry_StoreDownIsUnavailable(t *testing.T) {
	r, mr := newTestRegistry(t, Options{Policy: upstream.Policy{Timeout: 200 * time.Millisecond, Backoff: time.Millisecond}})
	mr.Close()
	_, _, err := r.Create(context.Background(), domain.NewSession{UserID: "u1"})
	if apperr.KindOf(err) != apperr.KindUpstreamUnavailable {
		t.Errorf("Create with store down: want UpstreamUnavailable, got %v", err)
	}
	if err := r.Ping(context.Background()); apperr.KindOf(err) != apperr.KindUpstreamUnavailable {
		t.Errorf("Ping with store down: want UpstreamUnavailable, got %v", err)
	}
}
