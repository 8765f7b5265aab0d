package repository

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"chat-auth-platform/backend/internal/kv"
	"chat-auth-platform/backend/internal/platform/logger"
	"chat-auth-platform/backend/internal/platform/upstream"
	"chat-auth-platform/backend/internal/security"
	"chat-auth-platform/backend/internal/session/domain"
)

const (
	sessionKeyPrefix   = "session:"
	userIndexKeyPrefix = "user_sessions:"

	// maxLineageWalk bounds the superseded-by walk on replay.
	maxLineageWalk = 1024
	// maxCASAttempts bounds revoke retries when a record changes under us.
	maxCASAttempts = 3
	// maxRevokeAllRounds bounds index re-reads in RevokeAll.
	maxRevokeAllRounds = 8
)

// createScript stores a new record, indexes it and evicts the least recently rotated
// sessions beyond the cap. Evicted records are deleted.
//
// KEYS: session key, user index. ARGV: record, ttl ms, score, now ms, cap, id, key prefix.
var createScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[6])
redis.call('PEXPIRE', KEYS[2], ARGV[2])
local max = tonumber(ARGV[5])
local evicted = {}
local n = redis.call('ZCARD', KEYS[2])
if max > 0 and n > max then
  local members = redis.call('ZRANGE', KEYS[2], 0, -1)
  for _, id in ipairs(members) do
    if n <= max then break end
    if id ~= ARGV[6] then
      redis.call('DEL', ARGV[7] .. id)
      redis.call('ZREM', KEYS[2], id)
      n = n - 1
      table.insert(evicted, id)
    end
  end
end
return evicted
`)

// rotateScript is the check-and-set at the heart of rotation. The old record must still
// hold the value the caller read; it is replaced by its revoked form (TTL kept) and the
// successor is written. Returns 1 on success and 0 when the old value changed. A repeat
// of the same attempt finds the revoked form already in place and returns 1.
//
// KEYS: old key, new key, user index. ARGV: expected old, revoked old, new record,
// ttl ms, new score, old id, new id.
var rotateScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == ARGV[2] then
  return 1
end
if cur ~= ARGV[1] then
  return 0
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[2])
end
redis.call('SET', KEYS[2], ARGV[3], 'PX', ARGV[4])
redis.call('ZREM', KEYS[3], ARGV[6])
redis.call('ZADD', KEYS[3], ARGV[5], ARGV[7])
redis.call('PEXPIRE', KEYS[3], ARGV[4])
return 1
`)

// revokeScript replaces a record with its revoked form if it still holds the expected
// value, keeps its TTL and drops it from the user index.
//
// KEYS: session key, user index. ARGV: expected, revoked, id.
var revokeScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == ARGV[2] then
  return 1
end
if cur ~= ARGV[1] then
  return 0
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[2])
end
redis.call('ZREM', KEYS[2], ARGV[3])
return 1
`)

// Options configure a RedisRegistry.
type Options struct {
	RefreshTTL         time.Duration
	MaxSessionsPerUser int
	Policy             upstream.Policy
	Logger             *slog.Logger
	// Now overrides the clock for record timestamps. Expiry itself is enforced by Redis TTLs.
	Now func() time.Time
}

// RedisRegistry is the Redis-backed Registry. It keeps no in-process state; all
// coordination happens in Redis so any number of replicas can share it.
type RedisRegistry struct {
	client     redis.UniversalClient
	refreshTTL time.Duration
	maxPerUser int
	policy     upstream.Policy
	log        *slog.Logger
	now        func() time.Time
}

// NewRedisRegistry returns a RedisRegistry using client.
func NewRedisRegistry(client redis.UniversalClient, opts Options) *RedisRegistry {
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = 7 * 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &RedisRegistry{
		client:     client,
		refreshTTL: opts.RefreshTTL,
		maxPerUser: opts.MaxSessionsPerUser,
		policy:     kv.Policy(opts.Policy),
		log:        logger.OrDiscard(opts.Logger),
		now:        opts.Now,
	}
}

func sessionKey(id string) string      { return sessionKeyPrefix + id }
func userIndexKey(userID string) string { return userIndexKeyPrefix + userID }

// Create generates a refresh token, stores its record for the refresh lifetime and starts a new lineage.
func (r *RedisRegistry) Create(ctx context.Context, in domain.NewSession) (string, *domain.Session, error) {
	if in.UserID == "" {
		return "", nil, errors.New("session: user id is required")
	}
	token, err := security.GenerateRefreshToken()
	if err != nil {
		return "", nil, err
	}
	now := r.now().UTC()
	s := &domain.Session{
		ID:         security.HashRefreshToken(token),
		LineageID:  uuid.NewString(),
		UserID:     in.UserID,
		UserAgent:  in.UserAgent,
		IPAddress:  in.IPAddress,
		CreatedAt:  now,
		LastUsedAt: now,
		ExpiresAt:  now.Add(r.refreshTTL),
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return "", nil, err
	}
	evicted, err := upstream.Call(ctx, r.policy, func(ctx context.Context) ([]string, error) {
		return createScript.Run(ctx, r.client,
			[]string{sessionKey(s.ID), userIndexKey(s.UserID)},
			raw, r.refreshTTL.Milliseconds(), s.ExpiresAt.UnixMilli(), now.UnixMilli(),
			r.maxPerUser, s.ID, sessionKeyPrefix,
		).StringSlice()
	})
	if err != nil {
		return "", nil, err
	}
	if len(evicted) > 0 {
		r.log.InfoContext(ctx, "evicted sessions beyond per-user cap", "user_id", s.UserID, "count", len(evicted))
	}
	return token, s, nil
}

// Rotate exchanges token for a successor in the same lineage. Presenting a token that
// was already rotated revokes every record downstream of it and returns ErrReplayDetected.
func (r *RedisRegistry) Rotate(ctx context.Context, token string, dev domain.Device) (string, *domain.Session, error) {
	oldID := security.HashRefreshToken(token)
	raw, cur, err := r.load(ctx, oldID)
	if err != nil {
		return "", nil, err
	}
	now := r.now().UTC()
	if cur.Replayed() {
		r.revokeLineage(ctx, cur)
		return "", nil, ErrReplayDetected
	}
	if !cur.Live(now) {
		return "", nil, ErrSessionInvalid
	}

	newToken, err := security.GenerateRefreshToken()
	if err != nil {
		return "", nil, err
	}
	next := &domain.Session{
		ID:         security.HashRefreshToken(newToken),
		LineageID:  cur.LineageID,
		UserID:     cur.UserID,
		UserAgent:  firstNonEmpty(dev.UserAgent, cur.UserAgent),
		IPAddress:  firstNonEmpty(dev.IPAddress, cur.IPAddress),
		CreatedAt:  cur.CreatedAt,
		LastUsedAt: now,
		ExpiresAt:  now.Add(r.refreshTTL),
	}
	revoked := *cur
	revoked.Revoked = true
	revoked.RevokedAt = &now
	revoked.SupersededBy = next.ID

	revokedRaw, err := json.Marshal(&revoked)
	if err != nil {
		return "", nil, err
	}
	nextRaw, err := json.Marshal(next)
	if err != nil {
		return "", nil, err
	}
	ok, err := r.casRotate(ctx, cur.UserID, oldID, next.ID, raw, string(revokedRaw), string(nextRaw), next.ExpiresAt)
	if err != nil {
		return "", nil, err
	}
	if ok {
		return newToken, next, nil
	}

	// Lost the race: someone else changed the record between our read and the CAS.
	_, after, err := r.load(ctx, oldID)
	if err != nil {
		return "", nil, err
	}
	if after.Replayed() {
		r.revokeLineage(ctx, after)
		return "", nil, ErrReplayDetected
	}
	return "", nil, ErrSessionInvalid
}

func (r *RedisRegistry) casRotate(ctx context.Context, userID, oldID, newID, expected, revoked, next string, expiresAt time.Time) (bool, error) {
	res, err := upstream.Call(ctx, r.policy, func(ctx context.Context) (int64, error) {
		return rotateScript.Run(ctx, r.client,
			[]string{sessionKey(oldID), sessionKey(newID), userIndexKey(userID)},
			expected, revoked, next, r.refreshTTL.Milliseconds(), expiresAt.UnixMilli(), oldID, newID,
		).Int64()
	})
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Revoke marks the record for token revoked. The record stays until its natural expiry
// so a later presentation is recognised. Unknown or already revoked tokens return ErrSessionInvalid.
func (r *RedisRegistry) Revoke(ctx context.Context, token string) error {
	id := security.HashRefreshToken(token)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		raw, cur, err := r.load(ctx, id)
		if err != nil {
			return err
		}
		if cur.Revoked {
			return ErrSessionInvalid
		}
		ok, err := r.markRevoked(ctx, raw, cur)
		if err != nil || ok {
			return err
		}
	}
	return ErrSessionInvalid
}

// RevokeAll revokes every live session of userID and returns how many were revoked.
// A session rotated while this runs is followed to its successor, and the index is
// re-read until it is empty, so no leaf of the user's lineages survives.
func (r *RedisRegistry) RevokeAll(ctx context.Context, userID string) (int, error) {
	count := 0
	for round := 0; round < maxRevokeAllRounds; round++ {
		ids, err := upstream.Call(ctx, r.policy, func(ctx context.Context) ([]string, error) {
			return r.client.ZRange(ctx, userIndexKey(userID), 0, -1).Result()
		})
		if err != nil {
			return count, err
		}
		if len(ids) == 0 {
			return count, nil
		}
		for _, id := range ids {
			n, err := r.revokeChain(ctx, id)
			count += n
			if err != nil {
				return count, err
			}
		}
		members := make([]interface{}, len(ids))
		for i, id := range ids {
			members[i] = id
		}
		if err := upstream.Do(ctx, r.policy, func(ctx context.Context) error {
			return r.client.ZRem(ctx, userIndexKey(userID), members...).Err()
		}); err != nil {
			return count, err
		}
	}
	r.log.WarnContext(ctx, "revoke all: index still changing after max rounds", "user_id", userID, "revoked", count)
	return count, nil
}

// ListByUser returns the live sessions of userID, most recently used first.
func (r *RedisRegistry) ListByUser(ctx context.Context, userID string) ([]*domain.Session, error) {
	now := r.now().UTC()
	ids, err := upstream.Call(ctx, r.policy, func(ctx context.Context) ([]string, error) {
		return r.client.ZRangeByScore(ctx, userIndexKey(userID), &redis.ZRangeBy{
			Min: formatScore(now.UnixMilli()), Max: "+inf",
		}).Result()
	})
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
	}
	vals, err := upstream.Call(ctx, r.policy, func(ctx context.Context) ([]interface{}, error) {
		return r.client.MGet(ctx, keys...).Result()
	})
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Session, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var s domain.Session
		if err := json.Unmarshal([]byte(str), &s); err != nil {
			r.log.WarnContext(ctx, "skipping undecodable session record", "user_id", userID, "error", err)
			continue
		}
		if s.Live(now) && s.UserID == userID {
			out = append(out, &s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUsedAt.After(out[j].LastUsedAt) })
	return out, nil
}

// RevokeSession revokes one session of userID by id. Ids of other users, or unknown ids,
// return ErrSessionNotFound. Revoking an already revoked session of the user succeeds.
func (r *RedisRegistry) RevokeSession(ctx context.Context, userID, sessionID string) error {
	_, cur, err := r.load(ctx, sessionID)
	if errors.Is(err, ErrSessionInvalid) {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	if cur.UserID != userID {
		return ErrSessionNotFound
	}
	_, err = r.revokeByID(ctx, sessionID)
	return err
}

// Ping checks Redis connectivity for the readiness check.
func (r *RedisRegistry) Ping(ctx context.Context) error {
	return upstream.Do(ctx, r.policy, func(ctx context.Context) error {
		return r.client.Ping(ctx).Err()
	})
}

// revokeLineage walks superseded-by forward from start and revokes every record.
// Failures are logged; the caller already fails the request.
func (r *RedisRegistry) revokeLineage(ctx context.Context, start *domain.Session) {
	revoked, err := r.revokeChain(ctx, start.SupersededBy)
	if err != nil {
		r.log.ErrorContext(ctx, "lineage revoke failed", "lineage_id", start.LineageID, "revoked", revoked, "error", err)
		return
	}
	r.log.WarnContext(ctx, "refresh token replay: lineage revoked",
		"lineage_id", start.LineageID, "user_id", start.UserID, "revoked", revoked)
}

// revokeChain revokes id and every record it was superseded by, returning how many
// this call revoked. Records are re-read after revoking, so a rotation that wins the
// race is followed to its successor.
func (r *RedisRegistry) revokeChain(ctx context.Context, id string) (int, error) {
	revoked := 0
	next := id
	for i := 0; i < maxLineageWalk && next != ""; i++ {
		ok, err := r.revokeByID(ctx, next)
		if err != nil {
			return revoked, err
		}
		if ok {
			revoked++
		}
		_, s, err := r.load(ctx, next)
		if errors.Is(err, ErrSessionInvalid) {
			break
		}
		if err != nil {
			return revoked, err
		}
		next = s.SupersededBy
	}
	return revoked, nil
}

// revokeByID revokes the record id, retrying when it changes concurrently. Returns
// whether this call performed the revocation.
func (r *RedisRegistry) revokeByID(ctx context.Context, id string) (bool, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		raw, cur, err := r.load(ctx, id)
		if errors.Is(err, ErrSessionInvalid) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if cur.Revoked {
			return false, nil
		}
		ok, err := r.markRevoked(ctx, raw, cur)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (r *RedisRegistry) markRevoked(ctx context.Context, raw string, cur *domain.Session) (bool, error) {
	now := r.now().UTC()
	revoked := *cur
	revoked.Revoked = true
	revoked.RevokedAt = &now
	revokedRaw, err := json.Marshal(&revoked)
	if err != nil {
		return false, err
	}
	res, err := upstream.Call(ctx, r.policy, func(ctx context.Context) (int64, error) {
		return revokeScript.Run(ctx, r.client,
			[]string{sessionKey(cur.ID), userIndexKey(cur.UserID)},
			raw, string(revokedRaw), cur.ID,
		).Int64()
	})
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// load returns the raw and decoded record for id. Missing records are ErrSessionInvalid.
func (r *RedisRegistry) load(ctx context.Context, id string) (string, *domain.Session, error) {
	raw, err := upstream.Call(ctx, r.policy, func(ctx context.Context) (string, error) {
		return r.client.Get(ctx, sessionKey(id)).Result()
	})
	if errors.Is(err, redis.Nil) {
		return "", nil, ErrSessionInvalid
	}
	if err != nil {
		return "", nil, err
	}
	var s domain.Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		r.log.WarnContext(ctx, "undecodable session record", "session_id", id, "error", err)
		return "", nil, ErrSessionInvalid
	}
	return raw, &s, nil
}

func formatScore(ms int64) string {
	return strconv.FormatInt(ms, 10)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
