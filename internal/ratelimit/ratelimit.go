// Package ratelimit implements fixed-window request limits backed by Redis, so every
// replica shares the same counters.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"chat-auth-platform/backend/internal/kv"
	"chat-auth-platform/backend/internal/platform/apperr"
	"chat-auth-platform/backend/internal/platform/upstream"
)

// Class names a group of endpoints that share a limit.
type Class string

const (
	ClassRegister    Class = "register"
	ClassLogin       Class = "login"
	ClassLoginHandle Class = "login_handle"
	ClassRefresh     Class = "refresh"
	ClassAPI         Class = "api"
)

// Rule is the number of requests allowed per window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Rules maps each class to its rule. Classes without a rule are not limited.
type Rules map[Class]Rule

// DefaultRules returns the built-in limits.
func DefaultRules() Rules {
	return Rules{
		ClassRegister:    {Limit: 10, Window: 24 * time.Hour},
		ClassLogin:       {Limit: 5, Window: time.Minute},
		ClassLoginHandle: {Limit: 5, Window: time.Minute},
		ClassRefresh:     {Limit: 30, Window: time.Minute},
		ClassAPI:         {Limit: 120, Window: time.Minute},
	}
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Err returns nil when allowed, otherwise a RateLimitExceeded error carrying RetryAfter.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return apperr.RateLimited(d.RetryAfter)
}

// incrScript increments the window counter, arms its expiry on first use and returns
// the count together with the remaining TTL in milliseconds.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// Limiter counts requests per class and client key.
type Limiter struct {
	client redis.UniversalClient
	rules  Rules
	policy upstream.Policy
	now    func() time.Time
}

// New returns a Limiter. A nil rules map uses DefaultRules.
func New(client redis.UniversalClient, rules Rules, policy upstream.Policy) *Limiter {
	if rules == nil {
		rules = DefaultRules()
	}
	// INCR is not idempotent: a retried timeout could count one request twice.
	p := kv.Policy(policy)
	p.NoRetry = true
	return &Limiter{client: client, rules: rules, policy: p, now: time.Now}
}

// WithClock returns a copy of l using now for window boundaries. Intended for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	cp := *l
	cp.now = now
	return &cp
}

// Rule returns the rule for class.
func (l *Limiter) Rule(class Class) (Rule, bool) {
	r, ok := l.rules[class]
	return r, ok && r.Limit > 0 && r.Window > 0
}

// Allow counts one request for key in class. Store failures are returned (fail closed)
// without a retry; a transient outage surfaces as UpstreamUnavailable.
func (l *Limiter) Allow(ctx context.Context, class Class, key string) (Decision, error) {
	rule, ok := l.Rule(class)
	if !ok {
		return Decision{Allowed: true}, nil
	}
	windowStart := l.now().UTC().Truncate(rule.Window).Unix()
	redisKey := "rate:" + string(class) + ":" + key + ":" + strconv.FormatInt(windowStart, 10)

	res, err := upstream.Call(ctx, l.policy, func(ctx context.Context) ([]int64, error) {
		return incrScript.Run(ctx, l.client, []string{redisKey}, rule.Window.Milliseconds()).Int64Slice()
	})
	if err != nil {
		return Decision{}, err
	}
	count, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	d := Decision{Allowed: count <= rule.Limit, Limit: rule.Limit, Remaining: rule.Limit - count}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !d.Allowed {
		d.RetryAfter = retryAfter(ttl)
	}
	return d, nil
}

// retryAfter rounds the remaining window up to whole seconds, at least one.
func retryAfter(ttl time.Duration) time.Duration {
	secs := (ttl + time.Second - 1) / time.Second
	if secs < 1 {
		secs = 1
	}
	return secs * time.Second
}
