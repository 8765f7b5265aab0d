// Package kv opens the Redis client shared by the session registry and the rate limiter.
package kv

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"chat-auth-platform/backend/internal/platform/upstream"
)

// ErrEmptyURL is returned by Open when no Redis URL is configured.
var ErrEmptyURL = errors.New("REDIS_URL is not set")

// Options tune the client beyond what the URL carries. Zero values keep go-redis defaults,
// except the per-command timeouts which follow the store call timeout.
type Options struct {
	StoreTimeout time.Duration
	PoolSize     int
}

// Open parses url (redis:// or rediss://), creates a client and pings it. Caller must Close.
func Open(ctx context.Context, url string, opts Options) (*redis.Client, error) {
	if strings.TrimSpace(url) == "" {
		return nil, ErrEmptyURL
	}
	ro, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	if opts.StoreTimeout > 0 {
		ro.DialTimeout = opts.StoreTimeout
		ro.ReadTimeout = opts.StoreTimeout
		ro.WriteTimeout = opts.StoreTimeout
		ro.PoolTimeout = opts.StoreTimeout
	}
	if opts.PoolSize > 0 {
		ro.PoolSize = opts.PoolSize
	}
	client := redis.NewClient(ro)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// IsTransient extends upstream.IsTransient with go-redis pool exhaustion and
// server-side LOADING/TRYAGAIN replies.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, redis.ErrPoolTimeout) {
		return true
	}
	if errors.Is(err, redis.ErrClosed) {
		return false
	}
	msg := err.Error()
	if strings.HasPrefix(msg, "LOADING ") || strings.HasPrefix(msg, "TRYAGAIN ") {
		return true
	}
	return upstream.IsTransient(err)
}

// Policy returns p with Transient defaulted to IsTransient.
func Policy(p upstream.Policy) upstream.Policy {
	if p.Transient == nil {
		p.Transient = IsTransient
	}
	return p
}
