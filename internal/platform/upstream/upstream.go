// Package upstream runs calls to backing stores (Postgres, Redis) with a bounded
// timeout and a single retry on transient failures.
package upstream

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"

	"chat-auth-platform/backend/internal/platform/apperr"
)

const (
	DefaultTimeout = 2 * time.Second
	DefaultBackoff = 50 * time.Millisecond
)

// Policy bounds a store call. The zero value uses DefaultTimeout, DefaultBackoff and IsTransient.
type Policy struct {
	Timeout time.Duration
	Backoff time.Duration
	// Transient reports whether err deserves the one retry.
	Transient func(error) bool
	// NoRetry runs a single attempt. Set it for calls that are not idempotent, where
	// a timed-out attempt may already have been applied by the store.
	NoRetry bool
}

func (p Policy) timeout() time.Duration {
	if p.Timeout <= 0 {
		return DefaultTimeout
	}
	return p.Timeout
}

func (p Policy) backoff() time.Duration {
	if p.Backoff <= 0 {
		return DefaultBackoff
	}
	return p.Backoff
}

func (p Policy) transient(err error) bool {
	if p.Transient != nil {
		return p.Transient(err)
	}
	return IsTransient(err)
}

// Do runs fn under the policy. See Call.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call runs fn with a per-attempt timeout. Unless NoRetry is set, a transient failure is retried once after
// the policy backoff; if the retry also fails transiently the result is an
// apperr UpstreamUnavailable wrapping the last error. Other errors are returned as is.
func Call[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempt := func() (T, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.timeout())
		defer cancel()
		v, err := fn(callCtx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil || !p.transient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	tries := uint(2)
	if p.NoRetry {
		tries = 1
	}
	v, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(backoff.NewConstantBackOff(p.backoff())),
		backoff.WithMaxTries(tries),
	)
	if err == nil {
		return v, nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	if p.transient(err) {
		return v, apperr.Unavailable(err)
	}
	return v, err
}

// IsTransient reports timeouts, refused or reset connections and unexpected EOFs.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe) && oe.Op == "dial"
}
