package apperr

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestError_IsMatchesKind(t *testing.T) {
	err := Wrap(KindSessionInvalid, errors.New("redis: nil"), "")
	if !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("errors.Is(%v, ErrSessionInvalid) = false, want true", err)
	}
	if errors.Is(err, ErrTokenInvalid) {
		t.Error("session error must not match ErrTokenInvalid")
	}
	wrapped := fmt.Errorf("refresh: %w", err)
	if !errors.Is(wrapped, ErrSessionInvalid) {
		t.Error("errors.Is should see through fmt wrapping")
	}
}

func TestError_UnwrapCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Unavailable(cause)
	if !errors.Is(err, cause) {
		t.Error("Unavailable should keep the cause reachable")
	}
	if err.RetryAfter != time.Second {
		t.Errorf("RetryAfter = %v, want 1s", err.RetryAfter)
	}
}

func TestKindOf(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want Kind
	}{
		{"sentinel", ErrHandleAlreadyExists, KindHandleAlreadyExists},
		{"wrapped", fmt.Errorf("x: %w", RateLimited(3*time.Second)), KindRateLimitExceeded},
		{"plain", errors.New("boom"), KindInternal},
		{"invalid", Invalid("handle is required"), KindInvalidInput},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Errorf("KindOf = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestAs_UnclassifiedBecomesInternal(t *testing.T) {
	e := As(errors.New("boom"))
	if e.Kind != KindInternal {
		t.Errorf("Kind = %q, want internal", e.Kind)
	}
	if e.Message != ErrInternal.Message {
		t.Errorf("Message = %q, want %q", e.Message, ErrInternal.Message)
	}
	if As(nil) != nil {
		t.Error("As(nil) should be nil")
	}
}
