// Package apperr defines the error taxonomy surfaced by the auth service facade.
//
// Lower layers (security, repositories, registry) keep their own sentinel errors;
// the facade translates them into an *Error with a Kind so that transports can map
// failures to status codes without inspecting messages.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for callers and transports.
type Kind string

const (
	KindInvalidCredentials      Kind = "invalid_credentials"
	KindHandleAlreadyExists     Kind = "handle_already_exists"
	KindTokenExpired            Kind = "token_expired"
	KindTokenInvalid            Kind = "token_invalid"
	KindSessionInvalid          Kind = "session_invalid"
	KindRateLimitExceeded       Kind = "rate_limit_exceeded"
	KindUpstreamUnavailable     Kind = "upstream_unavailable"
	KindInvalidCredentialFormat Kind = "invalid_credential_format"
	KindInvalidInput            Kind = "invalid_input"
	KindForbidden               Kind = "forbidden"
	KindNotFound                Kind = "not_found"
	KindInternal                Kind = "internal"
)

// Error is a classified error. Message is safe to show to clients; Cause is not.
type Error struct {
	Kind    Kind
	Message string
	// RetryAfter is set for RateLimitExceeded and UpstreamUnavailable.
	RetryAfter time.Duration
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error of the same Kind, so errors.Is(err, apperr.ErrSessionInvalid) works
// for wrapped instances with different messages or causes.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidCredentials      = &Error{Kind: KindInvalidCredentials, Message: "invalid credentials"}
	ErrHandleAlreadyExists     = &Error{Kind: KindHandleAlreadyExists, Message: "handle already registered"}
	ErrTokenExpired            = &Error{Kind: KindTokenExpired, Message: "access token expired"}
	ErrTokenInvalid            = &Error{Kind: KindTokenInvalid, Message: "invalid access token"}
	ErrSessionInvalid          = &Error{Kind: KindSessionInvalid, Message: "invalid or expired session"}
	ErrRateLimitExceeded       = &Error{Kind: KindRateLimitExceeded, Message: "too many requests"}
	ErrUpstreamUnavailable     = &Error{Kind: KindUpstreamUnavailable, Message: "service temporarily unavailable"}
	ErrInvalidCredentialFormat = &Error{Kind: KindInvalidCredentialFormat, Message: "stored credential has an invalid format"}
	ErrInvalidInput            = &Error{Kind: KindInvalidInput, Message: "invalid input"}
	ErrForbidden               = &Error{Kind: KindForbidden, Message: "permission denied"}
	ErrNotFound                = &Error{Kind: KindNotFound, Message: "not found"}
	ErrInternal                = &Error{Kind: KindInternal, Message: "internal error"}
)

// New returns an *Error of the given kind with a client-safe message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap returns an *Error of the given kind carrying cause. The message defaults to the
// kind's sentinel message when empty.
func Wrap(kind Kind, cause error, message string) *Error {
	if message == "" {
		message = defaultMessage(kind)
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Invalid is shorthand for an InvalidInput error with the given message.
func Invalid(message string) *Error {
	return &Error{Kind: KindInvalidInput, Message: message}
}

// RateLimited returns a RateLimitExceeded error with a retry hint.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimitExceeded, Message: ErrRateLimitExceeded.Message, RetryAfter: retryAfter}
}

// Unavailable returns an UpstreamUnavailable error wrapping cause.
func Unavailable(cause error) *Error {
	return &Error{Kind: KindUpstreamUnavailable, Message: ErrUpstreamUnavailable.Message, RetryAfter: time.Second, Cause: cause}
}

// KindOf returns the Kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As returns err as *Error. Unclassified errors become Internal with err as cause.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(KindInternal, err, "")
}

func defaultMessage(kind Kind) string {
	switch kind {
	case KindInvalidCredentials:
		return ErrInvalidCredentials.Message
	case KindHandleAlreadyExists:
		return ErrHandleAlreadyExists.Message
	case KindTokenExpired:
		return ErrTokenExpired.Message
	case KindTokenInvalid:
		return ErrTokenInvalid.Message
	case KindSessionInvalid:
		return ErrSessionInvalid.Message
	case KindRateLimitExceeded:
		return ErrRateLimitExceeded.Message
	case KindUpstreamUnavailable:
		return ErrUpstreamUnavailable.Message
	case KindInvalidCredentialFormat:
		return ErrInvalidCredentialFormat.Message
	case KindInvalidInput:
		return ErrInvalidInput.Message
	case KindForbidden:
		return ErrForbidden.Message
	case KindNotFound:
		return ErrNotFound.Message
	default:
		return ErrInternal.Message
	}
}
