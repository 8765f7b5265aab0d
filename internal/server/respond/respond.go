// Package respond writes JSON responses and maps classified errors to HTTP statuses.
package respond

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"chat-auth-platform/backend/internal/platform/apperr"
	"chat-auth-platform/backend/internal/platform/logger"
)

// MaxBodyBytes bounds request bodies read by Decode.
const MaxBodyBytes = 1 << 20

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Code   apperr.Kind `json:"code"`
	Detail string      `json:"detail"`
}

// JSON writes v with status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// NoContent writes 204.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Status returns the HTTP status for kind.
func Status(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInvalidCredentials, apperr.KindTokenExpired, apperr.KindTokenInvalid, apperr.KindSessionInvalid:
		return http.StatusUnauthorized
	case apperr.KindHandleAlreadyExists:
		return http.StatusConflict
	case apperr.KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case apperr.KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case apperr.KindInvalidInput:
		return http.StatusUnprocessableEntity
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Error writes err as an ErrorBody. Server-side failures are logged with their cause and
// answered with a generic detail.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	e := apperr.As(err)
	if e == nil {
		e = apperr.ErrInternal
	}
	status := Status(e.Kind)

	switch e.Kind {
	case apperr.KindTokenExpired, apperr.KindTokenInvalid:
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	case apperr.KindRateLimitExceeded, apperr.KindUpstreamUnavailable:
		w.Header().Set("Retry-After", retryAfterSeconds(e))
	}

	detail := e.Message
	if status >= http.StatusInternalServerError {
		log := logger.FromContext(r.Context(), nil)
		level := slog.LevelError
		if e.Kind == apperr.KindUpstreamUnavailable {
			level = slog.LevelWarn
		}
		log.Log(r.Context(), level, "request failed", "code", string(e.Kind), "error", err)
		if e.Kind != apperr.KindUpstreamUnavailable {
			detail = apperr.ErrInternal.Message
		}
	}
	JSON(w, status, ErrorBody{Code: e.Kind, Detail: detail})
}

func retryAfterSeconds(e *apperr.Error) string {
	secs := int64(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// Decode reads a JSON body into v. An empty or malformed body is InvalidInput.
func Decode(r *http.Request, v any) error {
	if r.Body == nil {
		return apperr.Invalid("request body is required")
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Invalid("request body is required")
		}
		return apperr.Invalid("request body must be valid JSON")
	}
	return nil
}
