// Package audit records security-relevant auth events: one structured log line per event
// plus a best-effort async emit to the event pipeline.
package audit

import (
	"context"
	"log/slog"

	"chat-auth-platform/backend/internal/platform/logger"
	"chat-auth-platform/backend/internal/telemetry"
)

// IPExtractor returns the client IP from the request context.
type IPExtractor func(context.Context) string

// AuditLogger writes a single audit event. Used by auth and session code paths.
// LogEvent is best-effort: failures are logged and do not affect the caller.
type AuditLogger interface {
	LogEvent(ctx context.Context, event *telemetry.Event)
}

// Logger implements AuditLogger using slog and an optional event emitter.
type Logger struct {
	emitter     telemetry.EventEmitter
	log         *slog.Logger
	ipExtractor IPExtractor
}

var _ AuditLogger = (*Logger)(nil)

// NewLogger returns an AuditLogger that logs to log and emits to emitter.
// emitter and ipExtractor may be nil; then events are only logged and a missing IP is recorded as "unknown".
func NewLogger(emitter telemetry.EventEmitter, log *slog.Logger, ipExtractor IPExtractor) *Logger {
	return &Logger{emitter: emitter, log: logger.OrDiscard(log), ipExtractor: ipExtractor}
}

// LogEvent records one event. A nil receiver or event is a no-op.
func (l *Logger) LogEvent(ctx context.Context, event *telemetry.Event) {
	if l == nil || event == nil {
		return
	}
	if event.IPAddress == "" {
		event.IPAddress = "unknown"
		if l.ipExtractor != nil {
			if ip := l.ipExtractor(ctx); ip != "" {
				event.IPAddress = ip
			}
		}
	}
	level := slog.LevelInfo
	if event.Outcome == telemetry.OutcomeFailure {
		level = slog.LevelWarn
	}
	attrs := []any{
		"event_id", event.ID,
		"event_type", event.Type,
		"outcome", event.Outcome,
		"ip", event.IPAddress,
	}
	if event.UserID != "" {
		attrs = append(attrs, "user_id", event.UserID)
	}
	if event.SessionID != "" {
		attrs = append(attrs, "session_id", event.SessionID)
	}
	if event.Reason != "" {
		attrs = append(attrs, "reason", event.Reason)
	}
	logger.FromContext(ctx, l.log).Log(ctx, level, "audit", attrs...)
	telemetry.EmitAsync(l.emitter, l.log, event)
}

// Nop is an AuditLogger that discards events.
type Nop struct{}

// LogEvent implements AuditLogger.
func (Nop) LogEvent(context.Context, *telemetry.Event) {}
