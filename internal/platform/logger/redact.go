package logger

import (
	"log/slog"
	"strings"
)

const redactedValue = "***REDACTED***"

var sensitiveKeyPatterns = []string{
	"password",
	"secret",
	"token",
	"authorization",
	"cookie",
	"credential",
	"private_key",
}

func redact(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		attrs := a.Value.Group()
		out := make([]slog.Attr, len(attrs))
		for i, attr := range attrs {
			out[i] = redact(attr)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(out...)}
	}
	if a.Value.Kind() != slog.KindString || a.Value.String() == "" {
		return a
	}
	key := strings.ToLower(a.Key)
	for _, p := range sensitiveKeyPatterns {
		if strings.Contains(key, p) {
			return slog.String(a.Key, redactedValue)
		}
	}
	return a
}
