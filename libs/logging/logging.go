package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// redacted lists attribute keys that must never reach the log sink in clear.
var redacted = map[string]bool{
	"pin":       true,
	"pin_hash":  true,
	"api_key":   true,
	"signature": true,
	"secret":    true,
}

// masked keeps only the last four characters, enough to correlate with a
// bank statement.
var masked = map[string]bool{
	"account_number": true,
	"email":          true,
	"phone":          true,
}

func NewLogger(level string, serviceName string, env string) *slog.Logger {
	return NewLoggerTo(os.Stdout, level, serviceName, env)
}

func NewLoggerTo(w io.Writer, level string, serviceName string, env string) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: scrub,
	})
	return slog.New(h).With(
		slog.String("service", serviceName),
		slog.String("env", env),
	)
}

func scrub(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	switch {
	case redacted[key]:
		return slog.String(a.Key, "[REDACTED]")
	case masked[key] && a.Value.Kind() == slog.KindString:
		return slog.String(a.Key, mask(a.Value.String()))
	}
	return a
}

func mask(v string) string {
	if len(v) <= 4 {
		return strings.Repeat("*", len(v))
	}
	return strings.Repeat("*", len(v)-4) + v[len(v)-4:]
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
