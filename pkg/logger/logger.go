// Package logger configures structured logging for the security core.
// Unlike a generic service logger, every handler it builds redacts
// credential-shaped attribute values (password hashes, refresh tokens,
// TOTP secrets and the like) before they reach stdout, so such a value
// passed as log context is never written in the clear.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"github.com/ironvault/securitycore/internal/config"
)

// sensitiveKeys are attribute-key substrings whose values are replaced
// rather than logged verbatim, in every environment — a field carrying
// a password hash or a bearer token earns redaction regardless of
// where the log line was emitted from.
var sensitiveKeys = []string{
	"password", "secret", "token", "jwt_secret", "aes_encryption_key",
	"authorization",
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, k := range sensitiveKeys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

func redact(groups []string, a slog.Attr) slog.Attr {
	if isSensitiveKey(a.Key) {
		a.Value = slog.StringValue("[REDACTED]")
	}
	return a
}

// Setup configures the global logger from the security core's runtime
// configuration: JSON output at info level in production (for
// Datadog/Splunk-style ingestion), text output at debug level
// otherwise — and, in both cases, a ReplaceAttr hook that scrubs
// credential-shaped values. It sets the result as the process-wide
// default logger and also returns it for explicit threading.
func Setup(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       slog.LevelInfo,
		ReplaceAttr: redact,
	}

	var handler slog.Handler
	if cfg.Environment == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("service", "securitycore", "environment", cfg.Environment)
	slog.SetDefault(logger)
	return logger
}
