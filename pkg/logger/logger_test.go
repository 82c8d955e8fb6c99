package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedactReplacesSensitiveValues(t *testing.T) {
	a := redact(nil, slog.String("password_hash", "argon2id$supersecret"))
	require.Equal(t, "[REDACTED]", a.Value.String())

	a = redact(nil, slog.String("refresh_token", "raw-token-value"))
	require.Equal(t, "[REDACTED]", a.Value.String())

	a = redact(nil, slog.String("user_id", "not-sensitive"))
	require.Equal(t, "not-sensitive", a.Value.String())
}

func TestRedactHookScrubsJSONHandlerOutput(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{ReplaceAttr: redact})
	logger := slog.New(handler)

	logger.Info("test_event", "password", "hunter2")
	require.Contains(t, buf.String(), "[REDACTED]")
	require.NotContains(t, buf.String(), "hunter2")
}
