package session

import (
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
)

func TestGenerateBackupCodesAreUnique(t *testing.T) {
	m := NewMFAService("test-issuer")
	codes, err := m.GenerateBackupCodes(10)
	require.NoError(t, err)
	require.Len(t, codes, 10)

	seen := map[string]bool{}
	for _, c := range codes {
		require.Len(t, c, 9) // XXXX-XXXX
		require.False(t, seen[c], "duplicate backup code generated")
		seen[c] = true
	}
}

func TestValidateCodeAcceptsCurrentTOTP(t *testing.T) {
	m := NewMFAService("test-issuer")
	key, _, err := m.GenerateSecret("user@example.test")
	require.NoError(t, err)

	code, err := totp.GenerateCode(key.Secret(), time.Now())
	require.NoError(t, err)

	require.True(t, m.ValidateCode(code, key.Secret()))
}

func TestValidateCodeRejectsGarbage(t *testing.T) {
	m := NewMFAService("test-issuer")
	key, _, err := m.GenerateSecret("user@example.test")
	require.NoError(t, err)

	require.False(t, m.ValidateCode("000000", key.Secret()))
}
