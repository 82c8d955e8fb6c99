package session

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestHMACProviderRoundTrip(t *testing.T) {
	p, err := NewHMACProvider("a-very-long-secret-that-is-at-least-32-bytes", 15*time.Minute, "https://example.test")
	require.NoError(t, err)

	userID, tenantID := uuid.New(), uuid.New()
	token, jti, err := p.GenerateAccessToken(userID, tenantID, []string{"admin"}, []string{"customer:read"}, uuid.Nil)
	require.NoError(t, err)
	require.NotEmpty(t, jti)

	claims, err := p.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, userID, claims.UserID)
	require.Equal(t, tenantID, claims.TenantID)
	require.Equal(t, []string{"customer:read"}, claims.Permissions)
}

func TestHMACProviderRejectsShortSecret(t *testing.T) {
	_, err := NewHMACProvider("too-short", 15*time.Minute, "issuer")
	require.Error(t, err)
}

func TestHMACProviderRejectsTamperedToken(t *testing.T) {
	p, err := NewHMACProvider("a-very-long-secret-that-is-at-least-32-bytes", 15*time.Minute, "issuer")
	require.NoError(t, err)

	token, _, err := p.GenerateAccessToken(uuid.New(), uuid.New(), nil, nil, uuid.Nil)
	require.NoError(t, err)

	_, err = p.ValidateToken(token + "tampered")
	require.Error(t, err)
}

func TestHMACProviderRejectsExpired(t *testing.T) {
	p, err := NewHMACProvider("a-very-long-secret-that-is-at-least-32-bytes", -1*time.Minute, "issuer")
	require.NoError(t, err)

	token, _, err := p.GenerateAccessToken(uuid.New(), uuid.New(), nil, nil, uuid.Nil)
	require.NoError(t, err)

	_, err = p.ValidateToken(token)
	require.Error(t, err)
}

func TestAccessTokenCarriesImpersonatorID(t *testing.T) {
	p, err := NewHMACProvider("a-very-long-secret-that-is-at-least-32-bytes", 15*time.Minute, "issuer")
	require.NoError(t, err)

	actorID := uuid.New()
	token, _, err := p.GenerateAccessToken(uuid.New(), uuid.New(), nil, nil, actorID)
	require.NoError(t, err)

	claims, err := p.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, actorID, claims.ImpersonatorID)
}
