package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ironvault/securitycore/internal/config"
)

func TestArgon2HasherRoundTrip(t *testing.T) {
	h := NewArgon2Hasher(config.Config{Argon2MemoryCost: 65536, Argon2TimeCost: 3, Argon2Parallelism: 2})

	encoded, err := h.Hash("correct horse battery staple")
	require.NoError(t, err)
	require.NoError(t, h.Compare(encoded, "correct horse battery staple"))
	require.Error(t, h.Compare(encoded, "wrong password"))
}

func TestArgon2HasherDifferentSaltsEveryTime(t *testing.T) {
	h := NewArgon2Hasher(config.Config{Argon2MemoryCost: 65536, Argon2TimeCost: 3, Argon2Parallelism: 2})

	a, err := h.Hash("same-password")
	require.NoError(t, err)
	b, err := h.Hash("same-password")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestBcryptHasherRoundTrip(t *testing.T) {
	h := NewBcryptHasher()
	encoded, err := h.Hash("ABCD-1234")
	require.NoError(t, err)
	require.NoError(t, h.Compare(encoded, "ABCD-1234"))
	require.Error(t, h.Compare(encoded, "WRONG-CODE"))
}
