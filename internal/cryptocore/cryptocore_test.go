package cryptocore

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func testMasterKey(t *testing.T) MasterKey {
	hexKey, err := GenerateMasterKey()
	require.NoError(t, err)
	mk, err := ParseMasterKey(hexKey)
	require.NoError(t, err)
	return mk
}

func TestSealOpenRoundTrip(t *testing.T) {
	mk := testMasterKey(t)
	deriver := NewKeyDeriver(mk)
	key := deriver.Derive(DerivationInput{
		TenantID:           uuid.New(),
		FieldName:          "ssn",
		ClassificationSalt: SaltRestricted,
	})

	ciphertext, nonce, err := Seal(key, []byte("123-45-6789"), []byte("ctx"))
	require.NoError(t, err)

	plaintext, err := Open(key, ciphertext, nonce, []byte("ctx"))
	require.NoError(t, err)
	require.Equal(t, "123-45-6789", string(plaintext))
}

func TestOpenRejectsTamperedAAD(t *testing.T) {
	mk := testMasterKey(t)
	deriver := NewKeyDeriver(mk)
	key := deriver.Derive(DerivationInput{TenantID: uuid.New(), FieldName: "ssn"})

	ciphertext, nonce, err := Seal(key, []byte("secret"), []byte("ctx-a"))
	require.NoError(t, err)

	_, err = Open(key, ciphertext, nonce, []byte("ctx-b"))
	require.Error(t, err)
}

func TestDeriveIsStableAndCached(t *testing.T) {
	mk := testMasterKey(t)
	deriver := NewKeyDeriver(mk)
	in := DerivationInput{TenantID: uuid.New(), FieldName: "email", ClassificationSalt: SaltStandard}

	k1 := deriver.Derive(in)
	k2 := deriver.Derive(in)
	require.Equal(t, k1, k2)
}

func TestDeriveVariesByTenant(t *testing.T) {
	mk := testMasterKey(t)
	deriver := NewKeyDeriver(mk)

	k1 := deriver.Derive(DerivationInput{TenantID: uuid.New(), FieldName: "email"})
	k2 := deriver.Derive(DerivationInput{TenantID: uuid.New(), FieldName: "email"})
	require.NotEqual(t, k1, k2)
}

func TestRotateKeysClearsCache(t *testing.T) {
	mk := testMasterKey(t)
	deriver := NewKeyDeriver(mk)
	in := DerivationInput{TenantID: uuid.New(), FieldName: "email"}

	before := deriver.Derive(in)
	deriver.RotateKeys()
	after := deriver.Derive(in)

	// Same master key and input re-derive identically; rotation clears
	// the cache, it does not change the derivation function itself.
	require.Equal(t, before, after)
}

func TestContextHashDiffersByOperation(t *testing.T) {
	tenant, user := uuid.New(), uuid.New()
	h1 := ContextHash(tenant, user, "read", "standard", "internal")
	h2 := ContextHash(tenant, user, "write", "standard", "internal")
	require.NotEqual(t, h1, h2)
}

func TestConstantTimeEqual(t *testing.T) {
	require.True(t, ConstantTimeEqual("abc", "abc"))
	require.False(t, ConstantTimeEqual("abc", "abd"))
	require.False(t, ConstantTimeEqual("abc", "abcd"))
}
