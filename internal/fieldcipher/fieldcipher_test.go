package fieldcipher

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ironvault/securitycore/internal/audit"
	"github.com/ironvault/securitycore/internal/cryptocore"
)

func newTestCipher(t *testing.T) *Cipher {
	hexKey, err := cryptocore.GenerateMasterKey()
	require.NoError(t, err)
	mk, err := cryptocore.ParseMasterKey(hexKey)
	require.NoError(t, err)
	return New(mk, &audit.RecordingSink{})
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := newTestCipher(t)
	ctx := context.Background()
	tenant, user := uuid.New(), uuid.New()

	ef, err := c.EncryptField(ctx, tenant, user, "ssn", "read_profile", ClassificationRestricted, "123-45-6789")
	require.NoError(t, err)

	plaintext, err := c.DecryptField(ctx, tenant, user, "ssn", "read_profile", ef)
	require.NoError(t, err)
	require.Equal(t, "123-45-6789", plaintext)
}

func TestDecryptRejectsWrongOperation(t *testing.T) {
	c := newTestCipher(t)
	ctx := context.Background()
	tenant, user := uuid.New(), uuid.New()

	ef, err := c.EncryptField(ctx, tenant, user, "ssn", "read_profile", ClassificationConfidential, "secret")
	require.NoError(t, err)

	_, err = c.DecryptField(ctx, tenant, user, "ssn", "export_report", ef)
	require.Error(t, err)
}

func TestDecryptRejectsWrongTenant(t *testing.T) {
	c := newTestCipher(t)
	ctx := context.Background()
	tenant, user := uuid.New(), uuid.New()

	ef, err := c.EncryptField(ctx, tenant, user, "ssn", "read_profile", ClassificationConfidential, "secret")
	require.NoError(t, err)

	_, err = c.DecryptField(ctx, uuid.New(), user, "ssn", "read_profile", ef)
	require.Error(t, err)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	c := newTestCipher(t)
	ctx := context.Background()
	tenant, user := uuid.New(), uuid.New()

	ef, err := c.EncryptField(ctx, tenant, user, "ssn", "read_profile", ClassificationRestricted, "secret")
	require.NoError(t, err)

	ef.Ciphertext = ef.Ciphertext[:len(ef.Ciphertext)-4] + "abcd"
	_, err = c.DecryptField(ctx, tenant, user, "ssn", "read_profile", ef)
	require.Error(t, err)
}

func TestRotateKeysProducesNewEpochButOldStillDecrypts(t *testing.T) {
	c := newTestCipher(t)
	ctx := context.Background()
	tenant, user := uuid.New(), uuid.New()

	ef, err := c.EncryptField(ctx, tenant, user, "ssn", "read_profile", ClassificationConfidential, "secret")
	require.NoError(t, err)
	require.Equal(t, 0, ef.KeyEpoch)

	newEpoch := c.RotateKeys()
	require.Equal(t, 1, newEpoch)

	plaintext, err := c.DecryptField(ctx, tenant, user, "ssn", "read_profile", ef)
	require.NoError(t, err)
	require.Equal(t, "secret", plaintext)
}

func TestPublicClassificationRejected(t *testing.T) {
	_, err := PolicyFor(Classification("public"))
	require.Error(t, err)
}
