// Package cryptocore implements the low-level AEAD and key-derivation
// primitives the field cipher and token vault build on. Nothing here is
// tenant- or field-aware; internal/fieldcipher owns that policy.
package cryptocore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/ironvault/securitycore/internal/apperr"
)

// Salts mixed into key derivation. There are three, not one per
// classification: fieldcipher maps both Restricted and TopSecret to
// SaltRestricted, so those two classifications derive the same key for
// the same tenant, field and user.
const (
	SaltRestricted   = "RESTRICTED_SALT_2024"
	SaltConfidential = "CONFIDENTIAL_SALT_2024"
	SaltStandard     = "STANDARD_SALT_2024"
)

// MasterKey is the root secret all derived keys trace back to. It never
// touches disk or a database row directly.
type MasterKey [32]byte

// ParseMasterKey decodes a hex-encoded 32-byte key, as loaded from
// AES_ENCRYPTION_KEY.
func ParseMasterKey(hexKey string) (MasterKey, error) {
	var mk MasterKey
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return mk, apperr.Wrap(apperr.ReasonCryptoFailure, "master key is not valid hex", err)
	}
	if len(raw) != 32 {
		return mk, apperr.New(apperr.ReasonCryptoFailure, "master key must decode to exactly 32 bytes")
	}
	copy(mk[:], raw)
	return mk, nil
}

// GenerateMasterKey returns a new random 32-byte key, hex-encoded, for
// provisioning AES_ENCRYPTION_KEY.
func GenerateMasterKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", apperr.Wrap(apperr.ReasonCryptoFailure, "failed to generate master key", err)
	}
	return hex.EncodeToString(buf), nil
}

// DerivationInput names every field mixed into a derived key. Every
// field is attacker-adjacent (tenant, field name, classification are all
// plausibly guessable) except the master key itself, which never leaves
// this process.
type DerivationInput struct {
	TenantID       uuid.UUID
	FieldName      string
	UserID         uuid.UUID // mixed in when non-zero; a zero UserID is left out of the hash
	ClassificationSalt string
}

// KeyDeriver derives and caches per-field AES-256 keys. Derivation itself
// is cheap (one SHA-256), but the cache keeps hot paths allocation-free
// and gives RotateKeys a single place to invalidate from.
type KeyDeriver struct {
	master MasterKey

	mu    sync.RWMutex
	cache map[string][32]byte
}

func NewKeyDeriver(master MasterKey) *KeyDeriver {
	return &KeyDeriver{
		master: master,
		cache:  make(map[string][32]byte),
	}
}

func (d *KeyDeriver) cacheKey(in DerivationInput) string {
	return fmt.Sprintf("%s|%s|%s|%s", in.TenantID, in.FieldName, in.UserID, in.ClassificationSalt)
}

// Derive returns SHA256(master || tenant || field || user || salt),
// truncated to the 32 bytes SHA-256 already produces — i.e. the full
// digest is the AES-256 key.
func (d *KeyDeriver) Derive(in DerivationInput) [32]byte {
	ck := d.cacheKey(in)

	d.mu.RLock()
	if key, ok := d.cache[ck]; ok {
		d.mu.RUnlock()
		return key
	}
	d.mu.RUnlock()

	h := sha256.New()
	h.Write(d.master[:])
	h.Write([]byte(in.TenantID.String()))
	h.Write([]byte(in.FieldName))
	if in.UserID != uuid.Nil {
		h.Write([]byte(in.UserID.String()))
	}
	h.Write([]byte(in.ClassificationSalt))

	var key [32]byte
	copy(key[:], h.Sum(nil))

	d.mu.Lock()
	d.cache[ck] = key
	d.mu.Unlock()

	return key
}

// RotateKeys drops every cached derivation. It does not change the
// master key itself — master key rotation is an out-of-process
// operation (provision a new AES_ENCRYPTION_KEY, re-encrypt, retire the
// old one) tracked by the field cipher's key epoch, not by this cache.
func (d *KeyDeriver) RotateKeys() {
	d.mu.Lock()
	d.cache = make(map[string][32]byte)
	d.mu.Unlock()
}

// Seal performs AES-256-GCM encryption with a 96-bit random nonce,
// returning ciphertext and nonce separately rather than concatenated.
func Seal(key [32]byte, plaintext, additionalData []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.ReasonCryptoFailure, "failed to construct cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.ReasonCryptoFailure, "failed to construct gcm", err)
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, apperr.Wrap(apperr.ReasonCryptoFailure, "failed to generate nonce", err)
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, additionalData)
	return ciphertext, nonce, nil
}

// Open performs AES-256-GCM decryption and authentication in one step.
func Open(key [32]byte, ciphertext, nonce, additionalData []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, apperr.Wrap(apperr.ReasonCryptoFailure, "failed to construct cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperr.Wrap(apperr.ReasonCryptoFailure, "failed to construct gcm", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, apperr.New(apperr.ReasonCryptoFailure, "nonce has unexpected length")
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, apperr.Wrap(apperr.ReasonCryptoFailure, "authentication failed", err)
	}
	return plaintext, nil
}

// ContextHash binds a ciphertext to the operation it was produced for:
// SHA256("{tenant}:{user}:{operation}:{compliance}:{classification}"),
// base64-encoded. Checked before the integrity hash on decrypt so a
// ciphertext replayed into the wrong context is rejected before any key
// material is even re-derived.
func ContextHash(tenantID, userID uuid.UUID, operation, complianceLevel, classification string) string {
	raw := fmt.Sprintf("%s:%s:%s:%s:%s", tenantID, userID, operation, complianceLevel, classification)
	sum := sha256.Sum256([]byte(raw))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// IntegrityHash is a second, independent authentication tag over the
// ciphertext, separate from the GCM tag, so tampering is detected even
// for a (hypothetical) future cipher mode without built-in AEAD.
func IntegrityHash(ciphertext, nonce []byte, master MasterKey) string {
	h := sha256.New()
	h.Write(ciphertext)
	h.Write(nonce)
	h.Write(master[:])
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// ConstantTimeEqual compares two base64/ASCII hashes without leaking
// timing information about where they first differ.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
