// Package fieldcipher implements field-level encryption over
// internal/cryptocore with a per-classification policy table. Of that
// policy, AuditAllAccess and ComplianceLevel are acted on; the key-scope,
// rotation-interval and HSM fields are descriptive only.
package fieldcipher

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/google/uuid"

	"github.com/ironvault/securitycore/internal/apperr"
	"github.com/ironvault/securitycore/internal/audit"
	"github.com/ironvault/securitycore/internal/cryptocore"
)

// Classification is the closed set of sensitivity levels a field can
// carry. Public fields are never accepted by this package — they do not
// belong behind field-level encryption at all.
type Classification string

const (
	ClassificationInternal     Classification = "internal"
	ClassificationConfidential Classification = "confidential"
	ClassificationRestricted   Classification = "restricted"
	ClassificationTopSecret    Classification = "top_secret"
)

// Policy describes the handling rules for one classification level.
type Policy struct {
	RotationInterval  time.Duration
	RequireHSM        bool
	PerFieldKeys      bool
	PerRecordKeys     bool
	AuditAllAccess    bool
	ComplianceLevel   string
}

var policies = map[Classification]Policy{
	ClassificationInternal: {
		RotationInterval: 365 * 24 * time.Hour,
		PerFieldKeys:     false,
		AuditAllAccess:   false,
		ComplianceLevel:  "standard",
	},
	ClassificationConfidential: {
		RotationInterval: 90 * 24 * time.Hour,
		PerFieldKeys:     true,
		AuditAllAccess:   true,
		ComplianceLevel:  "elevated",
	},
	ClassificationRestricted: {
		RotationInterval: 30 * 24 * time.Hour,
		RequireHSM:       true,
		PerFieldKeys:     true,
		AuditAllAccess:   true,
		ComplianceLevel:  "restricted",
	},
	ClassificationTopSecret: {
		RotationInterval: 30 * 24 * time.Hour,
		RequireHSM:       true,
		PerFieldKeys:     true,
		PerRecordKeys:    true,
		AuditAllAccess:   true,
		ComplianceLevel:  "restricted",
	},
}

func PolicyFor(c Classification) (Policy, error) {
	p, ok := policies[c]
	if !ok {
		return Policy{}, apperr.New(apperr.ReasonValidationFailed, "unknown or unsupported classification")
	}
	return p, nil
}

func classificationSalt(c Classification) string {
	switch c {
	case ClassificationRestricted, ClassificationTopSecret:
		return cryptocore.SaltRestricted
	case ClassificationConfidential:
		return cryptocore.SaltConfidential
	default:
		return cryptocore.SaltStandard
	}
}

// EncryptedField is the at-rest representation stored in a row's
// encrypted column (typically as JSON).
type EncryptedField struct {
	Ciphertext     string         `json:"ciphertext"`
	Nonce          string         `json:"nonce"`
	ContextHash    string         `json:"context_hash"`
	IntegrityHash  string         `json:"integrity_hash"`
	KeyEpoch       int            `json:"key_epoch"`
	Classification Classification `json:"classification"`
}

// Cipher performs classification-aware field encryption/decryption. New
// fields are stamped with the current epoch (0 until RotateKeys bumps it);
// RotateKeys keeps the prior deriver alive for fields not yet
// re-encrypted. Every epoch's deriver uses the same master key and the
// epoch is not an input to derivation, so all epochs derive the same keys.
type Cipher struct {
	master     cryptocore.MasterKey
	epoch      int
	derivers   map[int]*cryptocore.KeyDeriver
	auditSink  audit.Sink
}

func New(master cryptocore.MasterKey, auditSink audit.Sink) *Cipher {
	return &Cipher{
		master:    master,
		epoch:     0,
		derivers:  map[int]*cryptocore.KeyDeriver{0: cryptocore.NewKeyDeriver(master)},
		auditSink: auditSink,
	}
}

// EncryptField encrypts plaintext for the given field under the supplied
// classification and binding context, and returns its at-rest form.
func (c *Cipher) EncryptField(ctx context.Context, tenantID, userID uuid.UUID, fieldName, operation string, classification Classification, plaintext string) (EncryptedField, error) {
	policy, err := PolicyFor(classification)
	if err != nil {
		return EncryptedField{}, err
	}

	deriver := c.derivers[c.epoch]

	key := deriver.Derive(cryptocore.DerivationInput{
		TenantID:           tenantID,
		FieldName:          fieldName,
		UserID:             userID,
		ClassificationSalt: classificationSalt(classification),
	})

	contextHash := cryptocore.ContextHash(tenantID, userID, operation, policy.ComplianceLevel, string(classification))

	ciphertext, nonce, err := cryptocore.Seal(key, []byte(plaintext), []byte(contextHash))
	if err != nil {
		return EncryptedField{}, err
	}

	integrityHash := cryptocore.IntegrityHash(ciphertext, nonce, c.master)

	ef := EncryptedField{
		Ciphertext:     base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:          base64.StdEncoding.EncodeToString(nonce),
		ContextHash:    contextHash,
		IntegrityHash:  integrityHash,
		KeyEpoch:       c.epoch,
		Classification: classification,
	}

	if policy.AuditAllAccess && c.auditSink != nil {
		c.auditSink.Record(ctx, audit.Event{
			Type:     audit.EventFieldEncrypted,
			TenantID: tenantID,
			ActorID:  userID,
			Metadata: map[string]any{"field": fieldName, "classification": string(classification)},
		})
	}

	return ef, nil
}

// DecryptField reverses EncryptField, checking context binding before
// integrity before authenticated decryption, in that exact order, so a
// ciphertext replayed into the wrong operation/user/tenant is rejected
// before any key material is re-derived or any AEAD computation runs.
func (c *Cipher) DecryptField(ctx context.Context, tenantID, userID uuid.UUID, fieldName, operation string, ef EncryptedField) (string, error) {
	policy, err := PolicyFor(ef.Classification)
	if err != nil {
		return "", err
	}

	expectedContext := cryptocore.ContextHash(tenantID, userID, operation, policy.ComplianceLevel, string(ef.Classification))
	if !cryptocore.ConstantTimeEqual(expectedContext, ef.ContextHash) {
		return "", apperr.New(apperr.ReasonCryptoFailure, "context mismatch")
	}

	deriver, ok := c.derivers[ef.KeyEpoch]
	if !ok {
		return "", apperr.New(apperr.ReasonCryptoFailure, "unknown key epoch")
	}

	key := deriver.Derive(cryptocore.DerivationInput{
		TenantID:           tenantID,
		FieldName:          fieldName,
		UserID:             userID,
		ClassificationSalt: classificationSalt(ef.Classification),
	})

	ciphertext, err := base64.StdEncoding.DecodeString(ef.Ciphertext)
	if err != nil {
		return "", apperr.Wrap(apperr.ReasonCryptoFailure, "malformed ciphertext", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(ef.Nonce)
	if err != nil {
		return "", apperr.Wrap(apperr.ReasonCryptoFailure, "malformed nonce", err)
	}

	expectedIntegrity := cryptocore.IntegrityHash(ciphertext, nonce, c.master)
	if !cryptocore.ConstantTimeEqual(expectedIntegrity, ef.IntegrityHash) {
		return "", apperr.New(apperr.ReasonCryptoFailure, "integrity check failed")
	}

	plaintext, err := cryptocore.Open(key, ciphertext, nonce, []byte(ef.ContextHash))
	if err != nil {
		return "", apperr.Wrap(apperr.ReasonCryptoFailure, "authentication failed", err)
	}

	if policy.AuditAllAccess && c.auditSink != nil {
		c.auditSink.Record(ctx, audit.Event{
			Type:     audit.EventFieldDecrypted,
			TenantID: tenantID,
			ActorID:  userID,
			Metadata: map[string]any{"field": fieldName, "classification": string(ef.Classification)},
		})
	}

	return string(plaintext), nil
}

// RotateKeys introduces a new key epoch. Existing EncryptedField values
// keep decrypting against their recorded epoch until a lazy
// re-encryption sweep (driven by the caller, typically on next write)
// upgrades them.
func (c *Cipher) RotateKeys() int {
	c.epoch++
	c.derivers[c.epoch] = cryptocore.NewKeyDeriver(c.master)
	return c.epoch
}
