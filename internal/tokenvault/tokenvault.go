// Package tokenvault is the Token Vault: single-use verification tokens
// (password reset, email verification, email change, invitations,
// second-factor recovery) backed by Postgres. Issue also writes the token
// id to Redis and Consume/InvalidateUserTokens delete it there, but no
// lookup reads the cache: every validation goes to Postgres. Grounded on
// the original system's tokens/manager.rs.
package tokenvault

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ironvault/securitycore/internal/apperr"
	"github.com/ironvault/securitycore/internal/audit"
	"github.com/ironvault/securitycore/internal/cache"
	"github.com/ironvault/securitycore/internal/storage"
)

// Purpose is the closed set of reasons a token can be issued for.
type Purpose string

const (
	PurposePasswordReset         Purpose = "password_reset"
	PurposeEmailVerification     Purpose = "email_verification"
	PurposeEmailChange           Purpose = "email_change"
	PurposeInvitation            Purpose = "invitation"
	PurposeSecondFactorRecovery  Purpose = "second_factor_recovery"
	PurposeSecondFactorChallenge Purpose = "second_factor_challenge"
)

// Token is the store-of-record representation. Raw is only ever
// returned once, at creation time, and is never persisted — only its
// hash is.
type Token struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	UserID    uuid.UUID
	Purpose   Purpose
	Raw       string
	ExpiresAt time.Time
	UsedAt    *time.Time
}

// Vault is the Token Vault component.
type Vault struct {
	pool  *pgxpool.Pool
	cache *cache.Client // nil is permitted; Vault degrades to db-only
	audit audit.Sink
}

func New(pool *pgxpool.Pool, cacheClient *cache.Client, auditSink audit.Sink) *Vault {
	return &Vault{pool: pool, cache: cacheClient, audit: auditSink}
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func generateRawToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", apperr.Wrap(apperr.ReasonCryptoFailure, "failed to generate token", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func cacheKey(purpose Purpose, tenantID uuid.UUID, rawValue string) string {
	return fmt.Sprintf("token:%s:%s:%s", purpose, tenantID, hashToken(rawValue))
}

// Issue creates a new single-use token and stores it, hashed, in
// Postgres; the token id is cached, under a key built from the hash of
// the raw value, with a TTL equal to its lifetime. The raw value is
// returned to the caller to embed in a link/code.
func (v *Vault) Issue(ctx context.Context, tenantID, userID uuid.UUID, purpose Purpose, ttl time.Duration) (Token, error) {
	raw, err := generateRawToken()
	if err != nil {
		return Token{}, err
	}

	t := Token{
		TenantID:  tenantID,
		UserID:    userID,
		Purpose:   purpose,
		Raw:       raw,
		ExpiresAt: time.Now().Add(ttl),
	}

	err = storage.WithTenantContext(ctx, v.pool, tenantID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO verification_tokens (tenant_id, user_id, purpose, token_hash, expires_at)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id`,
			tenantID, userID, purpose, hashToken(raw), t.ExpiresAt,
		).Scan(&t.ID)
	})
	if err != nil {
		return Token{}, apperr.Wrap(apperr.ReasonDependencyFailed, "failed to store token", err)
	}

	if v.cache != nil {
		_ = v.cache.Set(ctx, cacheKey(purpose, tenantID, raw), t.ID.String(), ttl)
	}

	if v.audit != nil {
		v.audit.Record(ctx, audit.Event{
			Type:     audit.EventTokenCreated,
			TenantID: tenantID,
			ActorID:  userID,
			Metadata: map[string]any{"purpose": string(purpose)},
		})
	}

	return t, nil
}

// Validate checks a raw token value without consuming it ("peek"),
// useful for e.g. letting a reset-password UI confirm a link is still
// live before the user submits a new password.
func (v *Vault) Validate(ctx context.Context, tenantID uuid.UUID, purpose Purpose, raw string) (Token, error) {
	return v.lookup(ctx, tenantID, purpose, raw, false)
}

// Consume validates and atomically marks a token used. The database
// UPDATE is the linearization point: it happens before any cache
// eviction, so a concurrent validator that already read the cache will
// still fail the subsequent consume attempt rather than racing ahead of
// the authoritative store.
func (v *Vault) Consume(ctx context.Context, tenantID uuid.UUID, purpose Purpose, raw string) (Token, error) {
	tok, err := v.lookup(ctx, tenantID, purpose, raw, true)
	if err != nil {
		return Token{}, err
	}

	if v.cache != nil {
		_ = v.cache.Delete(ctx, cacheKey(purpose, tenantID, raw))
	}

	if v.audit != nil {
		v.audit.Record(ctx, audit.Event{
			Type:     audit.EventTokenValidated,
			TenantID: tenantID,
			ActorID:  tok.UserID,
			Metadata: map[string]any{"purpose": string(purpose)},
		})
	}

	return tok, nil
}

func (v *Vault) lookup(ctx context.Context, tenantID uuid.UUID, purpose Purpose, raw string, consume bool) (Token, error) {
	var t Token
	var usedAt *time.Time

	err := storage.WithTenantContext(ctx, v.pool, tenantID, func(tx pgx.Tx) error {
		hash := hashToken(raw)

		query := `SELECT id, tenant_id, user_id, purpose, expires_at, used_at
			FROM verification_tokens WHERE tenant_id = $1 AND purpose = $2 AND token_hash = $3`
		if consume {
			query += ` FOR UPDATE`
		}

		err := tx.QueryRow(ctx, query, tenantID, purpose, hash).
			Scan(&t.ID, &t.TenantID, &t.UserID, &t.Purpose, &t.ExpiresAt, &usedAt)
		if err != nil {
			if err == pgx.ErrNoRows {
				return apperr.TokenInvalid
			}
			return apperr.Wrap(apperr.ReasonDependencyFailed, "failed to load token", err)
		}

		if usedAt != nil {
			if v.audit != nil {
				v.audit.Record(ctx, audit.Event{Type: audit.EventTokenReuseAttempt, TenantID: tenantID, TargetID: t.ID})
			}
			return apperr.TokenAlreadyUsed
		}
		if time.Now().After(t.ExpiresAt) {
			if v.audit != nil {
				v.audit.Record(ctx, audit.Event{Type: audit.EventTokenExpiredUse, TenantID: tenantID, TargetID: t.ID})
			}
			return apperr.TokenExpired
		}

		if consume {
			_, err := tx.Exec(ctx, `UPDATE verification_tokens SET used_at = now() WHERE id = $1`, t.ID)
			if err != nil {
				return apperr.Wrap(apperr.ReasonDependencyFailed, "failed to mark token used", err)
			}
		}
		return nil
	})
	if err != nil {
		return Token{}, err
	}
	return t, nil
}

// InvalidateUserTokens revokes every outstanding token of a given
// purpose for a user — used e.g. when a password reset succeeds, to
// burn any other still-live reset links for the same account.
func (v *Vault) InvalidateUserTokens(ctx context.Context, tenantID, userID uuid.UUID, purpose Purpose) error {
	err := storage.WithTenantContext(ctx, v.pool, tenantID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE verification_tokens SET used_at = now()
			WHERE tenant_id = $1 AND user_id = $2 AND purpose = $3 AND used_at IS NULL`,
			tenantID, userID, purpose)
		return err
	})
	if err != nil {
		return apperr.Wrap(apperr.ReasonDependencyFailed, "failed to invalidate tokens", err)
	}

	if v.cache != nil {
		_ = v.cache.ScanDelete(ctx, fmt.Sprintf("token:%s:%s:*", purpose, tenantID))
	}
	return nil
}

// Stats summarizes outstanding/consumed tokens per purpose, for an
// operator dashboard.
type Stats struct {
	ByPurpose map[Purpose]PurposeStats
}

type PurposeStats struct {
	Active  int
	Used    int
	Expired int
}

func (v *Vault) Stats(ctx context.Context, tenantID uuid.UUID) (Stats, error) {
	stats := Stats{ByPurpose: map[Purpose]PurposeStats{}}
	err := storage.WithTenantContext(ctx, v.pool, tenantID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT purpose,
				count(*) FILTER (WHERE used_at IS NULL AND expires_at > now()) AS active,
				count(*) FILTER (WHERE used_at IS NOT NULL) AS used,
				count(*) FILTER (WHERE used_at IS NULL AND expires_at <= now()) AS expired
			FROM verification_tokens WHERE tenant_id = $1 GROUP BY purpose`, tenantID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var purpose Purpose
			var ps PurposeStats
			if err := rows.Scan(&purpose, &ps.Active, &ps.Used, &ps.Expired); err != nil {
				return err
			}
			stats.ByPurpose[purpose] = ps
		}
		return rows.Err()
	})
	return stats, err
}

// CleanupExpired deletes tokens that expired more than retention ago,
// intended to be called by an external janitor process. This component
// only exposes the operation; scheduling it is out of scope.
func (v *Vault) CleanupExpired(ctx context.Context, retention time.Duration) (int64, error) {
	var affected int64
	err := storage.WithoutRLS(ctx, v.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM verification_tokens WHERE expires_at < $1`, time.Now().Add(-retention))
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	return affected, err
}
