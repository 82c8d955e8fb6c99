// Package session is the Session Authority: it authenticates principals,
// issues and rotates access/refresh credentials, maintains a revocation
// set for logout, and enforces the anti-enumeration and rate-limiting
// behavior required around credential-recovery flows.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ironvault/securitycore/internal/apperr"
	"github.com/ironvault/securitycore/internal/audit"
	"github.com/ironvault/securitycore/internal/cache"
	"github.com/ironvault/securitycore/internal/principal"
	"github.com/ironvault/securitycore/internal/ratelimit"
	"github.com/ironvault/securitycore/internal/storage"
	"github.com/ironvault/securitycore/internal/tenant"
	"github.com/ironvault/securitycore/internal/tokenvault"
)

// secondFactorChallengeTTL bounds how long a pre-auth challenge token
// stays redeemable before the caller must restart the login.
const secondFactorChallengeTTL = 5 * time.Minute

// PermissionResolver computes the permission strings to embed in an
// access token for a set of directly-assigned roles, sourced from the
// Access Decider's own grant catalogue (internal/access.Decider
// implements this via PermissionsForRoles).
type PermissionResolver interface {
	PermissionsForRoles(ctx context.Context, roleIDs []uuid.UUID) ([]string, error)
}

// LoginOutcome distinguishes a completed login from one that still needs
// a second factor.
type LoginOutcome string

const (
	OutcomeAuthenticated LoginOutcome = "authenticated"
	OutcomeMFARequired   LoginOutcome = "mfa_required"
)

type LoginResult struct {
	Outcome      LoginOutcome
	AccessToken  string
	RefreshToken string
	PreAuthToken string
}

// Authority is the Session Authority component.
type Authority struct {
	pool       *pgxpool.Pool
	cache      *cache.Client
	tokens     TokenProvider
	mfa        *MFAService
	passwords  PasswordHasher
	backupHash *BcryptHasher
	principals *principal.Store
	tenants    *tenant.Registry
	vault      *tokenvault.Vault
	access     PermissionResolver
	resetLimit *ratelimit.Limiter
	loginLimit *ratelimit.Limiter
	audit      audit.Sink

	refreshTTL       time.Duration
	lockoutThreshold int
	lockoutDuration  time.Duration
}

func NewAuthority(
	pool *pgxpool.Pool,
	cacheClient *cache.Client,
	tokens TokenProvider,
	mfa *MFAService,
	passwords PasswordHasher,
	principals *principal.Store,
	tenants *tenant.Registry,
	vault *tokenvault.Vault,
	access PermissionResolver,
	resetLimit *ratelimit.Limiter,
	loginLimit *ratelimit.Limiter,
	auditSink audit.Sink,
	refreshTTL time.Duration,
	lockoutThreshold int,
	lockoutDuration time.Duration,
) *Authority {
	return &Authority{
		pool:             pool,
		cache:            cacheClient,
		tokens:           tokens,
		mfa:              mfa,
		passwords:        passwords,
		backupHash:       NewBcryptHasher(),
		principals:       principals,
		tenants:          tenants,
		vault:            vault,
		access:           access,
		resetLimit:       resetLimit,
		loginLimit:       loginLimit,
		audit:            auditSink,
		refreshTTL:       refreshTTL,
		lockoutThreshold: lockoutThreshold,
		lockoutDuration:  lockoutDuration,
	}
}

// Authenticate runs the full login pre-check chain per spec.md §4.5: the
// tenant must be active, the user must exist and be active, not locked
// out, and the password must match. A verifier failure increments the
// user's failure counter and, once it crosses lockoutThreshold, locks
// the account for lockoutDuration. On any failure this returns the same
// generic "invalid credentials" error regardless of which check failed,
// so an attacker cannot use it to enumerate accounts; the audit trail
// records the true reason. If the account has no second factor enabled
// the login completes directly; otherwise a single-use Token Vault
// challenge (purpose second_factor_challenge) is issued and the caller
// must present a TOTP code to CompleteMFA — no session
// credentials are handed out until that second step succeeds.
func (a *Authority) Authenticate(ctx context.Context, tenantID uuid.UUID, email, password string) (LoginResult, error) {
	active, err := a.tenants.IsActive(ctx, tenantID)
	if err != nil || !active {
		a.audit.Record(ctx, audit.Event{Type: audit.EventLoginFailed, TenantID: tenantID, Metadata: map[string]any{"reason": "tenant_inactive"}})
		return LoginResult{}, apperr.Unauthenticated
	}

	if allowed, err := a.loginLimit.Allow(ctx, fmt.Sprintf("login:%s:%s", tenantID, email)); err == nil && !allowed {
		a.audit.Record(ctx, audit.Event{Type: audit.EventSecurityPolicyViolation, TenantID: tenantID, Metadata: map[string]any{"reason": "login_rate_limited"}})
		return LoginResult{}, apperr.Unauthenticated
	}

	user, err := a.principals.GetUserByEmail(ctx, tenantID, email)
	if err != nil {
		a.audit.Record(ctx, audit.Event{Type: audit.EventLoginFailed, TenantID: tenantID, Metadata: map[string]any{"email": email}})
		return LoginResult{}, apperr.Unauthenticated
	}

	if user.Status != principal.UserStatusActive {
		a.audit.Record(ctx, audit.Event{Type: audit.EventLoginFailed, TenantID: tenantID, ActorID: user.ID})
		return LoginResult{}, apperr.Unauthenticated
	}

	if user.Locked(time.Now()) {
		a.audit.Record(ctx, audit.Event{Type: audit.EventLoginFailed, TenantID: tenantID, ActorID: user.ID, Metadata: map[string]any{"reason": "locked"}})
		return LoginResult{}, apperr.Unauthenticated
	}

	if err := a.passwords.Compare(user.PasswordHash, password); err != nil {
		a.recordLoginFailure(ctx, tenantID, user)
		return LoginResult{}, apperr.Unauthenticated
	}

	if err := a.principals.ResetLoginFailures(ctx, tenantID, user.ID); err != nil {
		return LoginResult{}, err
	}

	if user.MFAState == principal.MFAEnabled {
		challenge, err := a.vault.Issue(ctx, tenantID, user.ID, tokenvault.PurposeSecondFactorChallenge, secondFactorChallengeTTL)
		if err != nil {
			return LoginResult{}, err
		}
		return LoginResult{Outcome: OutcomeMFARequired, PreAuthToken: challenge.Raw}, nil
	}

	return a.issueSession(ctx, tenantID, user)
}

// recordLoginFailure increments the failure counter and, once it
// reaches lockoutThreshold, locks the account for lockoutDuration.
func (a *Authority) recordLoginFailure(ctx context.Context, tenantID uuid.UUID, user principal.User) {
	count, err := a.principals.RecordLoginFailure(ctx, tenantID, user.ID)
	meta := map[string]any{}
	if err == nil && a.lockoutThreshold > 0 && count >= a.lockoutThreshold {
		if lockErr := a.principals.Lock(ctx, tenantID, user.ID, time.Now().Add(a.lockoutDuration)); lockErr == nil {
			meta["locked"] = true
		}
	}
	a.audit.Record(ctx, audit.Event{Type: audit.EventLoginFailed, TenantID: tenantID, ActorID: user.ID, Metadata: meta})
}

// CompleteMFA finishes a login started by Authenticate. preAuthToken is
// the raw second_factor_challenge token issued by Authenticate; it is
// consumed exactly once here, so a challenge can't be validated
// repeatedly and any outstanding challenge can be revoked by burning
// the user's second_factor_challenge tokens.
func (a *Authority) CompleteMFA(ctx context.Context, tenantID uuid.UUID, preAuthToken, code string) (LoginResult, error) {
	if allowed, err := a.loginLimit.Allow(ctx, fmt.Sprintf("mfa:%s:%s", tenantID, preAuthToken)); err == nil && !allowed {
		a.audit.Record(ctx, audit.Event{Type: audit.EventSecurityPolicyViolation, TenantID: tenantID, Metadata: map[string]any{"reason": "mfa_rate_limited"}})
		return LoginResult{}, apperr.Unauthenticated
	}

	tok, err := a.vault.Consume(ctx, tenantID, tokenvault.PurposeSecondFactorChallenge, preAuthToken)
	if err != nil {
		return LoginResult{}, apperr.Unauthenticated
	}

	user, err := a.principals.GetUserByID(ctx, tenantID, tok.UserID)
	if err != nil {
		return LoginResult{}, apperr.Unauthenticated
	}

	if !a.mfa.ValidateCode(code, user.TOTPSecret) {
		a.audit.Record(ctx, audit.Event{Type: audit.EventLoginFailed, TenantID: tenantID, ActorID: user.ID, Metadata: map[string]any{"stage": "mfa"}})
		return LoginResult{}, apperr.Unauthenticated
	}

	return a.issueSession(ctx, tenantID, user)
}

func (a *Authority) issueSession(ctx context.Context, tenantID uuid.UUID, user principal.User) (LoginResult, error) {
	roleIDs, err := a.principals.UserRoleIDs(ctx, tenantID, user.ID)
	if err != nil {
		return LoginResult{}, err
	}
	roles := make([]string, 0, len(roleIDs))
	for _, id := range roleIDs {
		roles = append(roles, id.String())
	}

	permissions, err := a.access.PermissionsForRoles(ctx, roleIDs)
	if err != nil {
		return LoginResult{}, err
	}

	access, _, err := a.tokens.GenerateAccessToken(user.ID, tenantID, roles, permissions, uuid.Nil)
	if err != nil {
		return LoginResult{}, err
	}

	refresh, err := a.createRefreshToken(ctx, tenantID, user.ID, uuid.New())
	if err != nil {
		return LoginResult{}, err
	}

	a.audit.Record(ctx, audit.Event{Type: audit.EventLoginSuccess, TenantID: tenantID, ActorID: user.ID})

	return LoginResult{Outcome: OutcomeAuthenticated, AccessToken: access, RefreshToken: refresh}, nil
}

func hashRefresh(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func (a *Authority) createRefreshToken(ctx context.Context, tenantID, userID, familyID uuid.UUID) (string, error) {
	raw, err := randomToken()
	if err != nil {
		return "", err
	}

	err = storage.WithTenantContext(ctx, a.pool, tenantID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO refresh_tokens (tenant_id, user_id, family_id, token_hash, expires_at)
			VALUES ($1, $2, $3, $4, $5)`,
			tenantID, userID, familyID, hashRefresh(raw), time.Now().Add(a.refreshTTL))
		return err
	})
	if err != nil {
		return "", apperr.Wrap(apperr.ReasonDependencyFailed, "failed to store refresh token", err)
	}
	return raw, nil
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", apperr.Wrap(apperr.ReasonCryptoFailure, "failed to generate token", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// refreshGracePeriod tolerates a refresh token being redeemed twice in
// quick succession by concurrent requests racing on the same rotation.
const refreshGracePeriod = 10 * time.Second

// RefreshSession exchanges a refresh credential for a new access/refresh
// pair, rotating the refresh credential on every call. If a token is
// presented that was already rotated away more than the grace period
// ago, the entire token family is revoked on the assumption it has been
// stolen and replayed (the "nuclear option").
func (a *Authority) RefreshSession(ctx context.Context, tenantID uuid.UUID, rawRefresh string) (LoginResult, error) {
	hash := hashRefresh(rawRefresh)

	var userID, familyID uuid.UUID
	var revokedAt *time.Time
	var expiresAt time.Time

	err := storage.WithTenantContext(ctx, a.pool, tenantID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			SELECT user_id, family_id, revoked_at, expires_at
			FROM refresh_tokens WHERE tenant_id = $1 AND token_hash = $2`,
			tenantID, hash,
		).Scan(&userID, &familyID, &revokedAt, &expiresAt)
	})
	if err != nil {
		if err == pgx.ErrNoRows {
			return LoginResult{}, apperr.TokenInvalid
		}
		return LoginResult{}, apperr.Wrap(apperr.ReasonDependencyFailed, "failed to load refresh token", err)
	}

	if time.Now().After(expiresAt) {
		return LoginResult{}, apperr.TokenExpired
	}

	if revokedAt != nil {
		if time.Since(*revokedAt) > refreshGracePeriod {
			a.revokeFamily(ctx, tenantID, familyID)
			a.audit.Record(ctx, audit.Event{Type: audit.EventTokenReuseAttempt, TenantID: tenantID, ActorID: userID})
			return LoginResult{}, apperr.New(apperr.ReasonForbidden, "refresh token reuse detected; session family revoked")
		}
		// Within the grace period: a benign concurrent retry only if the
		// rotation left a live successor in the family; a session revoked
		// outright (logout, RevokeSession, password reset) has none.
		var live bool
		if err := storage.WithTenantContext(ctx, a.pool, tenantID, func(tx pgx.Tx) error {
			return tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM refresh_tokens WHERE tenant_id = $1 AND family_id = $2 AND revoked_at IS NULL)`, tenantID, familyID).Scan(&live)
		}); err != nil {
			return LoginResult{}, apperr.Wrap(apperr.ReasonDependencyFailed, "failed to load refresh token family", err)
		}
		if !live {
			return LoginResult{}, apperr.TokenInvalid
		}
		// Let it through without re-rotating again.
	} else {
		if err := a.revokeSingle(ctx, tenantID, hash); err != nil {
			return LoginResult{}, err
		}
	}

	user, err := a.principals.GetUserByID(ctx, tenantID, userID)
	if err != nil {
		return LoginResult{}, apperr.Unauthenticated
	}

	roleIDs, err := a.principals.UserRoleIDs(ctx, tenantID, userID)
	if err != nil {
		return LoginResult{}, err
	}
	roles := make([]string, 0, len(roleIDs))
	for _, id := range roleIDs {
		roles = append(roles, id.String())
	}

	permissions, err := a.access.PermissionsForRoles(ctx, roleIDs)
	if err != nil {
		return LoginResult{}, err
	}

	access, _, err := a.tokens.GenerateAccessToken(user.ID, tenantID, roles, permissions, uuid.Nil)
	if err != nil {
		return LoginResult{}, err
	}

	newRefresh, err := a.createRefreshToken(ctx, tenantID, userID, familyID)
	if err != nil {
		return LoginResult{}, err
	}

	return LoginResult{Outcome: OutcomeAuthenticated, AccessToken: access, RefreshToken: newRefresh}, nil
}

func (a *Authority) revokeSingle(ctx context.Context, tenantID uuid.UUID, hash string) error {
	return storage.WithTenantContext(ctx, a.pool, tenantID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `UPDATE refresh_tokens SET revoked_at = now() WHERE tenant_id = $1 AND token_hash = $2`, tenantID, hash)
		return err
	})
}

func (a *Authority) revokeFamily(ctx context.Context, tenantID, familyID uuid.UUID) {
	_ = storage.WithTenantContext(ctx, a.pool, tenantID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `UPDATE refresh_tokens SET revoked_at = now() WHERE tenant_id = $1 AND family_id = $2 AND revoked_at IS NULL`, tenantID, familyID)
		return err
	})
}

// Logout revokes the refresh token's family and places the presented
// access credential's jti into the revocation set for the remainder of
// its natural lifetime.
func (a *Authority) Logout(ctx context.Context, tenantID uuid.UUID, accessJTI string, accessExpiresAt time.Time, rawRefresh string) error {
	hash := hashRefresh(rawRefresh)

	var familyID uuid.UUID
	err := storage.WithTenantContext(ctx, a.pool, tenantID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `SELECT family_id FROM refresh_tokens WHERE tenant_id = $1 AND token_hash = $2`, tenantID, hash).Scan(&familyID)
	})
	if err == nil {
		a.revokeFamily(ctx, tenantID, familyID)
	}

	if a.cache != nil && accessJTI != "" {
		ttl := time.Until(accessExpiresAt)
		if ttl > 0 {
			_, _ = a.cache.SetNX(ctx, revocationKey(accessJTI), "1", ttl)
		}
	}

	a.audit.Record(ctx, audit.Event{Type: audit.EventLogout, TenantID: tenantID})
	return nil
}

func revocationKey(jti string) string {
	return fmt.Sprintf("revoked_token:%s", jti)
}

// IsRevoked checks the O(1) revocation set. A cache outage is treated as
// "not revoked" since the revocation set is a denylist, not the
// authoritative session record — failing open here only re-admits a
// token that was already going to expire on its own shortly.
func (a *Authority) IsRevoked(ctx context.Context, jti string) bool {
	if a.cache == nil || jti == "" {
		return false
	}
	revoked, err := a.cache.Exists(ctx, revocationKey(jti))
	if err != nil {
		return false
	}
	return revoked
}

// Impersonate issues an access credential acting as targetUserID on
// behalf of actorUserID. Refuses to extend an already-impersonated
// session into a second hop.
func (a *Authority) Impersonate(ctx context.Context, tenantID, actorUserID uuid.UUID, actorClaims *Claims, targetUserID uuid.UUID) (string, error) {
	if actorClaims.ImpersonatorID != uuid.Nil {
		return "", apperr.New(apperr.ReasonForbidden, "cannot chain impersonation sessions")
	}

	target, err := a.principals.GetUserByID(ctx, tenantID, targetUserID)
	if err != nil {
		return "", err
	}

	roleIDs, err := a.principals.UserRoleIDs(ctx, tenantID, targetUserID)
	if err != nil {
		return "", err
	}
	roles := make([]string, 0, len(roleIDs))
	for _, id := range roleIDs {
		roles = append(roles, id.String())
	}

	permissions, err := a.access.PermissionsForRoles(ctx, roleIDs)
	if err != nil {
		return "", err
	}

	token, _, err := a.tokens.GenerateAccessToken(target.ID, tenantID, roles, permissions, actorUserID)
	if err != nil {
		return "", err
	}

	a.audit.Record(ctx, audit.Event{Type: audit.EventImpersonationStarted, TenantID: tenantID, ActorID: actorUserID, TargetID: targetUserID})
	return token, nil
}

// ListSessions returns the caller's live (not revoked, not expired)
// refresh-token records, for a session-management self-service view.
type SessionInfo struct {
	ID        uuid.UUID
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (a *Authority) ListSessions(ctx context.Context, tenantID, userID uuid.UUID) ([]SessionInfo, error) {
	var out []SessionInfo
	err := storage.WithTenantContext(ctx, a.pool, tenantID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, created_at, expires_at FROM refresh_tokens
			WHERE tenant_id = $1 AND user_id = $2 AND revoked_at IS NULL AND expires_at > now()
			ORDER BY created_at DESC`, tenantID, userID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var s SessionInfo
			if err := rows.Scan(&s.ID, &s.CreatedAt, &s.ExpiresAt); err != nil {
				return err
			}
			out = append(out, s)
		}
		return rows.Err()
	})
	return out, err
}

func (a *Authority) RevokeSession(ctx context.Context, tenantID, sessionID uuid.UUID) error {
	return storage.WithTenantContext(ctx, a.pool, tenantID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `UPDATE refresh_tokens SET revoked_at = now() WHERE tenant_id = $1 AND id = $2`, tenantID, sessionID)
		return err
	})
}

// RequestPasswordReset always appears to succeed to the caller,
// regardless of whether the account exists, so an attacker cannot use
// this endpoint to enumerate valid emails. The audit trail records the
// true outcome. Requests are rate limited per (tenant, email); a limited
// request also returns nil and is audited as a security policy
// violation. No email-verification request path exists in this package,
// so the limiter guards password reset only.
func (a *Authority) RequestPasswordReset(ctx context.Context, tenantID uuid.UUID, email string) error {
	allowed, err := a.resetLimit.Allow(ctx, fmt.Sprintf("password_reset:%s:%s", tenantID, email))
	if err == nil && !allowed {
		a.audit.Record(ctx, audit.Event{Type: audit.EventSecurityPolicyViolation, TenantID: tenantID, Metadata: map[string]any{"reason": "password_reset_rate_limited"}})
		return nil
	}

	user, err := a.principals.GetUserByEmail(ctx, tenantID, email)
	if err != nil {
		jitterSleep()
		a.audit.Record(ctx, audit.Event{Type: audit.EventPasswordReset, TenantID: tenantID, Metadata: map[string]any{"outcome": "user_not_found"}})
		return nil
	}

	if _, err := a.vault.Issue(ctx, tenantID, user.ID, tokenvault.PurposePasswordReset, time.Hour); err != nil {
		a.audit.Record(ctx, audit.Event{Type: audit.EventPasswordReset, TenantID: tenantID, ActorID: user.ID, Metadata: map[string]any{"outcome": "issue_failed"}})
		return nil
	}

	a.audit.Record(ctx, audit.Event{Type: audit.EventPasswordReset, TenantID: tenantID, ActorID: user.ID, Metadata: map[string]any{"outcome": "issued"}})
	return nil
}

// jitterSleep approximates the latency of the real reset-issuance path
// so a timing side channel can't distinguish "no such user" from
// "reset issued". A small random jitter is used instead of a fixed
// sleep so the delay itself isn't a distinguishable signal.
func jitterSleep() {
	n, err := rand.Int(rand.Reader, big.NewInt(100))
	ms := int64(150)
	if err == nil {
		ms += n.Int64()
	}
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

// ConfirmPasswordReset consumes the reset token, updates the password,
// invalidates any other outstanding reset tokens, and revokes every
// existing session for the account.
func (a *Authority) ConfirmPasswordReset(ctx context.Context, tenantID uuid.UUID, rawToken, newPassword string) error {
	tok, err := a.vault.Consume(ctx, tenantID, tokenvault.PurposePasswordReset, rawToken)
	if err != nil {
		return err
	}

	hash, err := a.passwords.Hash(newPassword)
	if err != nil {
		return err
	}

	if err := a.principals.SetPasswordHash(ctx, tenantID, tok.UserID, hash); err != nil {
		return err
	}

	_ = a.vault.InvalidateUserTokens(ctx, tenantID, tok.UserID, tokenvault.PurposePasswordReset)

	_ = storage.WithTenantContext(ctx, a.pool, tenantID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `UPDATE refresh_tokens SET revoked_at = now() WHERE tenant_id = $1 AND user_id = $2 AND revoked_at IS NULL`, tenantID, tok.UserID)
		return err
	})

	a.audit.Record(ctx, audit.Event{Type: audit.EventPasswordChanged, TenantID: tenantID, ActorID: tok.UserID})
	return nil
}
