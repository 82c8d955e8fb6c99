// Package principal is the Principal Store: users, roles, the role
// hierarchy DAG, and role assignments. Permission evaluation itself
// lives in internal/access, which reads the hierarchy this package
// maintains.
package principal

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ironvault/securitycore/internal/apperr"
	"github.com/ironvault/securitycore/internal/storage"
)

type UserStatus string

const (
	UserStatusActive    UserStatus = "active"
	UserStatusDisabled  UserStatus = "disabled"
)

type MFAState string

const (
	MFADisabled     MFAState = "disabled"
	MFASetupPending MFAState = "setup_pending"
	MFAEnabled      MFAState = "enabled"
)

type User struct {
	ID               uuid.UUID
	TenantID         uuid.UUID
	Email            string
	PasswordHash     string
	Status           UserStatus
	MFAState         MFAState
	TOTPSecret       string
	LockedUntil      *time.Time
	EmailVerifiedAt  *time.Time
	FailedLoginCount int
}

// Locked reports whether the account is currently locked out, per
// spec.md §4.5's login pre-check.
func (u User) Locked(at time.Time) bool {
	return u.LockedUntil != nil && at.Before(*u.LockedUntil)
}

type Role struct {
	ID       uuid.UUID
	TenantID uuid.UUID // zero value means a global system role
	Name     string
	IsSystem bool
}

// Store is the Principal Store component.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) CreateUser(ctx context.Context, tenantID uuid.UUID, email, passwordHash string) (User, error) {
	var u User
	err := storage.WithTenantContext(ctx, s.pool, tenantID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO users (tenant_id, email, password_hash, status, mfa_state)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, tenant_id, email, password_hash, status, mfa_state, locked_until, email_verified_at, failed_login_count`,
			tenantID, email, passwordHash, UserStatusActive, MFADisabled,
		).Scan(&u.ID, &u.TenantID, &u.Email, &u.PasswordHash, &u.Status, &u.MFAState,
			&u.LockedUntil, &u.EmailVerifiedAt, &u.FailedLoginCount)
	})
	if err != nil {
		return User{}, apperr.Wrap(apperr.ReasonDependencyFailed, "failed to create user", err)
	}
	return u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, tenantID uuid.UUID, email string) (User, error) {
	var u User
	err := storage.WithTenantContext(ctx, s.pool, tenantID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			SELECT id, tenant_id, email, password_hash, status, mfa_state, coalesce(totp_secret, ''),
				locked_until, email_verified_at, failed_login_count
			FROM users WHERE tenant_id = $1 AND email = $2`,
			tenantID, email,
		).Scan(&u.ID, &u.TenantID, &u.Email, &u.PasswordHash, &u.Status, &u.MFAState, &u.TOTPSecret,
			&u.LockedUntil, &u.EmailVerifiedAt, &u.FailedLoginCount)
	})
	if err != nil {
		if err == pgx.ErrNoRows {
			return User{}, apperr.NotFound
		}
		return User{}, apperr.Wrap(apperr.ReasonDependencyFailed, "failed to load user", err)
	}
	return u, nil
}

func (s *Store) GetUserByID(ctx context.Context, tenantID, userID uuid.UUID) (User, error) {
	var u User
	err := storage.WithTenantContext(ctx, s.pool, tenantID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			SELECT id, tenant_id, email, password_hash, status, mfa_state, coalesce(totp_secret, ''),
				locked_until, email_verified_at, failed_login_count
			FROM users WHERE tenant_id = $1 AND id = $2`,
			tenantID, userID,
		).Scan(&u.ID, &u.TenantID, &u.Email, &u.PasswordHash, &u.Status, &u.MFAState, &u.TOTPSecret,
			&u.LockedUntil, &u.EmailVerifiedAt, &u.FailedLoginCount)
	})
	if err != nil {
		if err == pgx.ErrNoRows {
			return User{}, apperr.NotFound
		}
		return User{}, apperr.Wrap(apperr.ReasonDependencyFailed, "failed to load user", err)
	}
	return u, nil
}

// Lock sets locked_until, refusing logins until that instant per
// spec.md §4.3's lock(tenant, user, until) operation.
func (s *Store) Lock(ctx context.Context, tenantID, userID uuid.UUID, until time.Time) error {
	err := storage.WithTenantContext(ctx, s.pool, tenantID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `UPDATE users SET locked_until = $1 WHERE tenant_id = $2 AND id = $3`, until, tenantID, userID)
		return err
	})
	if err != nil {
		return apperr.Wrap(apperr.ReasonDependencyFailed, "failed to lock user", err)
	}
	return nil
}

// MarkEmailVerified stamps email_verified_at and returns the updated
// user, per spec.md §4.3's mark_email_verified(tenant, user) → user.
func (s *Store) MarkEmailVerified(ctx context.Context, tenantID, userID uuid.UUID) (User, error) {
	var u User
	err := storage.WithTenantContext(ctx, s.pool, tenantID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			UPDATE users SET email_verified_at = now() WHERE tenant_id = $1 AND id = $2
			RETURNING id, tenant_id, email, password_hash, status, mfa_state, coalesce(totp_secret, ''),
				locked_until, email_verified_at, failed_login_count`,
			tenantID, userID,
		).Scan(&u.ID, &u.TenantID, &u.Email, &u.PasswordHash, &u.Status, &u.MFAState, &u.TOTPSecret,
			&u.LockedUntil, &u.EmailVerifiedAt, &u.FailedLoginCount)
	})
	if err != nil {
		if err == pgx.ErrNoRows {
			return User{}, apperr.NotFound
		}
		return User{}, apperr.Wrap(apperr.ReasonDependencyFailed, "failed to mark email verified", err)
	}
	return u, nil
}

// RecordLoginFailure increments the per-user failure counter and
// returns the new count, for the Session Authority's lockout threshold
// check (spec.md §4.5: "on verifier failure increment a per-user
// failure count; on threshold, set locked_until").
func (s *Store) RecordLoginFailure(ctx context.Context, tenantID, userID uuid.UUID) (int, error) {
	var count int
	err := storage.WithTenantContext(ctx, s.pool, tenantID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			UPDATE users SET failed_login_count = failed_login_count + 1
			WHERE tenant_id = $1 AND id = $2 RETURNING failed_login_count`,
			tenantID, userID,
		).Scan(&count)
	})
	if err != nil {
		return 0, apperr.Wrap(apperr.ReasonDependencyFailed, "failed to record login failure", err)
	}
	return count, nil
}

// ResetLoginFailures clears the failure counter, called on a successful
// authentication.
func (s *Store) ResetLoginFailures(ctx context.Context, tenantID, userID uuid.UUID) error {
	err := storage.WithTenantContext(ctx, s.pool, tenantID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `UPDATE users SET failed_login_count = 0 WHERE tenant_id = $1 AND id = $2`, tenantID, userID)
		return err
	})
	if err != nil {
		return apperr.Wrap(apperr.ReasonDependencyFailed, "failed to reset login failures", err)
	}
	return nil
}

func (s *Store) SetPasswordHash(ctx context.Context, tenantID, userID uuid.UUID, hash string) error {
	return storage.WithTenantContext(ctx, s.pool, tenantID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `UPDATE users SET password_hash = $1 WHERE tenant_id = $2 AND id = $3`, hash, tenantID, userID)
		return err
	})
}

func (s *Store) SetMFAState(ctx context.Context, tenantID, userID uuid.UUID, state MFAState, totpSecret string) error {
	return storage.WithTenantContext(ctx, s.pool, tenantID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `UPDATE users SET mfa_state = $1, totp_secret = $2 WHERE tenant_id = $3 AND id = $4`,
			state, totpSecret, tenantID, userID)
		return err
	})
}

// CreateRole creates a tenant-scoped (or, with a nil tenantID, global
// system) role.
func (s *Store) CreateRole(ctx context.Context, tenantID uuid.UUID, name string, isSystem bool) (Role, error) {
	var r Role
	insert := func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO roles (tenant_id, name, is_system) VALUES ($1, $2, $3)
			RETURNING id, coalesce(tenant_id, '00000000-0000-0000-0000-000000000000'), name, is_system`,
			nullableUUID(tenantID), name, isSystem,
		).Scan(&r.ID, &r.TenantID, &r.Name, &r.IsSystem)
	}
	var err error
	if tenantID == uuid.Nil {
		err = storage.WithoutRLS(ctx, s.pool, insert)
	} else {
		err = storage.WithTenantContext(ctx, s.pool, tenantID, insert)
	}
	if err != nil {
		return Role{}, apperr.Wrap(apperr.ReasonDependencyFailed, "failed to create role", err)
	}
	return r, nil
}

func nullableUUID(u uuid.UUID) any {
	if u == uuid.Nil {
		return nil
	}
	return u
}

// AddParentRole adds an edge to the role hierarchy DAG: parentRoleID's
// permissions are inherited by childRoleID. Rejects the edge if it would
// create a cycle.
func (s *Store) AddParentRole(ctx context.Context, parentRoleID, childRoleID uuid.UUID) error {
	if parentRoleID == childRoleID {
		return apperr.New(apperr.ReasonValidationFailed, "a role cannot be its own parent")
	}

	return storage.WithoutRLS(ctx, s.pool, func(tx pgx.Tx) error {
		ancestors, err := collectAncestors(ctx, tx, parentRoleID, map[uuid.UUID]bool{})
		if err != nil {
			return err
		}
		if ancestors[childRoleID] {
			return apperr.New(apperr.ReasonValidationFailed, "role hierarchy edge would introduce a cycle")
		}

		_, err = tx.Exec(ctx, `INSERT INTO role_hierarchy (parent_role_id, child_role_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, parentRoleID, childRoleID)
		return err
	})
}

// collectAncestors walks upward from roleID (roleID's parents, their
// parents, ...) with a visited-set guard so an existing cycle (which
// should never happen, but might from a bug or manual SQL) can't cause
// infinite recursion.
func collectAncestors(ctx context.Context, tx pgx.Tx, roleID uuid.UUID, visited map[uuid.UUID]bool) (map[uuid.UUID]bool, error) {
	if visited[roleID] {
		return visited, nil
	}
	visited[roleID] = true

	rows, err := tx.Query(ctx, `SELECT parent_role_id FROM role_hierarchy WHERE child_role_id = $1`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var parents []uuid.UUID
	for rows.Next() {
		var p uuid.UUID
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		parents = append(parents, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, p := range parents {
		if _, err := collectAncestors(ctx, tx, p, visited); err != nil {
			return nil, err
		}
	}
	return visited, nil
}

// EffectiveRoles returns roleID plus every role it transitively inherits
// from (its ancestors in the hierarchy DAG), cycle-safe.
func (s *Store) EffectiveRoles(ctx context.Context, roleID uuid.UUID) ([]uuid.UUID, error) {
	var out []uuid.UUID
	err := storage.WithoutRLS(ctx, s.pool, func(tx pgx.Tx) error {
		visited, err := collectAncestors(ctx, tx, roleID, map[uuid.UUID]bool{})
		if err != nil {
			return err
		}
		for id := range visited {
			out = append(out, id)
		}
		return nil
	})
	return out, err
}

// AssignRole grants roleID to userID within tenantID. Fires the
// permission-cache invalidation hook the access decider registers.
func (s *Store) AssignRole(ctx context.Context, tenantID, userID, roleID uuid.UUID, onAssigned func()) error {
	err := storage.WithTenantContext(ctx, s.pool, tenantID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO user_roles (user_id, role_id, tenant_id) VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING`, userID, roleID, tenantID)
		return err
	})
	if err != nil {
		return apperr.Wrap(apperr.ReasonDependencyFailed, "failed to assign role", err)
	}
	if onAssigned != nil {
		onAssigned()
	}
	return nil
}

func (s *Store) RemoveRole(ctx context.Context, tenantID, userID, roleID uuid.UUID, onRemoved func()) error {
	err := storage.WithTenantContext(ctx, s.pool, tenantID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2 AND tenant_id = $3`,
			userID, roleID, tenantID)
		return err
	})
	if err != nil {
		return apperr.Wrap(apperr.ReasonDependencyFailed, "failed to remove role", err)
	}
	if onRemoved != nil {
		onRemoved()
	}
	return nil
}

// UserRoleIDs returns the roles directly assigned to userID (not yet
// expanded through the hierarchy — callers combine this with
// EffectiveRoles per assigned role).
func (s *Store) UserRoleIDs(ctx context.Context, tenantID, userID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := storage.WithTenantContext(ctx, s.pool, tenantID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT role_id FROM user_roles WHERE tenant_id = $1 AND user_id = $2`, tenantID, userID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}
