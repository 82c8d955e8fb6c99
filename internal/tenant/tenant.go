// Package tenant implements the tenant registry: creation, suspension,
// and the namespace derivation every other component relies on for row
// level security. Generalized from the teacher's ad hoc
// app.current_tenant convention into a first-class component.
package tenant

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ironvault/securitycore/internal/apperr"
	"github.com/ironvault/securitycore/internal/storage"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

type Tenant struct {
	ID        uuid.UUID
	Name      string
	Namespace string
	Status    Status
}

// Registry is the Tenant Registry component. Every method runs outside
// RLS, since by definition the registry itself is what RLS checks
// against.
type Registry struct {
	pool *pgxpool.Pool
}

func NewRegistry(pool *pgxpool.Pool) *Registry {
	return &Registry{pool: pool}
}

// Create provisions a new tenant. The namespace is always derived from
// the generated id, never accepted from the caller — an externally
// supplied namespace could otherwise be crafted to collide with another
// tenant's derived value.
func (r *Registry) Create(ctx context.Context, name string) (Tenant, error) {
	id := uuid.New()
	namespace := deriveNamespace(id)

	var t Tenant
	err := storage.WithoutRLS(ctx, r.pool, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO tenants (id, name, namespace, status)
			VALUES ($1, $2, $3, $4)
			RETURNING id, name, namespace, status`,
			id, name, namespace, StatusActive,
		).Scan(&t.ID, &t.Name, &t.Namespace, &t.Status)
	})
	if err != nil {
		return Tenant{}, apperr.Wrap(apperr.ReasonDependencyFailed, "failed to create tenant", err)
	}
	return t, nil
}

func deriveNamespace(id uuid.UUID) string {
	return fmt.Sprintf("tenant_%s", id.String())
}

// Get loads a tenant by id.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (Tenant, error) {
	var t Tenant
	err := storage.WithoutRLS(ctx, r.pool, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			SELECT id, name, namespace, status FROM tenants WHERE id = $1`, id,
		).Scan(&t.ID, &t.Name, &t.Namespace, &t.Status)
	})
	if err != nil {
		if err == pgx.ErrNoRows {
			return Tenant{}, apperr.NotFound
		}
		return Tenant{}, apperr.Wrap(apperr.ReasonDependencyFailed, "failed to load tenant", err)
	}
	return t, nil
}

// Suspend flips a tenant's status. Every other component must check
// this before honoring a request scoped to the tenant.
func (r *Registry) Suspend(ctx context.Context, id uuid.UUID) error {
	return r.setStatus(ctx, id, StatusSuspended)
}

func (r *Registry) Reactivate(ctx context.Context, id uuid.UUID) error {
	return r.setStatus(ctx, id, StatusActive)
}

func (r *Registry) setStatus(ctx context.Context, id uuid.UUID, status Status) error {
	err := storage.WithoutRLS(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE tenants SET status = $1 WHERE id = $2`, status, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return apperr.NotFound
		}
		return nil
	})
	if err != nil {
		if apperr.Of(err, apperr.ReasonNotFound) {
			return err
		}
		return apperr.Wrap(apperr.ReasonDependencyFailed, "failed to update tenant status", err)
	}
	return nil
}

// IsActive is a fast precondition check every tenant-scoped operation
// should call before doing any other work.
func (r *Registry) IsActive(ctx context.Context, id uuid.UUID) (bool, error) {
	t, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return t.Status == StatusActive, nil
}
