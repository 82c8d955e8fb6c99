// Package access is the Access Decider: it evaluates a principal's
// effective permissions against a requested resource/action/scope,
// applying time restrictions and attribute-based conditions. Grounded on
// the original system's access_control.rs decision algorithm.
package access

import (
	"context"
	"encoding/json"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ironvault/securitycore/internal/apperr"
	"github.com/ironvault/securitycore/internal/audit"
	"github.com/ironvault/securitycore/internal/storage"
)

// ResourceType is the closed set of resources the decider understands.
type ResourceType string

const (
	ResourceCustomer             ResourceType = "customer"
	ResourceCustomerSensitiveData ResourceType = "customer_sensitive_data"
	ResourceFinancialData        ResourceType = "financial_data"
	ResourceAnalyticsData        ResourceType = "analytics_data"
	ResourceSearchData           ResourceType = "search_data"
	ResourceAuditLog             ResourceType = "audit_log"
	ResourceSystemConfiguration  ResourceType = "system_configuration"
	ResourceUserManagement       ResourceType = "user_management"
	ResourceTenantData           ResourceType = "tenant_data"
)

// Action is the closed set of operations a grant can authorize.
type Action string

const (
	ActionCreate            Action = "create"
	ActionRead              Action = "read"
	ActionUpdate            Action = "update"
	ActionDelete            Action = "delete"
	ActionSearch            Action = "search"
	ActionExport            Action = "export"
	ActionImport            Action = "import"
	ActionDecrypt           Action = "decrypt"
	ActionViewSensitive     Action = "view_sensitive"
	ActionModifyPermissions Action = "modify_permissions"
	ActionViewAuditLog      Action = "view_audit_log"
	ActionSystemAdmin       Action = "system_admin"
)

// Scope limits how broadly a grant applies.
type ScopeKind string

const (
	ScopeOwn        ScopeKind = "own"
	ScopeDepartment ScopeKind = "department"
	ScopeTenant     ScopeKind = "tenant"
	ScopeGlobal     ScopeKind = "global"
	ScopeSpecific   ScopeKind = "specific"
)

type Scope struct {
	Kind ScopeKind
	IDs  []uuid.UUID // only meaningful when Kind == ScopeSpecific
}

// TimeRestriction limits a grant to a weekday/hour window in a named
// timezone, e.g. Monday-Friday 08:00-18:00 UTC for a support role.
type TimeRestriction struct {
	Weekdays  []time.Weekday `json:"weekdays"`
	StartHour int            `json:"start_hour"`
	EndHour   int            `json:"end_hour"`
	Timezone  string         `json:"timezone"`
}

func (t TimeRestriction) allows(at time.Time) bool {
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := at.In(loc)

	if len(t.Weekdays) > 0 {
		ok := false
		for _, wd := range t.Weekdays {
			if local.Weekday() == wd {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	hour := local.Hour()
	return hour >= t.StartHour && hour < t.EndHour
}

// ConditionKind is the closed set of attribute-based predicates a grant
// can require.
type ConditionKind string

const (
	ConditionUserAttribute     ConditionKind = "user_attribute"
	ConditionResourceAttribute ConditionKind = "resource_attribute"
	ConditionIPAddressRange    ConditionKind = "ip_address_range"
	ConditionGeographicLocation ConditionKind = "geographic_location"
	ConditionMFARequired       ConditionKind = "mfa_required"
	ConditionTrustedDevice     ConditionKind = "trusted_device"
	ConditionClearanceLevel    ConditionKind = "clearance_level"
)

type Condition struct {
	Kind     ConditionKind `json:"kind"`
	Key      string        `json:"key,omitempty"`   // attribute name for UserAttribute/ResourceAttribute
	Value    string        `json:"value,omitempty"` // for UserAttribute/ResourceAttribute/GeographicLocation
	CIDR     string        `json:"cidr,omitempty"`  // for IPAddressRange
	MinLevel int           `json:"min_level,omitempty"`
}

// Context carries every attribute a Condition might need to evaluate.
type Context struct {
	TenantID        uuid.UUID
	UserID          uuid.UUID
	At              time.Time
	IPAddress       net.IP
	Country         string
	MFAVerified     bool
	TrustedDevice   bool
	ClearanceLevel  int
	UserAttributes  map[string]string
	ResourceAttributes map[string]string
}

// Resource is the thing an action is performed against: its own id (for
// ScopeSpecific), an optional owner (for ScopeOwn), and the free-form
// attribute map ScopeDepartment and resource-attribute conditions read
// from (e.g. "department").
type Resource struct {
	ID         uuid.UUID
	OwnerID    uuid.UUID
	Attributes map[string]string
}

func (c Condition) evaluate(ctx Context) bool {
	switch c.Kind {
	case ConditionUserAttribute:
		return ctx.UserAttributes[c.Key] == c.Value
	case ConditionResourceAttribute:
		return ctx.ResourceAttributes[c.Key] == c.Value
	case ConditionIPAddressRange:
		_, network, err := net.ParseCIDR(c.CIDR)
		if err != nil || ctx.IPAddress == nil {
			return false
		}
		return network.Contains(ctx.IPAddress)
	case ConditionGeographicLocation:
		return ctx.Country == c.Value
	case ConditionMFARequired:
		return ctx.MFAVerified
	case ConditionTrustedDevice:
		return ctx.TrustedDevice
	case ConditionClearanceLevel:
		return ctx.ClearanceLevel >= c.MinLevel
	default:
		return false
	}
}

// Grant is one role_permissions row: role R may perform Action on
// ResourceType within Scope, subject to TimeRestriction and Conditions,
// and (if AllowedFields is non-empty) limited to those fields.
type Grant struct {
	ID              uuid.UUID
	RoleID          uuid.UUID
	ResourceType    ResourceType
	Action          Action
	Scope           Scope
	AllowedFields   []string
	TimeRestriction *TimeRestriction
	Conditions      []Condition
}

// Decision is the outcome of one access check.
type Decision struct {
	Allowed       bool
	Reason        string
	AllowedFields []string // union across matching grants; empty means "all fields"
}

// RoleExpander resolves a role to itself plus every role it inherits
// from. Implemented by internal/principal.Store.EffectiveRoles.
type RoleExpander interface {
	EffectiveRoles(ctx context.Context, roleID uuid.UUID) ([]uuid.UUID, error)
}

// Decider is the Access Decider component.
type Decider struct {
	pool    *pgxpool.Pool
	roles   RoleExpander
	audit   audit.Sink

	mu    sync.RWMutex
	cache map[string][]Grant // keyed by roleID string, invalidated on mutation
}

func NewDecider(pool *pgxpool.Pool, roles RoleExpander, auditSink audit.Sink) *Decider {
	return &Decider{
		pool:  pool,
		roles: roles,
		audit: auditSink,
		cache: make(map[string][]Grant),
	}
}

// InvalidateRole evicts the cached grant set for a role. Called whenever
// a grant is created/removed for that role, or the hierarchy changes.
func (d *Decider) InvalidateRole(roleID uuid.UUID) {
	d.mu.Lock()
	delete(d.cache, roleID.String())
	d.mu.Unlock()
}

func (d *Decider) grantsForRole(ctx context.Context, roleID uuid.UUID) ([]Grant, error) {
	key := roleID.String()

	d.mu.RLock()
	if g, ok := d.cache[key]; ok {
		d.mu.RUnlock()
		return g, nil
	}
	d.mu.RUnlock()

	grants, err := loadGrants(ctx, d.pool, roleID)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.cache[key] = grants
	d.mu.Unlock()

	return grants, nil
}

func loadGrants(ctx context.Context, pool *pgxpool.Pool, roleID uuid.UUID) ([]Grant, error) {
	var grants []Grant
	err := storage.WithoutRLS(ctx, pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, role_id, resource_type, action, scope, scope_ids, allowed_fields, time_restriction, conditions
			FROM role_permissions WHERE role_id = $1`, roleID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var g Grant
			var scopeKind string
			var scopeIDs []uuid.UUID
			var allowedFields []string
			var timeRestrictionRaw, conditionsRaw []byte
			if err := rows.Scan(&g.ID, &g.RoleID, &g.ResourceType, &g.Action, &scopeKind, &scopeIDs, &allowedFields,
				&timeRestrictionRaw, &conditionsRaw); err != nil {
				return err
			}
			g.Scope = Scope{Kind: ScopeKind(scopeKind), IDs: scopeIDs}
			g.AllowedFields = allowedFields
			if len(timeRestrictionRaw) > 0 {
				var tr TimeRestriction
				if err := json.Unmarshal(timeRestrictionRaw, &tr); err != nil {
					return err
				}
				g.TimeRestriction = &tr
			}
			if len(conditionsRaw) > 0 {
				if err := json.Unmarshal(conditionsRaw, &g.Conditions); err != nil {
					return err
				}
			}
			grants = append(grants, g)
		}
		return rows.Err()
	})
	return grants, err
}

// collectPermissions returns the union of grants across roleID and every
// role it inherits from, using the cycle-safe expansion RoleExpander
// provides.
func (d *Decider) collectPermissions(ctx context.Context, roleID uuid.UUID) ([]Grant, error) {
	roleIDs, err := d.roles.EffectiveRoles(ctx, roleID)
	if err != nil {
		return nil, err
	}
	roleIDs = append(roleIDs, roleID)

	var all []Grant
	for _, rid := range roleIDs {
		grants, err := d.grantsForRole(ctx, rid)
		if err != nil {
			return nil, err
		}
		all = append(all, grants...)
	}
	return all, nil
}

// PermissionsForRoles returns the sorted, deduplicated "resource_type:action"
// strings granted across every role in roleIDs (each already expanded
// through the hierarchy via collectPermissions), for embedding in an
// access token's permissions claim per SPEC_FULL.md's HS256 claim set.
func (d *Decider) PermissionsForRoles(ctx context.Context, roleIDs []uuid.UUID) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, roleID := range roleIDs {
		grants, err := d.collectPermissions(ctx, roleID)
		if err != nil {
			return nil, err
		}
		for _, g := range grants {
			key := string(g.ResourceType) + ":" + string(g.Action)
			if !seen[key] {
				seen[key] = true
				out = append(out, key)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// Decide evaluates whether roleID may perform action on resourceType
// targeting resourceID, under ctx. Matching: resource+action, then
// scope, then time window, then conditions. Fields allowed are the
// union across every matching grant; an unrestricted grant (no
// AllowedFields) wins over a field-restricted one for the same action.
func (d *Decider) Decide(ctx context.Context, actx Context, roleID uuid.UUID, resourceType ResourceType, action Action, resource Resource) Decision {
	grants, err := d.collectPermissions(ctx, roleID)
	if err != nil {
		d.recordDecision(ctx, actx, resourceType, action, false, "failed to load permissions")
		return Decision{Allowed: false, Reason: "failed to load permissions"}
	}

	var matched []Grant
	unrestrictedWins := false

	for _, g := range grants {
		if g.ResourceType != resourceType || g.Action != action {
			continue
		}
		if !scopeMatches(g.Scope, actx, resource) {
			continue
		}
		if g.TimeRestriction != nil && !g.TimeRestriction.allows(actx.At) {
			continue
		}
		if !conditionsSatisfied(g.Conditions, actx) {
			continue
		}
		matched = append(matched, g)
		if len(g.AllowedFields) == 0 {
			unrestrictedWins = true
		}
	}

	if len(matched) == 0 {
		d.recordDecision(ctx, actx, resourceType, action, false, "no matching grant")
		return Decision{Allowed: false, Reason: "no matching grant"}
	}

	decision := Decision{Allowed: true}
	if !unrestrictedWins {
		decision.AllowedFields = unionFields(matched)
	}

	d.recordDecision(ctx, actx, resourceType, action, true, "")
	return decision
}

// scopeMatches implements spec.md §4.6's scope rule: Own requires the
// acting user to be the resource's owner, Department requires a shared
// "department" attribute between actor and resource, Tenant and Global
// are unconditional (the tenant boundary itself is enforced by RLS
// before a grant is ever loaded), and Specific matches by resource id.
func scopeMatches(s Scope, actx Context, resource Resource) bool {
	switch s.Kind {
	case ScopeGlobal, ScopeTenant:
		return true
	case ScopeOwn:
		return resource.OwnerID != uuid.Nil && resource.OwnerID == actx.UserID
	case ScopeDepartment:
		dept := actx.UserAttributes["department"]
		return dept != "" && dept == resource.Attributes["department"]
	case ScopeSpecific:
		for _, id := range s.IDs {
			if id == resource.ID {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func conditionsSatisfied(conditions []Condition, actx Context) bool {
	for _, c := range conditions {
		if !c.evaluate(actx) {
			return false
		}
	}
	return true
}

func unionFields(grants []Grant) []string {
	seen := map[string]bool{}
	var out []string
	for _, g := range grants {
		for _, f := range g.AllowedFields {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	return out
}

func (d *Decider) recordDecision(ctx context.Context, actx Context, resourceType ResourceType, action Action, allowed bool, reason string) {
	if d.audit == nil {
		return
	}
	evType := audit.EventAccessDenied
	if allowed {
		evType = audit.EventAccessGranted
	}
	d.audit.Record(ctx, audit.Event{
		Type:     evType,
		TenantID: actx.TenantID,
		ActorID:  actx.UserID,
		Metadata: map[string]any{
			"resource_type": string(resourceType),
			"action":        string(action),
			"reason":        reason,
		},
	})
}

// GrantPermission inserts a new role_permissions row and invalidates the
// cache for that role.
func (d *Decider) GrantPermission(ctx context.Context, g Grant) (Grant, error) {
	var timeRestrictionRaw []byte
	if g.TimeRestriction != nil {
		encoded, err := json.Marshal(g.TimeRestriction)
		if err != nil {
			return Grant{}, apperr.Wrap(apperr.ReasonValidationFailed, "failed to encode time restriction", err)
		}
		timeRestrictionRaw = encoded
	}
	conditionsRaw, err := json.Marshal(g.Conditions)
	if err != nil {
		return Grant{}, apperr.Wrap(apperr.ReasonValidationFailed, "failed to encode conditions", err)
	}

	var out Grant
	var scopeKind string
	var scopeIDs []uuid.UUID
	var outTimeRestrictionRaw, outConditionsRaw []byte
	err = storage.WithoutRLS(ctx, d.pool, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO role_permissions (role_id, resource_type, action, scope, scope_ids, allowed_fields, time_restriction, conditions)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id, role_id, resource_type, action, scope, scope_ids, allowed_fields, time_restriction, conditions`,
			g.RoleID, g.ResourceType, g.Action, string(g.Scope.Kind), g.Scope.IDs, g.AllowedFields, timeRestrictionRaw, conditionsRaw,
		).Scan(&out.ID, &out.RoleID, &out.ResourceType, &out.Action, &scopeKind, &scopeIDs, &out.AllowedFields,
			&outTimeRestrictionRaw, &outConditionsRaw)
	})
	if err != nil {
		return Grant{}, apperr.Wrap(apperr.ReasonDependencyFailed, "failed to grant permission", err)
	}
	out.Scope = Scope{Kind: ScopeKind(scopeKind), IDs: scopeIDs}
	if len(outTimeRestrictionRaw) > 0 {
		var tr TimeRestriction
		if err := json.Unmarshal(outTimeRestrictionRaw, &tr); err == nil {
			out.TimeRestriction = &tr
		}
	}
	if len(outConditionsRaw) > 0 {
		_ = json.Unmarshal(outConditionsRaw, &out.Conditions)
	}
	d.InvalidateRole(g.RoleID)
	return out, nil
}

func (d *Decider) RevokePermission(ctx context.Context, grantID, roleID uuid.UUID) error {
	err := storage.WithoutRLS(ctx, d.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE id = $1`, grantID)
		return err
	})
	if err != nil {
		return apperr.Wrap(apperr.ReasonDependencyFailed, "failed to revoke permission", err)
	}
	d.InvalidateRole(roleID)
	return nil
}
