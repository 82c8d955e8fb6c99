package access

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ironvault/securitycore/internal/storage"
)

func TestTimeRestrictionAllows(t *testing.T) {
	tr := TimeRestriction{
		Weekdays:  []time.Weekday{time.Monday},
		StartHour: 9,
		EndHour:   17,
		Timezone:  "UTC",
	}

	monday9am := time.Date(2026, time.August, 3, 9, 30, 0, 0, time.UTC)
	require.True(t, tr.allows(monday9am))

	monday6am := time.Date(2026, time.August, 3, 6, 0, 0, 0, time.UTC)
	require.False(t, tr.allows(monday6am))

	tuesday := time.Date(2026, time.August, 4, 10, 0, 0, 0, time.UTC)
	require.False(t, tr.allows(tuesday))
}

func TestConditionEvaluateMFARequired(t *testing.T) {
	c := Condition{Kind: ConditionMFARequired}
	require.True(t, c.evaluate(Context{MFAVerified: true}))
	require.False(t, c.evaluate(Context{MFAVerified: false}))
}

func TestConditionEvaluateIPRange(t *testing.T) {
	c := Condition{Kind: ConditionIPAddressRange, CIDR: "10.0.0.0/8"}
	require.True(t, c.evaluate(Context{IPAddress: mustParseIP("10.1.2.3")}))
	require.False(t, c.evaluate(Context{IPAddress: mustParseIP("192.168.1.1")}))
}

func TestConditionEvaluateClearanceLevel(t *testing.T) {
	c := Condition{Kind: ConditionClearanceLevel, MinLevel: 3}
	require.True(t, c.evaluate(Context{ClearanceLevel: 3}))
	require.False(t, c.evaluate(Context{ClearanceLevel: 2}))
}

func TestScopeMatchesSpecific(t *testing.T) {
	id := uuid.New()
	s := Scope{Kind: ScopeSpecific, IDs: []uuid.UUID{id}}
	require.True(t, scopeMatches(s, Context{}, Resource{ID: id}))
	require.False(t, scopeMatches(s, Context{}, Resource{ID: uuid.New()}))
}

func TestScopeMatchesOwn(t *testing.T) {
	userID := uuid.New()
	s := Scope{Kind: ScopeOwn}

	require.True(t, scopeMatches(s, Context{UserID: userID}, Resource{OwnerID: userID}))
	require.False(t, scopeMatches(s, Context{UserID: userID}, Resource{OwnerID: uuid.New()}))
	require.False(t, scopeMatches(s, Context{UserID: userID}, Resource{}))
}

func TestScopeMatchesDepartment(t *testing.T) {
	s := Scope{Kind: ScopeDepartment}

	actx := Context{UserAttributes: map[string]string{"department": "support"}}
	require.True(t, scopeMatches(s, actx, Resource{Attributes: map[string]string{"department": "support"}}))
	require.False(t, scopeMatches(s, actx, Resource{Attributes: map[string]string{"department": "sales"}}))
	require.False(t, scopeMatches(s, Context{}, Resource{Attributes: map[string]string{"department": "support"}}))
}

func TestUnionFieldsDedups(t *testing.T) {
	grants := []Grant{
		{AllowedFields: []string{"a", "b"}},
		{AllowedFields: []string{"b", "c"}},
	}
	fields := unionFields(grants)
	require.ElementsMatch(t, []string{"a", "b", "c"}, fields)
}

type fakeRoleExpander struct {
	effective map[uuid.UUID][]uuid.UUID
}

func (f fakeRoleExpander) EffectiveRoles(ctx context.Context, roleID uuid.UUID) ([]uuid.UUID, error) {
	return f.effective[roleID], nil
}

func TestDeciderCachesGrants(t *testing.T) {
	d := &Decider{
		roles: fakeRoleExpander{},
		cache: make(map[string][]Grant),
	}
	roleID := uuid.New()
	d.cache[roleID.String()] = []Grant{{ResourceType: ResourceCustomer, Action: ActionRead, Scope: Scope{Kind: ScopeGlobal}}}

	grants, err := d.grantsForRole(context.Background(), roleID)
	require.NoError(t, err)
	require.Len(t, grants, 1)
}

func mustParseIP(s string) net.IP {
	return net.ParseIP(s)
}

// TestSystemRoleSeedsEncodeLikeTheMigration guards against drift between
// SystemRoleSeeds (the Go-side catalogue used to document and test the
// built-in roles) and the JSONB literals the SQL migration seeds
// role_permissions.time_restriction/conditions with — both must decode
// to the same TimeRestriction shape.
func TestSystemRoleSeedsEncodeLikeTheMigration(t *testing.T) {
	seeds := SystemRoleSeeds()
	require.Len(t, seeds, 4)

	var support *SystemRoleSeed
	for i := range seeds {
		if seeds[i].Name == "Customer Service Representative" {
			support = &seeds[i]
		}
	}
	require.NotNil(t, support)
	require.NotEmpty(t, support.Grants)

	encoded, err := json.Marshal(support.Grants[0].TimeRestriction)
	require.NoError(t, err)

	const migrationLiteral = `{"weekdays":[1,2,3,4,5],"start_hour":8,"end_hour":18,"timezone":"UTC"}`
	migration, err := storage.Migrations.ReadFile("migrations/000002_seed_system_roles.up.sql")
	require.NoError(t, err)
	require.Contains(t, string(migration), migrationLiteral)

	var decoded TimeRestriction
	require.NoError(t, json.Unmarshal([]byte(migrationLiteral), &decoded))

	var fromSeed TimeRestriction
	require.NoError(t, json.Unmarshal(encoded, &fromSeed))
	require.Equal(t, decoded, fromSeed)
}
