package access

import "time"

// SystemRoleSeed describes one of the built-in roles provisioned at
// migration time, ported from the original access-control module's
// create_system_roles seed data.
type SystemRoleSeed struct {
	Name    string
	Grants  []Grant
}

// SystemRoleSeeds returns the four built-in roles. RoleID fields are
// left zero — the migration/bootstrap step that inserts the roles first
// fills them in before inserting the grants.
func SystemRoleSeeds() []SystemRoleSeed {
	supportWindow := &TimeRestriction{
		Weekdays:  []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		StartHour: 8,
		EndHour:   18,
		Timezone:  "UTC",
	}

	return []SystemRoleSeed{
		{
			Name: "Super Administrator",
			Grants: []Grant{
				{ResourceType: ResourceSystemConfiguration, Action: ActionSystemAdmin, Scope: Scope{Kind: ScopeGlobal}},
			},
		},
		{
			Name: "Tenant Administrator",
			Grants: []Grant{
				{ResourceType: ResourceCustomer, Action: ActionCreate, Scope: Scope{Kind: ScopeTenant}},
				{ResourceType: ResourceCustomer, Action: ActionRead, Scope: Scope{Kind: ScopeTenant}},
				{ResourceType: ResourceCustomer, Action: ActionUpdate, Scope: Scope{Kind: ScopeTenant}},
				{ResourceType: ResourceCustomer, Action: ActionDelete, Scope: Scope{Kind: ScopeTenant}},
				{ResourceType: ResourceUserManagement, Action: ActionModifyPermissions, Scope: Scope{Kind: ScopeTenant}},
			},
		},
		{
			Name: "Customer Service Representative",
			Grants: []Grant{
				{
					ResourceType:    ResourceCustomer,
					Action:          ActionRead,
					Scope:           Scope{Kind: ScopeTenant},
					AllowedFields:   []string{"name", "email", "phone", "status"},
					TimeRestriction: supportWindow,
				},
				{
					ResourceType:    ResourceCustomer,
					Action:          ActionUpdate,
					Scope:           Scope{Kind: ScopeTenant},
					AllowedFields:   []string{"phone", "status"},
					TimeRestriction: supportWindow,
				},
			},
		},
		{
			Name: "Data Analyst",
			Grants: []Grant{
				{
					ResourceType:  ResourceAnalyticsData,
					Action:        ActionRead,
					Scope:         Scope{Kind: ScopeTenant},
					AllowedFields: []string{"aggregate_metrics", "trends"},
				},
				{
					ResourceType:  ResourceCustomer,
					Action:        ActionRead,
					Scope:         Scope{Kind: ScopeTenant},
					AllowedFields: []string{"segment", "created_at"},
				},
			},
		},
	}
}
