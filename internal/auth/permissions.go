package auth

import "strings"

// Role is one of the fixed dashboard roles.
type Role string

const (
	RoleOperator    Role = "OPERATOR"
	RoleAdmin       Role = "ADMIN"
	RoleSuperuser   Role = "SUPERUSER"
	RoleServiceTech Role = "SERWISANT"
)

// Permission is a named capability.
type Permission string

const (
	PermViewDashboard     Permission = "view_dashboard"
	PermViewSensors       Permission = "view_sensors"
	PermAcknowledgeAlerts Permission = "acknowledge_alerts"
	PermManageUsers       Permission = "manage_users"
	PermConfigureSystem   Permission = "configure_system"
	PermViewDiagnostics   Permission = "view_diagnostics"
	PermCalibrateSensors  Permission = "calibrate_sensors"
	PermAccessServiceMenu Permission = "access_service_menu"
	PermViewAuditLogs     Permission = "view_audit_logs"

	// PermAll satisfies every permission check.
	PermAll Permission = "*"
)

var rolePermissions = map[Role]PermissionSet{
	RoleOperator: {
		PermViewDashboard, PermViewSensors, PermAcknowledgeAlerts,
	},
	RoleAdmin: {
		PermViewDashboard, PermViewSensors, PermAcknowledgeAlerts, PermManageUsers, PermConfigureSystem,
	},
	RoleServiceTech: {
		PermViewDashboard, PermViewSensors, PermViewDiagnostics, PermCalibrateSensors, PermAccessServiceMenu, PermViewAuditLogs,
	},
	RoleSuperuser: {PermAll},
}

// Roles lists every known role.
func Roles() []Role {
	return []Role{RoleOperator, RoleAdmin, RoleSuperuser, RoleServiceTech}
}

// ParseRole resolves a role name case-insensitively.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := rolePermissions[r]; !ok {
		return "", false
	}
	return r, true
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := rolePermissions[r]
	return ok
}

// PermissionsForRole returns a copy of the role's permissions in table order.
// Unknown roles get an empty set.
func PermissionsForRole(r Role) PermissionSet {
	perms := rolePermissions[r]
	out := make(PermissionSet, len(perms))
	copy(out, perms)
	return out
}

// PermissionSet is an ordered set of permissions.
type PermissionSet []Permission

// Has reports whether p is granted, directly or through the wildcard.
func (s PermissionSet) Has(p Permission) bool {
	for _, have := range s {
		if have == PermAll || have == p {
			return true
		}
	}
	return false
}

// Covers reports whether every permission of other is granted by s.
func (s PermissionSet) Covers(other PermissionSet) bool {
	for _, p := range other {
		if !s.Has(p) {
			return false
		}
	}
	return true
}

// Strings returns the permission names.
func (s PermissionSet) Strings() []string {
	out := make([]string, len(s))
	for i, p := range s {
		out[i] = string(p)
	}
	return out
}

// Clone returns an independent copy.
func (s PermissionSet) Clone() PermissionSet {
	if s == nil {
		return nil
	}
	out := make(PermissionSet, len(s))
	copy(out, s)
	return out
}
