package auth

// Principal is an authenticated user acting under one role.
type Principal struct {
	Username    string
	Role        Role
	Permissions PermissionSet
}

// NewPrincipal resolves the role's permissions for username.
func NewPrincipal(username string, role Role) Principal {
	return Principal{Username: username, Role: role, Permissions: PermissionsForRole(role)}
}

// HasPermission reports whether the principal can perform p.
func (p Principal) HasPermission(perm Permission) bool {
	return p.Permissions.Has(perm)
}
