package shared

// Core platform permissions.
const (
	PermRolesList   = "list-roles"
	PermRolesAdd    = "add-role"
	PermRolesView   = "view-role"
	PermRolesEdit   = "edit-role"
	PermRolesDelete = "delete-role"

	PermPermissionsList   = "list-permissions"
	PermPermissionsAdd    = "add-permission"
	PermPermissionsEdit   = "edit-permission"
	PermPermissionsDelete = "delete-permission"
	PermPermissionsView   = "view-permission"
	PermPermissionsAssign = "update-permission"

	PermAdminDashboard    = "admin-dashboard-access"
	PermCustomerDashboard = "customer-dashboard-access"

	PermUsersEdit = "edit-user"
)

// Scope is a permission slug with its seed description.
type Scope struct {
	Slug        string
	Description string
}

// CoreScopes lists all permissions related to the core platform.
func CoreScopes() []Scope {
	return []Scope{
		{PermRolesList, "List all roles"},
		{PermRolesAdd, "Add a new role"},
		{PermRolesView, "View role details"},
		{PermRolesEdit, "Edit an existing role"},
		{PermRolesDelete, "Delete a role"},
		{PermPermissionsList, "List all permissions"},
		{PermPermissionsAdd, "Add a new permission"},
		{PermPermissionsEdit, "Edit an existing permission"},
		{PermPermissionsDelete, "Delete a permission"},
		{PermPermissionsView, "View permission details"},
		{PermPermissionsAssign, "Assign or revoke permission to role"},
		{PermAdminDashboard, "Access to admin dashboard"},
		{PermCustomerDashboard, "Access to customer dashboard"},
		{PermUsersEdit, "Change user status and role assignments"},
	}
}

// RoleGrants lists the seed grants per role name.
func RoleGrants() map[string][]string {
	all := make([]string, 0, len(CoreScopes()))
	for _, s := range CoreScopes() {
		all = append(all, s.Slug)
	}
	return map[string][]string{
		"admin":    all,
		"agent":    {PermRolesList, PermRolesView, PermPermissionsList, PermPermissionsView, PermAdminDashboard},
		"customer": {PermCustomerDashboard},
	}
}
