package rbac

import "context"

// GraphReader answers reachability questions over the User→Role→Permission graph.
type GraphReader interface {
	// EffectivePermissions returns every active permission reachable from the user
	// through active edges. ErrNotFound when the user does not exist.
	EffectivePermissions(ctx context.Context, userID int64) ([]Permission, error)
	// HasPermission is the direct existence form of EffectivePermissions.
	HasPermission(ctx context.Context, userID int64, slug string) (bool, error)
}

// Store is the persistence port used by Service.
type Store interface {
	GraphReader

	CreateUser(ctx context.Context, name, email string) (User, error)
	GetUser(ctx context.Context, id int64) (User, error)
	SetUserStatus(ctx context.Context, id int64, status Status) (User, error)
	UserRoles(ctx context.Context, userID int64) ([]RoleAssignment, error)

	CreateRole(ctx context.Context, name string, status Status) (Role, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	UpdateRole(ctx context.Context, id int64, name string, status Status) (Role, error)
	SetRoleStatus(ctx context.Context, id int64, status Status) (Role, error)
	ListRoles(ctx context.Context, params ListParams) ([]Role, int, error)
	RolePermissions(ctx context.Context, roleID int64) ([]PermissionAssignment, error)

	CreatePermission(ctx context.Context, slug, description string) (Permission, error)
	GetPermission(ctx context.Context, id int64) (Permission, error)
	SetPermissionStatus(ctx context.Context, id int64, status Status) (Permission, error)
	ListPermissions(ctx context.Context, params ListParams) ([]Permission, int, error)

	// SetUserRole upserts the User–Role edge. ErrNotFound when either endpoint is missing.
	SetUserRole(ctx context.Context, userID, roleID int64, status Status) error
	// SetRolePermission upserts the Role–Permission edge. ErrNotFound when either endpoint is missing.
	SetRolePermission(ctx context.Context, roleID, permissionID int64, status Status) error
}

// SessionRevoker schedules invalidation of a user's sessions.
type SessionRevoker interface {
	RevokeUserSessions(ctx context.Context, userID int64) error
}
