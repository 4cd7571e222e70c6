package rbac

import (
	"context"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:[-_.][a-z0-9]+)*$`)

// CreateUser inserts an active user.
func (s *Service) CreateUser(ctx context.Context, name, email string) (User, error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	if name == "" {
		return User{}, fmt.Errorf("%w: user name required", ErrValidation)
	}
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return User{}, fmt.Errorf("%w: user email invalid", ErrValidation)
	}
	return s.store.CreateUser(ctx, name, email)
}

// GetUser fetches a user by ID.
func (s *Service) GetUser(ctx context.Context, id int64) (User, error) {
	return s.store.GetUser(ctx, id)
}

// SetUserStatus transitions a user. Leaving the active state revokes the
// user's sessions through the configured SessionRevoker.
func (s *Service) SetUserStatus(ctx context.Context, id int64, status Status) (User, error) {
	if !status.Valid() {
		return User{}, fmt.Errorf("%w: unknown status %d", ErrValidation, status)
	}
	user, err := s.store.SetUserStatus(ctx, id, status)
	if err != nil {
		return User{}, err
	}
	if status != StatusActive && s.revoker != nil {
		if err := s.revoker.RevokeUserSessions(ctx, id); err != nil {
			return user, fmt.Errorf("revoke sessions for user %d: %w", id, err)
		}
	}
	return user, nil
}

// UserRoles lists the user's role assignments in assignment order.
func (s *Service) UserRoles(ctx context.Context, userID int64) ([]RoleAssignment, error) {
	return s.store.UserRoles(ctx, userID)
}

// PrimaryRole returns the name of the user's first active role, or
// DefaultRoleName when none is active.
func (s *Service) PrimaryRole(ctx context.Context, userID int64) (string, error) {
	assignments, err := s.store.UserRoles(ctx, userID)
	if err != nil {
		return "", err
	}
	for _, a := range assignments {
		if a.EdgeStatus == StatusActive && a.Role.Status == StatusActive {
			return a.Role.Name, nil
		}
	}
	return DefaultRoleName, nil
}

// SetUserRole assigns, suspends or revokes a role for a user.
func (s *Service) SetUserRole(ctx context.Context, userID, roleID int64, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %d", ErrValidation, status)
	}
	return s.store.SetUserRole(ctx, userID, roleID, status)
}

// ListRoles returns a page of roles.
func (s *Service) ListRoles(ctx context.Context, params ListParams) (Page[Role], error) {
	params, err := normalizeListParams(params, SortName)
	if err != nil {
		return Page[Role]{}, err
	}
	roles, total, err := s.store.ListRoles(ctx, params)
	if err != nil {
		return Page[Role]{}, err
	}
	return NewPage(roles, total, params), nil
}

// GetRole fetches a role by ID.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	return s.store.GetRole(ctx, id)
}

// CreateRole inserts a new role, active unless status says otherwise.
func (s *Service) CreateRole(ctx context.Context, name string, status Status) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name required", ErrValidation)
	}
	if status == 0 {
		status = StatusActive
	}
	if !status.Valid() {
		return Role{}, fmt.Errorf("%w: unknown status %d", ErrValidation, status)
	}
	return s.store.CreateRole(ctx, name, status)
}

// UpdateRole renames a role and, when status is non-zero, transitions it.
func (s *Service) UpdateRole(ctx context.Context, id int64, name string, status Status) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name required", ErrValidation)
	}
	if status != 0 && !status.Valid() {
		return Role{}, fmt.Errorf("%w: unknown status %d", ErrValidation, status)
	}
	return s.store.UpdateRole(ctx, id, name, status)
}

// DeleteRole marks a role deleted. Its edges are kept for audit.
func (s *Service) DeleteRole(ctx context.Context, id int64) error {
	_, err := s.store.SetRoleStatus(ctx, id, StatusDeleted)
	return err
}

// RolePermissions lists every permission edge of a role, including revoked ones.
func (s *Service) RolePermissions(ctx context.Context, roleID int64) ([]PermissionAssignment, error) {
	return s.store.RolePermissions(ctx, roleID)
}

// SetRolePermission grants or revokes a permission for a role.
func (s *Service) SetRolePermission(ctx context.Context, roleID, permissionID int64, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %d", ErrValidation, status)
	}
	return s.store.SetRolePermission(ctx, roleID, permissionID, status)
}

// ListPermissions returns a page of permissions.
func (s *Service) ListPermissions(ctx context.Context, params ListParams) (Page[Permission], error) {
	params, err := normalizeListParams(params, SortSlug)
	if err != nil {
		return Page[Permission]{}, err
	}
	perms, total, err := s.store.ListPermissions(ctx, params)
	if err != nil {
		return Page[Permission]{}, err
	}
	return NewPage(perms, total, params), nil
}

// GetPermission fetches a permission by ID.
func (s *Service) GetPermission(ctx context.Context, id int64) (Permission, error) {
	return s.store.GetPermission(ctx, id)
}

// CreatePermission inserts an active permission.
func (s *Service) CreatePermission(ctx context.Context, slug, description string) (Permission, error) {
	slug = strings.TrimSpace(slug)
	if !slugPattern.MatchString(slug) {
		return Permission{}, fmt.Errorf("%w: permission slug %q must be lowercase kebab-case", ErrValidation, slug)
	}
	return s.store.CreatePermission(ctx, slug, strings.TrimSpace(description))
}

// SetPermissionStatus transitions a permission.
func (s *Service) SetPermissionStatus(ctx context.Context, id int64, status Status) (Permission, error) {
	if !status.Valid() {
		return Permission{}, fmt.Errorf("%w: unknown status %d", ErrValidation, status)
	}
	return s.store.SetPermissionStatus(ctx, id, status)
}

// UserPermissionPage pages the user's effective permission records.
func (s *Service) UserPermissionPage(ctx context.Context, userID int64, params ListParams) (Page[Permission], error) {
	if params.PerPage < 0 || params.PerPage > MaxPerPage || params.Page < 0 {
		return Page[Permission]{}, fmt.Errorf("%w: pagination out of range", ErrValidation)
	}
	perms, err := s.EffectivePermissionRecords(ctx, userID)
	if err != nil {
		return Page[Permission]{}, err
	}
	return Paginate(perms, params), nil
}
