package rbac

import (
	"context"
	"fmt"
	"sort"

	"github.com/odyssey-erp/gatekeeper/internal/shared"
)

// SeedUser is a user created by Seed together with its single role.
type SeedUser struct {
	Name  string
	Email string
	Role  string
}

// DefaultSeedUsers returns one user per seeded role.
func DefaultSeedUsers() []SeedUser {
	return []SeedUser{
		{Name: "Admin", Email: "admin@example.com", Role: "admin"},
		{Name: "Agent", Email: "agent@example.com", Role: "agent"},
		{Name: "Customer", Email: "customer@example.com", Role: "customer"},
	}
}

// Seed writes the core permissions, the role grants and the given users into
// an empty store. Users are returned keyed by email.
func Seed(ctx context.Context, store Store, users []SeedUser) (map[string]User, error) {
	perms := make(map[string]int64, len(shared.CoreScopes()))
	for _, scope := range shared.CoreScopes() {
		perm, err := store.CreatePermission(ctx, scope.Slug, scope.Description)
		if err != nil {
			return nil, fmt.Errorf("seed permission %s: %w", scope.Slug, err)
		}
		perms[scope.Slug] = perm.ID
	}

	grants := shared.RoleGrants()
	names := make([]string, 0, len(grants))
	for name := range grants {
		names = append(names, name)
	}
	sort.Strings(names)

	roles := make(map[string]int64, len(names))
	for _, name := range names {
		role, err := store.CreateRole(ctx, name, StatusActive)
		if err != nil {
			return nil, fmt.Errorf("seed role %s: %w", name, err)
		}
		roles[name] = role.ID
		for _, slug := range grants[name] {
			if err := store.SetRolePermission(ctx, role.ID, perms[slug], StatusActive); err != nil {
				return nil, fmt.Errorf("grant %s to %s: %w", slug, name, err)
			}
		}
	}

	created := make(map[string]User, len(users))
	for _, u := range users {
		roleID, ok := roles[u.Role]
		if !ok {
			return nil, fmt.Errorf("%w: unknown seed role %q", ErrValidation, u.Role)
		}
		user, err := store.CreateUser(ctx, u.Name, u.Email)
		if err != nil {
			return nil, fmt.Errorf("seed user %s: %w", u.Email, err)
		}
		if err := store.SetUserRole(ctx, user.ID, roleID, StatusActive); err != nil {
			return nil, fmt.Errorf("assign %s to %s: %w", u.Role, u.Email, err)
		}
		created[u.Email] = user
	}
	return created, nil
}
