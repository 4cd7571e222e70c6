package rbac

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// MOCK STORE
// ============================================================================

type edgeKey struct{ left, right int64 }

type edgeRow struct {
	status    Status
	createdAt time.Time
}

type mockStore struct {
	mu          sync.Mutex
	nextID      int64
	users       map[int64]User
	roles       map[int64]Role
	perms       map[int64]Permission
	userRoles   map[edgeKey]edgeRow
	rolePerms   map[edgeKey]edgeRow
	clock       time.Time
	failWith    error
	effCalls    int
	effRelease  chan struct{}
	hasCalls    int
	renameCalls int
	lastListArg ListParams
}

func newMockStore() *mockStore {
	return &mockStore{
		users:     map[int64]User{},
		roles:     map[int64]Role{},
		perms:     map[int64]Permission{},
		userRoles: map[edgeKey]edgeRow{},
		rolePerms: map[edgeKey]edgeRow{},
		clock:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (m *mockStore) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *mockStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *mockStore) EffectivePermissions(ctx context.Context, userID int64) ([]Permission, error) {
	m.mu.Lock()
	m.effCalls++
	release := m.effRelease
	m.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	user, ok := m.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	out := []Permission{}
	if user.Status != StatusActive {
		return out, nil
	}
	for ur, urRow := range m.userRoles {
		if ur.left != userID || urRow.status != StatusActive || m.roles[ur.right].Status != StatusActive {
			continue
		}
		for rp, rpRow := range m.rolePerms {
			if rp.left != ur.right || rpRow.status != StatusActive {
				continue
			}
			if p := m.perms[rp.right]; p.Status == StatusActive {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

func (m *mockStore) HasPermission(ctx context.Context, userID int64, slug string) (bool, error) {
	m.mu.Lock()
	m.hasCalls++
	m.mu.Unlock()
	perms, err := m.EffectivePermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p.Slug == slug {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockStore) CreateUser(ctx context.Context, name, email string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return User{}, fmt.Errorf("email taken: %w", ErrValidation)
		}
	}
	now := m.tick()
	u := User{ID: m.id(), Name: name, Email: email, Status: StatusActive, CreatedAt: now, UpdatedAt: now}
	m.users[u.ID] = u
	return u, nil
}

func (m *mockStore) GetUser(ctx context.Context, id int64) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return User{}, m.failWith
	}
	u, ok := m.users[id]
	if !ok {
		return User{}, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	return u, nil
}

func (m *mockStore) SetUserStatus(ctx context.Context, id int64, status Status) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	if !u.Status.CanTransition(status) {
		return User{}, fmt.Errorf("user %d: %w", id, ErrValidation)
	}
	u.Status, u.UpdatedAt = status, m.tick()
	m.users[id] = u
	return u, nil
}

func (m *mockStore) UserRoles(ctx context.Context, userID int64) ([]RoleAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return nil, fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	out := []RoleAssignment{}
	for k, row := range m.userRoles {
		if k.left == userID {
			out = append(out, RoleAssignment{Role: m.roles[k.right], EdgeStatus: row.status, AssignedAt: row.createdAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssignedAt.Before(out[j].AssignedAt) })
	return out, nil
}

func (m *mockStore) CreateRole(ctx context.Context, name string, status Status) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.roles {
		if r.Name == name {
			return Role{}, fmt.Errorf("role name taken: %w", ErrValidation)
		}
	}
	now := m.tick()
	r := Role{ID: m.id(), Name: name, Status: status, CreatedAt: now, UpdatedAt: now}
	m.roles[r.ID] = r
	return r, nil
}

func (m *mockStore) GetRole(ctx context.Context, id int64) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[id]
	if !ok {
		return Role{}, fmt.Errorf("role %d: %w", id, ErrNotFound)
	}
	return r, nil
}

func (m *mockStore) UpdateRole(ctx context.Context, id int64, name string, status Status) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renameCalls++
	r, ok := m.roles[id]
	if !ok {
		return Role{}, fmt.Errorf("role %d: %w", id, ErrNotFound)
	}
	if status != 0 {
		if !r.Status.CanTransition(status) {
			return Role{}, fmt.Errorf("role %d: %w", id, ErrValidation)
		}
		r.Status = status
	}
	r.Name, r.UpdatedAt = name, m.tick()
	m.roles[id] = r
	return r, nil
}

func (m *mockStore) SetRoleStatus(ctx context.Context, id int64, status Status) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[id]
	if !ok {
		return Role{}, fmt.Errorf("role %d: %w", id, ErrNotFound)
	}
	if !r.Status.CanTransition(status) {
		return Role{}, fmt.Errorf("role %d: %w", id, ErrValidation)
	}
	r.Status, r.UpdatedAt = status, m.tick()
	m.roles[id] = r
	return r, nil
}

func (m *mockStore) ListRoles(ctx context.Context, params ListParams) ([]Role, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastListArg = params
	var all []Role
	for _, r := range m.roles {
		if params.Status != nil && r.Status != *params.Status {
			continue
		}
		if params.Status == nil && r.Status == StatusDeleted {
			continue
		}
		if params.Search != "" && !strings.Contains(strings.ToLower(r.Name), strings.ToLower(params.Search)) {
			continue
		}
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	page := Paginate(all, params)
	return page.Items, len(all), nil
}

func (m *mockStore) RolePermissions(ctx context.Context, roleID int64) ([]PermissionAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[roleID]; !ok {
		return nil, fmt.Errorf("role %d: %w", roleID, ErrNotFound)
	}
	out := []PermissionAssignment{}
	for k, row := range m.rolePerms {
		if k.left == roleID {
			out = append(out, PermissionAssignment{Permission: m.perms[k.right], EdgeStatus: row.status, AssignedAt: row.createdAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Permission.Slug < out[j].Permission.Slug })
	return out, nil
}

func (m *mockStore) CreatePermission(ctx context.Context, slug, description string) (Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.perms {
		if p.Slug == slug {
			return Permission{}, fmt.Errorf("slug taken: %w", ErrValidation)
		}
	}
	now := m.tick()
	p := Permission{ID: m.id(), Slug: slug, Description: description, Status: StatusActive, CreatedAt: now, UpdatedAt: now}
	m.perms[p.ID] = p
	return p, nil
}

func (m *mockStore) GetPermission(ctx context.Context, id int64) (Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.perms[id]
	if !ok {
		return Permission{}, fmt.Errorf("permission %d: %w", id, ErrNotFound)
	}
	return p, nil
}

func (m *mockStore) SetPermissionStatus(ctx context.Context, id int64, status Status) (Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.perms[id]
	if !ok {
		return Permission{}, fmt.Errorf("permission %d: %w", id, ErrNotFound)
	}
	if !p.Status.CanTransition(status) {
		return Permission{}, fmt.Errorf("permission %d: %w", id, ErrValidation)
	}
	p.Status, p.UpdatedAt = status, m.tick()
	m.perms[id] = p
	return p, nil
}

func (m *mockStore) ListPermissions(ctx context.Context, params ListParams) ([]Permission, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastListArg = params
	var all []Permission
	for _, p := range m.perms {
		if params.Status == nil && p.Status == StatusDeleted {
			continue
		}
		if params.Status != nil && p.Status != *params.Status {
			continue
		}
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Slug < all[j].Slug })
	page := Paginate(all, params)
	return page.Items, len(all), nil
}

func (m *mockStore) SetUserRole(ctx context.Context, userID, roleID int64, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	if _, ok := m.roles[roleID]; !ok {
		return fmt.Errorf("role %d: %w", roleID, ErrNotFound)
	}
	m.setEdge(m.userRoles, edgeKey{userID, roleID}, status)
	return nil
}

func (m *mockStore) SetRolePermission(ctx context.Context, roleID, permissionID int64, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[roleID]; !ok {
		return fmt.Errorf("role %d: %w", roleID, ErrNotFound)
	}
	if _, ok := m.perms[permissionID]; !ok {
		return fmt.Errorf("permission %d: %w", permissionID, ErrNotFound)
	}
	m.setEdge(m.rolePerms, edgeKey{roleID, permissionID}, status)
	return nil
}

func (m *mockStore) setEdge(edges map[edgeKey]edgeRow, key edgeKey, status Status) {
	row, ok := edges[key]
	if !ok {
		row.createdAt = m.tick()
	}
	row.status = status
	edges[key] = row
}

// grant wires user -> role -> slugs in one call and returns the created ids.
func (m *mockStore) grant(email, roleName string, slugs ...string) (User, Role) {
	ctx := context.Background()
	user, err := m.CreateUser(ctx, strings.Split(email, "@")[0], email)
	if err != nil {
		panic(err)
	}
	var role Role
	m.mu.Lock()
	for _, r := range m.roles {
		if r.Name == roleName {
			role = r
		}
	}
	m.mu.Unlock()
	if role.ID == 0 {
		if role, err = m.CreateRole(ctx, roleName, StatusActive); err != nil {
			panic(err)
		}
	}
	if err := m.SetUserRole(ctx, user.ID, role.ID, StatusActive); err != nil {
		panic(err)
	}
	for _, slug := range slugs {
		perm, ok := m.permBySlug(slug)
		if !ok {
			if perm, err = m.CreatePermission(ctx, slug, ""); err != nil {
				panic(err)
			}
		}
		if err := m.SetRolePermission(ctx, role.ID, perm.ID, StatusActive); err != nil {
			panic(err)
		}
	}
	return user, role
}

func (m *mockStore) permBySlug(slug string) (Permission, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.perms {
		if p.Slug == slug {
			return p, true
		}
	}
	return Permission{}, false
}

type mockRevoker struct {
	mu      sync.Mutex
	revoked []int64
	err     error
}

func (r *mockRevoker) RevokeUserSessions(ctx context.Context, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked = append(r.revoked, userID)
	return r.err
}
