package sqlitestore

import (
	"context"
	"database/sql/driver"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/gatekeeper/internal/rbac"
	"github.com/odyssey-erp/gatekeeper/internal/shared"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return store
}

type fixture struct {
	user  rbac.User
	role  rbac.Role
	perms map[string]rbac.Permission
}

// seedChain creates one user holding one role that grants the given slugs.
func seedChain(t *testing.T, store *Store, email, roleName string, slugs ...string) fixture {
	t.Helper()
	ctx := context.Background()
	user, err := store.CreateUser(ctx, "User "+roleName, email)
	require.NoError(t, err)
	role, err := store.CreateRole(ctx, roleName, rbac.StatusActive)
	require.NoError(t, err)
	require.NoError(t, store.SetUserRole(ctx, user.ID, role.ID, rbac.StatusActive))

	perms := make(map[string]rbac.Permission, len(slugs))
	for _, slug := range slugs {
		perm, err := store.CreatePermission(ctx, slug, "")
		require.NoError(t, err)
		require.NoError(t, store.SetRolePermission(ctx, role.ID, perm.ID, rbac.StatusActive))
		perms[slug] = perm
	}
	return fixture{user: user, role: role, perms: perms}
}

func slugsOf(perms []rbac.Permission) []string {
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		out = append(out, p.Slug)
	}
	return out
}

func TestEffectivePermissionsFollowsActiveChain(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	fx := seedChain(t, store, "admin@example.com", "admin", "list-roles", "edit-role", "add-role")

	perms, err := store.EffectivePermissions(ctx, fx.user.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"add-role", "edit-role", "list-roles"}, slugsOf(perms))

	ok, err := store.HasPermission(ctx, fx.user.ID, "edit-role")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.HasPermission(ctx, fx.user.ID, "Edit-Role")
	require.NoError(t, err)
	assert.False(t, ok, "slug match is case sensitive")
}

func TestEffectivePermissionsUserWithoutRoles(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	user, err := store.CreateUser(ctx, "Lonely", "lonely@example.com")
	require.NoError(t, err)

	perms, err := store.EffectivePermissions(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, perms)

	ok, err := store.HasPermission(ctx, user.ID, "list-roles")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEffectivePermissionsUnknownUser(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.EffectivePermissions(ctx, 999)
	assert.ErrorIs(t, err, rbac.ErrNotFound)

	_, err = store.HasPermission(ctx, 999, "list-roles")
	assert.ErrorIs(t, err, rbac.ErrNotFound)
}

func TestInactiveLinksBreakTheChain(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(t *testing.T, store *Store, fx fixture)
	}{
		{"user inactive", func(t *testing.T, store *Store, fx fixture) {
			_, err := store.SetUserStatus(context.Background(), fx.user.ID, rbac.StatusInactive)
			require.NoError(t, err)
		}},
		{"user role edge revoked", func(t *testing.T, store *Store, fx fixture) {
			require.NoError(t, store.SetUserRole(context.Background(), fx.user.ID, fx.role.ID, rbac.StatusDeleted))
		}},
		{"role inactive", func(t *testing.T, store *Store, fx fixture) {
			_, err := store.UpdateRole(context.Background(), fx.role.ID, fx.role.Name, rbac.StatusInactive)
			require.NoError(t, err)
		}},
		{"role permission edge revoked", func(t *testing.T, store *Store, fx fixture) {
			require.NoError(t, store.SetRolePermission(context.Background(), fx.role.ID, fx.perms["edit-role"].ID, rbac.StatusInactive))
		}},
		{"permission deleted", func(t *testing.T, store *Store, fx fixture) {
			_, err := store.SetPermissionStatus(context.Background(), fx.perms["edit-role"].ID, rbac.StatusDeleted)
			require.NoError(t, err)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := openTestStore(t)
			ctx := context.Background()
			fx := seedChain(t, store, "admin@example.com", "admin", "edit-role")

			ok, err := store.HasPermission(ctx, fx.user.ID, "edit-role")
			require.NoError(t, err)
			require.True(t, ok)

			tc.mutate(t, store, fx)

			ok, err = store.HasPermission(ctx, fx.user.ID, "edit-role")
			require.NoError(t, err)
			assert.False(t, ok)

			perms, err := store.EffectivePermissions(ctx, fx.user.ID)
			require.NoError(t, err)
			assert.NotContains(t, slugsOf(perms), "edit-role")
		})
	}
}

func TestEdgeRestoreReinstatesPermission(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	fx := seedChain(t, store, "agent@example.com", "agent", "view-role")

	require.NoError(t, store.SetUserRole(ctx, fx.user.ID, fx.role.ID, rbac.StatusDeleted))
	require.NoError(t, store.SetUserRole(ctx, fx.user.ID, fx.role.ID, rbac.StatusActive))

	ok, err := store.HasPermission(ctx, fx.user.ID, "view-role")
	require.NoError(t, err)
	assert.True(t, ok)

	roles, err := store.UserRoles(ctx, fx.user.ID)
	require.NoError(t, err)
	require.Len(t, roles, 1, "upsert keeps a single edge")
	assert.Equal(t, rbac.StatusActive, roles[0].EdgeStatus)
}

func TestPermissionsDeduplicatedAcrossRoles(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	fx := seedChain(t, store, "admin@example.com", "admin", "list-roles", "view-role")

	second, err := store.CreateRole(ctx, "agent", rbac.StatusActive)
	require.NoError(t, err)
	require.NoError(t, store.SetUserRole(ctx, fx.user.ID, second.ID, rbac.StatusActive))
	require.NoError(t, store.SetRolePermission(ctx, second.ID, fx.perms["view-role"].ID, rbac.StatusActive))

	perms, err := store.EffectivePermissions(ctx, fx.user.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"list-roles", "view-role"}, slugsOf(perms))
}

func TestHasPermissionMatchesEffectiveSet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	scopes := shared.CoreScopes()
	slugs := make([]string, 0, len(scopes))
	for _, s := range scopes {
		slugs = append(slugs, s.Slug)
	}
	fx := seedChain(t, store, "admin@example.com", "admin", slugs[:5]...)
	for _, slug := range slugs[5:] {
		_, err := store.CreatePermission(ctx, slug, "")
		require.NoError(t, err)
	}

	perms, err := store.EffectivePermissions(ctx, fx.user.ID)
	require.NoError(t, err)
	effective := map[string]bool{}
	for _, p := range perms {
		effective[p.Slug] = true
	}
	for _, slug := range slugs {
		ok, err := store.HasPermission(ctx, fx.user.ID, slug)
		require.NoError(t, err)
		assert.Equal(t, effective[slug], ok, slug)
	}
}

func TestEffectivePermissionsIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	fx := seedChain(t, store, "admin@example.com", "admin", "list-roles", "edit-role")

	first, err := store.EffectivePermissions(ctx, fx.user.ID)
	require.NoError(t, err)
	second, err := store.EffectivePermissions(ctx, fx.user.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDeletedIsTerminal(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	role, err := store.CreateRole(ctx, "temp", rbac.StatusActive)
	require.NoError(t, err)

	_, err = store.UpdateRole(ctx, role.ID, role.Name, rbac.StatusDeleted)
	require.NoError(t, err)

	_, err = store.UpdateRole(ctx, role.ID, role.Name, rbac.StatusActive)
	assert.ErrorIs(t, err, rbac.ErrValidation)

	_, err = store.UpdateRole(ctx, 12345, "missing", rbac.StatusActive)
	assert.ErrorIs(t, err, rbac.ErrNotFound)

	user, err := store.CreateUser(ctx, "Gone", "gone@example.com")
	require.NoError(t, err)
	_, err = store.SetUserStatus(ctx, user.ID, rbac.StatusDeleted)
	require.NoError(t, err)
	_, err = store.SetUserStatus(ctx, user.ID, rbac.StatusInactive)
	assert.ErrorIs(t, err, rbac.ErrValidation)
}

func TestSetRoleStatusLeavesNameAlone(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	role, err := store.CreateRole(ctx, "support", rbac.StatusActive)
	require.NoError(t, err)
	_, err = store.UpdateRole(ctx, role.ID, "helpdesk", 0)
	require.NoError(t, err)

	deleted, err := store.SetRoleStatus(ctx, role.ID, rbac.StatusDeleted)
	require.NoError(t, err)
	assert.Equal(t, "helpdesk", deleted.Name)
	assert.Equal(t, rbac.StatusDeleted, deleted.Status)

	_, err = store.SetRoleStatus(ctx, role.ID, rbac.StatusDeleted)
	assert.NoError(t, err, "deleted to deleted is allowed")
	_, err = store.SetRoleStatus(ctx, role.ID, rbac.StatusActive)
	assert.ErrorIs(t, err, rbac.ErrValidation)
	_, err = store.SetRoleStatus(ctx, 404, rbac.StatusInactive)
	assert.ErrorIs(t, err, rbac.ErrNotFound)
}

func TestForeignKeysHoldOnEveryConnection(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "gatekeeper.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	// Without idle connections every query dials a fresh one.
	store.sqlDB.SetMaxIdleConns(0)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		var enabled int
		require.NoError(t, store.sqlDB.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&enabled))
		assert.Equal(t, 1, enabled)
	}
	var mode string
	require.NoError(t, store.sqlDB.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	role, err := store.CreateRole(ctx, "admin", rbac.StatusActive)
	require.NoError(t, err)
	_, err = store.sqlDB.ExecContext(ctx,
		`INSERT INTO role_user (user_id, role_id, status, created_at, updated_at) VALUES (999, ?1, 1, 0, 0)`, role.ID)
	assert.Error(t, err, "dangling edge rejected")
}

func TestMemoryDatabaseHasForeignKeys(t *testing.T) {
	store := openTestStore(t)
	var enabled int
	require.NoError(t, store.sqlDB.QueryRow("PRAGMA foreign_keys").Scan(&enabled))
	assert.Equal(t, 1, enabled)
}

func TestUpdateRoleKeepsStatusWhenZero(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	role, err := store.CreateRole(ctx, "draft", rbac.StatusInactive)
	require.NoError(t, err)

	updated, err := store.UpdateRole(ctx, role.ID, "renamed", 0)
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, rbac.StatusInactive, updated.Status)
	assert.True(t, updated.UpdatedAt.After(role.UpdatedAt))
}

func TestUniqueConflictsAreValidationErrors(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	_, err := store.CreateRole(ctx, "admin", rbac.StatusActive)
	require.NoError(t, err)
	_, err = store.CreateRole(ctx, "admin", rbac.StatusActive)
	assert.ErrorIs(t, err, rbac.ErrValidation)

	_, err = store.CreateUser(ctx, "A", "a@example.com")
	require.NoError(t, err)
	_, err = store.CreateUser(ctx, "B", "a@example.com")
	assert.ErrorIs(t, err, rbac.ErrValidation)
}

func TestEdgeWithMissingEndpoint(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	role, err := store.CreateRole(ctx, "admin", rbac.StatusActive)
	require.NoError(t, err)

	err = store.SetUserRole(ctx, 77, role.ID, rbac.StatusActive)
	assert.ErrorIs(t, err, rbac.ErrNotFound)

	err = store.SetRolePermission(ctx, role.ID, 77, rbac.StatusActive)
	assert.ErrorIs(t, err, rbac.ErrNotFound)

	_, err = store.RolePermissions(ctx, 404)
	assert.ErrorIs(t, err, rbac.ErrNotFound)
}

func TestListPermissionsPagingSearchAndSort(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for _, s := range shared.CoreScopes() {
		_, err := store.CreatePermission(ctx, s.Slug, s.Description)
		require.NoError(t, err)
	}
	total := len(shared.CoreScopes())

	all, count, err := store.ListPermissions(ctx, rbac.ListParams{SortBy: rbac.SortCreatedAt, SortOrder: rbac.SortDesc})
	require.NoError(t, err)
	assert.Equal(t, total, count)
	require.Len(t, all, total)
	assert.Equal(t, shared.PermUsersEdit, all[0].Slug, "newest first")

	page, count, err := store.ListPermissions(ctx, rbac.ListParams{Page: 2, PerPage: 5, SortBy: rbac.SortSlug, SortOrder: rbac.SortAsc})
	require.NoError(t, err)
	assert.Equal(t, total, count)
	require.Len(t, page, 5)
	assert.Less(t, page[0].Slug, page[4].Slug)

	found, count, err := store.ListPermissions(ctx, rbac.ListParams{Search: "DASHBOARD", SortBy: rbac.SortSlug, SortOrder: rbac.SortAsc})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, []string{shared.PermAdminDashboard, shared.PermCustomerDashboard}, slugsOf(found))

	_, count, err = store.ListPermissions(ctx, rbac.ListParams{Search: "%"})
	require.NoError(t, err)
	assert.Zero(t, count, "wildcards match literally")
}

func TestListRolesHidesDeletedUnlessFiltered(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for _, name := range []string{"admin", "agent", "customer"} {
		_, err := store.CreateRole(ctx, name, rbac.StatusActive)
		require.NoError(t, err)
	}
	gone, err := store.CreateRole(ctx, "legacy", rbac.StatusActive)
	require.NoError(t, err)
	_, err = store.UpdateRole(ctx, gone.ID, gone.Name, rbac.StatusDeleted)
	require.NoError(t, err)

	roles, count, err := store.ListRoles(ctx, rbac.ListParams{SortBy: rbac.SortName, SortOrder: rbac.SortAsc})
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	require.Len(t, roles, 3)
	assert.Equal(t, "admin", roles[0].Name)

	deleted := rbac.StatusDeleted
	roles, count, err = store.ListRoles(ctx, rbac.ListParams{Status: &deleted})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	require.Len(t, roles, 1)
	assert.Equal(t, "legacy", roles[0].Name)
}

func TestClassifyDriverFailures(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	store := New(sqlDB)

	mock.ExpectQuery("SELECT id, name, email").WillReturnError(driver.ErrBadConn)
	_, err = store.GetUser(context.Background(), 1)
	assert.ErrorIs(t, err, rbac.ErrStorageUnavailable)
	assert.True(t, rbac.IsRetryable(err))

	mock.ExpectQuery("SELECT u.status, EXISTS").WillReturnError(context.DeadlineExceeded)
	_, err = store.HasPermission(context.Background(), 1, "list-roles")
	assert.ErrorIs(t, err, rbac.ErrStorageUnavailable)

	mock.ExpectQuery("SELECT id, slug").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err = store.GetPermission(context.Background(), 1)
	assert.ErrorIs(t, err, rbac.ErrNotFound)

	boom := errors.New("boom")
	mock.ExpectQuery("SELECT COUNT").WillReturnError(boom)
	_, _, err = store.ListRoles(context.Background(), rbac.ListParams{SortBy: rbac.SortCreatedAt})
	assert.ErrorIs(t, err, boom)
	assert.False(t, rbac.IsRetryable(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}
