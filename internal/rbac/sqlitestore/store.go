// Package sqlitestore implements the RBAC graph store over an embedded SQLite database.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/odyssey-erp/gatekeeper/internal/platform/sqlq"
	"github.com/odyssey-erp/gatekeeper/internal/rbac"
)

const (
	userColumns       = "id, name, email, status, created_at, updated_at"
	roleColumns       = "id, name, status, created_at, updated_at"
	permissionColumns = "id, slug, description, status, created_at, updated_at"
)

const effectivePermissionsQuery = `
SELECT DISTINCT p.id, p.slug, p.description, p.status, p.created_at, p.updated_at
FROM users u
JOIN role_user ru ON ru.user_id = u.id AND ru.status = 1
JOIN roles r ON r.id = ru.role_id AND r.status = 1
JOIN permission_role pr ON pr.role_id = r.id AND pr.status = 1
JOIN permissions p ON p.id = pr.permission_id AND p.status = 1
WHERE u.id = ?1 AND u.status = 1
ORDER BY p.slug`

const hasPermissionQuery = `
SELECT u.status, EXISTS (
    SELECT 1
    FROM role_user ru
    JOIN roles r ON r.id = ru.role_id AND r.status = 1
    JOIN permission_role pr ON pr.role_id = r.id AND pr.status = 1
    JOIN permissions p ON p.id = pr.permission_id AND p.status = 1
    WHERE ru.user_id = u.id AND ru.status = 1 AND p.slug = ?2
)
FROM users u
WHERE u.id = ?1`

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store implements rbac.Store over SQLite.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

// Open opens a SQLite store at path (":memory:" for an ephemeral database)
// and applies bundled migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if path != ":memory:" {
		path = filepath.Clean(path)
	}
	// Pragmas ride on the DSN so every connection the pool opens gets them.
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One long-lived connection keeps ":memory:" databases shared and serializes writers.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)
	sqlDB.SetConnMaxIdleTime(0)

	if err := ensureForeignKeysEnabled(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	if err := applyMigrations(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return New(sqlDB), nil
}

func ensureForeignKeysEnabled(db *sql.DB) error {
	var enabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&enabled); err != nil {
		return fmt.Errorf("check sqlite foreign key pragma: %w", err)
	}
	if enabled != 1 {
		return fmt.Errorf("sqlite foreign keys are disabled")
	}
	return nil
}

// New wraps an already migrated database handle.
func New(sqlDB *sql.DB) *Store {
	return &Store{sqlDB: sqlDB, now: func() time.Time { return time.Now().UTC() }}
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping verifies the database handle is usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (rbac.User, error) {
	var u rbac.User
	var created, updated int64
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Status, &created, &updated); err != nil {
		return rbac.User{}, err
	}
	u.CreatedAt, u.UpdatedAt = fromMillis(created), fromMillis(updated)
	return u, nil
}

func scanRole(row rowScanner) (rbac.Role, error) {
	var r rbac.Role
	var created, updated int64
	if err := row.Scan(&r.ID, &r.Name, &r.Status, &created, &updated); err != nil {
		return rbac.Role{}, err
	}
	r.CreatedAt, r.UpdatedAt = fromMillis(created), fromMillis(updated)
	return r, nil
}

func scanPermission(row rowScanner) (rbac.Permission, error) {
	var p rbac.Permission
	var created, updated int64
	if err := row.Scan(&p.ID, &p.Slug, &p.Description, &p.Status, &created, &updated); err != nil {
		return rbac.Permission{}, err
	}
	p.CreatedAt, p.UpdatedAt = fromMillis(created), fromMillis(updated)
	return p, nil
}

// EffectivePermissions returns the active permissions reachable from the user.
func (s *Store) EffectivePermissions(ctx context.Context, userID int64) ([]rbac.Permission, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, effectivePermissionsQuery, userID)
	if err != nil {
		return nil, classify("effective permissions", err)
	}
	defer rows.Close()
	perms := []rbac.Permission{}
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, classify("scan permission", err)
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("effective permissions", err)
	}
	return perms, nil
}

// HasPermission answers the reachability question with a single EXISTS query.
func (s *Store) HasPermission(ctx context.Context, userID int64, slug string) (bool, error) {
	var status rbac.Status
	var exists bool
	if err := s.sqlDB.QueryRowContext(ctx, hasPermissionQuery, userID, slug).Scan(&status, &exists); err != nil {
		return false, classify("has permission", err)
	}
	return status == rbac.StatusActive && exists, nil
}

// CreateUser inserts an active user.
func (s *Store) CreateUser(ctx context.Context, name, email string) (rbac.User, error) {
	now := toMillis(s.now())
	row := s.sqlDB.QueryRowContext(ctx,
		`INSERT INTO users (name, email, status, created_at, updated_at) VALUES (?1, ?2, ?3, ?4, ?4) RETURNING `+userColumns,
		name, email, int64(rbac.StatusActive), now)
	user, err := scanUser(row)
	if err != nil {
		return rbac.User{}, classify("create user", err)
	}
	return user, nil
}

// GetUser fetches a user by ID.
func (s *Store) GetUser(ctx context.Context, id int64) (rbac.User, error) {
	user, err := scanUser(s.sqlDB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?1`, id))
	if err != nil {
		return rbac.User{}, classify("get user", err)
	}
	return user, nil
}

// SetUserStatus transitions a user's status.
func (s *Store) SetUserStatus(ctx context.Context, id int64, status rbac.Status) (rbac.User, error) {
	if err := s.updateStatus(ctx, "users", id, status); err != nil {
		return rbac.User{}, err
	}
	return s.GetUser(ctx, id)
}

// UserRoles lists role assignments in assignment order.
func (s *Store) UserRoles(ctx context.Context, userID int64) ([]rbac.RoleAssignment, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT r.id, r.name, r.status, r.created_at, r.updated_at, ru.status, ru.created_at
FROM role_user ru
JOIN roles r ON r.id = ru.role_id
WHERE ru.user_id = ?1
ORDER BY ru.created_at, ru.id`, userID)
	if err != nil {
		return nil, classify("user roles", err)
	}
	defer rows.Close()
	assignments := []rbac.RoleAssignment{}
	for rows.Next() {
		var a rbac.RoleAssignment
		var created, updated, assigned int64
		if err := rows.Scan(&a.Role.ID, &a.Role.Name, &a.Role.Status, &created, &updated, &a.EdgeStatus, &assigned); err != nil {
			return nil, classify("scan user role", err)
		}
		a.Role.CreatedAt, a.Role.UpdatedAt, a.AssignedAt = fromMillis(created), fromMillis(updated), fromMillis(assigned)
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("user roles", err)
	}
	return assignments, nil
}

// CreateRole inserts a role.
func (s *Store) CreateRole(ctx context.Context, name string, status rbac.Status) (rbac.Role, error) {
	now := toMillis(s.now())
	role, err := scanRole(s.sqlDB.QueryRowContext(ctx,
		`INSERT INTO roles (name, status, created_at, updated_at) VALUES (?1, ?2, ?3, ?3) RETURNING `+roleColumns,
		name, int64(status), now))
	if err != nil {
		return rbac.Role{}, classify("create role", err)
	}
	return role, nil
}

// GetRole fetches a role by ID.
func (s *Store) GetRole(ctx context.Context, id int64) (rbac.Role, error) {
	role, err := scanRole(s.sqlDB.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = ?1`, id))
	if err != nil {
		return rbac.Role{}, classify("get role", err)
	}
	return role, nil
}

// UpdateRole renames a role and transitions its status when status is non-zero.
func (s *Store) UpdateRole(ctx context.Context, id int64, name string, status rbac.Status) (rbac.Role, error) {
	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE roles
SET name = ?2,
    status = CASE WHEN ?3 = 0 THEN status ELSE ?3 END,
    updated_at = ?4
WHERE id = ?1 AND (status <> 3 OR ?3 = 3)`, id, name, int64(status), toMillis(s.now()))
	if err != nil {
		return rbac.Role{}, classify("update role", err)
	}
	if err := s.checkAffected(ctx, res, "roles", id); err != nil {
		return rbac.Role{}, err
	}
	return s.GetRole(ctx, id)
}

// SetRoleStatus transitions a role's status without touching its name.
func (s *Store) SetRoleStatus(ctx context.Context, id int64, status rbac.Status) (rbac.Role, error) {
	if err := s.updateStatus(ctx, "roles", id, status); err != nil {
		return rbac.Role{}, err
	}
	return s.GetRole(ctx, id)
}

// ListRoles returns one page of roles and the total match count.
func (s *Store) ListRoles(ctx context.Context, params rbac.ListParams) ([]rbac.Role, int, error) {
	query, args, countQuery, countArgs := listQuery("roles", roleColumns, "name", params).Build()
	var total int
	if err := s.sqlDB.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, classify("count roles", err)
	}
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, classify("list roles", err)
	}
	defer rows.Close()
	roles := []rbac.Role{}
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, 0, classify("scan role", err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, classify("list roles", err)
	}
	return roles, total, nil
}

// RolePermissions lists every permission edge of the role.
func (s *Store) RolePermissions(ctx context.Context, roleID int64) ([]rbac.PermissionAssignment, error) {
	if _, err := s.GetRole(ctx, roleID); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT p.id, p.slug, p.description, p.status, p.created_at, p.updated_at, pr.status, pr.created_at
FROM permission_role pr
JOIN permissions p ON p.id = pr.permission_id
WHERE pr.role_id = ?1
ORDER BY p.slug, p.id`, roleID)
	if err != nil {
		return nil, classify("role permissions", err)
	}
	defer rows.Close()
	assignments := []rbac.PermissionAssignment{}
	for rows.Next() {
		var a rbac.PermissionAssignment
		var created, updated, assigned int64
		if err := rows.Scan(&a.Permission.ID, &a.Permission.Slug, &a.Permission.Description, &a.Permission.Status, &created, &updated, &a.EdgeStatus, &assigned); err != nil {
			return nil, classify("scan role permission", err)
		}
		a.Permission.CreatedAt, a.Permission.UpdatedAt, a.AssignedAt = fromMillis(created), fromMillis(updated), fromMillis(assigned)
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("role permissions", err)
	}
	return assignments, nil
}

// CreatePermission inserts an active permission.
func (s *Store) CreatePermission(ctx context.Context, slug, description string) (rbac.Permission, error) {
	now := toMillis(s.now())
	perm, err := scanPermission(s.sqlDB.QueryRowContext(ctx,
		`INSERT INTO permissions (slug, description, status, created_at, updated_at) VALUES (?1, ?2, ?3, ?4, ?4) RETURNING `+permissionColumns,
		slug, description, int64(rbac.StatusActive), now))
	if err != nil {
		return rbac.Permission{}, classify("create permission", err)
	}
	return perm, nil
}

// GetPermission fetches a permission by ID.
func (s *Store) GetPermission(ctx context.Context, id int64) (rbac.Permission, error) {
	perm, err := scanPermission(s.sqlDB.QueryRowContext(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE id = ?1`, id))
	if err != nil {
		return rbac.Permission{}, classify("get permission", err)
	}
	return perm, nil
}

// SetPermissionStatus transitions a permission's status.
func (s *Store) SetPermissionStatus(ctx context.Context, id int64, status rbac.Status) (rbac.Permission, error) {
	if err := s.updateStatus(ctx, "permissions", id, status); err != nil {
		return rbac.Permission{}, err
	}
	return s.GetPermission(ctx, id)
}

// ListPermissions returns one page of permissions and the total match count.
func (s *Store) ListPermissions(ctx context.Context, params rbac.ListParams) ([]rbac.Permission, int, error) {
	query, args, countQuery, countArgs := listQuery("permissions", permissionColumns, "slug", params).Build()
	var total int
	if err := s.sqlDB.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, classify("count permissions", err)
	}
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, classify("list permissions", err)
	}
	defer rows.Close()
	perms := []rbac.Permission{}
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, 0, classify("scan permission", err)
		}
		perms = append(perms, perm)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, classify("list permissions", err)
	}
	return perms, total, nil
}

// SetUserRole upserts the User–Role edge.
func (s *Store) SetUserRole(ctx context.Context, userID, roleID int64, status rbac.Status) error {
	return s.upsertEdge(ctx, edge{
		table: "role_user", leftTable: "users", rightTable: "roles",
		leftColumn: "user_id", rightColumn: "role_id",
	}, userID, roleID, status)
}

// SetRolePermission upserts the Role–Permission edge.
func (s *Store) SetRolePermission(ctx context.Context, roleID, permissionID int64, status rbac.Status) error {
	return s.upsertEdge(ctx, edge{
		table: "permission_role", leftTable: "roles", rightTable: "permissions",
		leftColumn: "role_id", rightColumn: "permission_id",
	}, roleID, permissionID, status)
}

type edge struct {
	table       string
	leftTable   string
	rightTable  string
	leftColumn  string
	rightColumn string
}

func (s *Store) upsertEdge(ctx context.Context, e edge, leftID, rightID int64, status rbac.Status) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, ref := range []struct {
		table string
		id    int64
	}{{e.leftTable, leftID}, {e.rightTable, rightID}} {
		var one int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM `+ref.table+` WHERE id = ?1`, ref.id).Scan(&one); err != nil {
			return classify("lookup "+ref.table, err)
		}
	}
	now := toMillis(s.now())
	if _, err := tx.ExecContext(ctx, `
INSERT INTO `+e.table+` (`+e.leftColumn+`, `+e.rightColumn+`, status, created_at, updated_at)
VALUES (?1, ?2, ?3, ?4, ?4)
ON CONFLICT (`+e.leftColumn+`, `+e.rightColumn+`) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		leftID, rightID, int64(status), now); err != nil {
		return classify("upsert "+e.table, err)
	}
	if err := tx.Commit(); err != nil {
		return classify("commit tx", err)
	}
	return nil
}

func (s *Store) updateStatus(ctx context.Context, table string, id int64, status rbac.Status) error {
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE `+table+` SET status = ?2, updated_at = ?3 WHERE id = ?1 AND (status <> 3 OR ?2 = 3)`,
		id, int64(status), toMillis(s.now()))
	if err != nil {
		return classify("update "+table+" status", err)
	}
	return s.checkAffected(ctx, res, table, id)
}

// checkAffected distinguishes a missing row from a refused transition out of deleted.
func (s *Store) checkAffected(ctx context.Context, res sql.Result, table string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return classify("rows affected", err)
	}
	if n > 0 {
		return nil
	}
	var one int
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?1`, id).Scan(&one); err != nil {
		return classify("lookup "+table, err)
	}
	return fmt.Errorf("sqlitestore: %s %d: %w: deleted records cannot change status", table, id, rbac.ErrValidation)
}

func listQuery(table, columns, searchColumn string, params rbac.ListParams) sqlq.ListQuery {
	q := sqlq.ListQuery{
		Dialect:      sqlq.SQLite,
		Table:        table,
		Columns:      columns,
		SearchColumn: searchColumn,
		Search:       params.Search,
		SortColumn:   sortColumn(params.SortBy, searchColumn),
		Desc:         params.SortOrder != rbac.SortAsc,
	}
	if params.Status != nil {
		status := int16(*params.Status)
		q.Status = &status
	}
	if params.Paged() {
		q.Limit = params.PerPage
		q.Offset = params.Offset()
	}
	return q
}

func sortColumn(sortBy, nameColumn string) string {
	switch sortBy {
	case rbac.SortUpdatedAt:
		return "updated_at"
	case nameColumn:
		return nameColumn
	default:
		return "created_at"
	}
}

var _ rbac.Store = (*Store)(nil)
