// Package pgstore implements the RBAC graph store on PostgreSQL via pgx.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/odyssey-erp/gatekeeper/internal/platform/db"
	"github.com/odyssey-erp/gatekeeper/internal/platform/sqlq"
	"github.com/odyssey-erp/gatekeeper/internal/rbac"
)

// Conn is the subset of *pgxpool.Pool used by the store.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

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
WHERE u.id = $1 AND u.status = 1
ORDER BY p.slug`

const hasPermissionQuery = `
SELECT u.status, EXISTS (
    SELECT 1
    FROM role_user ru
    JOIN roles r ON r.id = ru.role_id AND r.status = 1
    JOIN permission_role pr ON pr.role_id = r.id AND pr.status = 1
    JOIN permissions p ON p.id = pr.permission_id AND p.status = 1
    WHERE ru.user_id = u.id AND ru.status = 1 AND p.slug = $2
)
FROM users u
WHERE u.id = $1`

// Store implements rbac.Store over PostgreSQL.
type Store struct {
	conn Conn
}

// New wraps a pool (or any Conn) already migrated with Migrate.
func New(conn Conn) *Store {
	return &Store{conn: conn}
}

func timeOf(ts pgtype.Timestamptz) time.Time {
	if !ts.Valid {
		return time.Time{}
	}
	return ts.Time.UTC()
}

func scanUser(row pgx.Row) (rbac.User, error) {
	var u rbac.User
	var status int16
	var created, updated pgtype.Timestamptz
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &status, &created, &updated); err != nil {
		return rbac.User{}, err
	}
	u.Status = rbac.Status(status)
	u.CreatedAt, u.UpdatedAt = timeOf(created), timeOf(updated)
	return u, nil
}

func scanRole(row pgx.Row) (rbac.Role, error) {
	var r rbac.Role
	var status int16
	var created, updated pgtype.Timestamptz
	if err := row.Scan(&r.ID, &r.Name, &status, &created, &updated); err != nil {
		return rbac.Role{}, err
	}
	r.Status = rbac.Status(status)
	r.CreatedAt, r.UpdatedAt = timeOf(created), timeOf(updated)
	return r, nil
}

func scanPermission(row pgx.Row) (rbac.Permission, error) {
	var p rbac.Permission
	var status int16
	var created, updated pgtype.Timestamptz
	if err := row.Scan(&p.ID, &p.Slug, &p.Description, &status, &created, &updated); err != nil {
		return rbac.Permission{}, err
	}
	p.Status = rbac.Status(status)
	p.CreatedAt, p.UpdatedAt = timeOf(created), timeOf(updated)
	return p, nil
}

// EffectivePermissions returns the active permissions reachable from the user.
func (s *Store) EffectivePermissions(ctx context.Context, userID int64) ([]rbac.Permission, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	rows, err := s.conn.Query(ctx, effectivePermissionsQuery, userID)
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
	var status int16
	var exists bool
	if err := s.conn.QueryRow(ctx, hasPermissionQuery, userID, slug).Scan(&status, &exists); err != nil {
		return false, classify("has permission", err)
	}
	return rbac.Status(status) == rbac.StatusActive && exists, nil
}

// CreateUser inserts an active user.
func (s *Store) CreateUser(ctx context.Context, name, email string) (rbac.User, error) {
	user, err := scanUser(s.conn.QueryRow(ctx,
		`INSERT INTO users (name, email, status) VALUES ($1, $2, $3) RETURNING `+userColumns,
		name, email, int16(rbac.StatusActive)))
	if err != nil {
		return rbac.User{}, classify("create user", err)
	}
	return user, nil
}

// GetUser fetches a user by ID.
func (s *Store) GetUser(ctx context.Context, id int64) (rbac.User, error) {
	user, err := scanUser(s.conn.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return rbac.User{}, classify("get user", err)
	}
	return user, nil
}

// SetUserStatus transitions a user's status.
func (s *Store) SetUserStatus(ctx context.Context, id int64, status rbac.Status) (rbac.User, error) {
	user, err := scanUser(s.conn.QueryRow(ctx, `
UPDATE users SET status = $2, updated_at = NOW()
WHERE id = $1 AND (status <> 3 OR $2::smallint = 3)
RETURNING `+userColumns, id, int16(status)))
	if err != nil {
		return rbac.User{}, s.refused(ctx, "users", id, err)
	}
	return user, nil
}

// UserRoles lists role assignments in assignment order.
func (s *Store) UserRoles(ctx context.Context, userID int64) ([]rbac.RoleAssignment, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	rows, err := s.conn.Query(ctx, `
SELECT r.id, r.name, r.status, r.created_at, r.updated_at, ru.status, ru.created_at
FROM role_user ru
JOIN roles r ON r.id = ru.role_id
WHERE ru.user_id = $1
ORDER BY ru.created_at, ru.id`, userID)
	if err != nil {
		return nil, classify("user roles", err)
	}
	defer rows.Close()
	assignments := []rbac.RoleAssignment{}
	for rows.Next() {
		var a rbac.RoleAssignment
		var roleStatus, edgeStatus int16
		var created, updated, assigned pgtype.Timestamptz
		if err := rows.Scan(&a.Role.ID, &a.Role.Name, &roleStatus, &created, &updated, &edgeStatus, &assigned); err != nil {
			return nil, classify("scan user role", err)
		}
		a.Role.Status, a.EdgeStatus = rbac.Status(roleStatus), rbac.Status(edgeStatus)
		a.Role.CreatedAt, a.Role.UpdatedAt, a.AssignedAt = timeOf(created), timeOf(updated), timeOf(assigned)
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("user roles", err)
	}
	return assignments, nil
}

// CreateRole inserts a role.
func (s *Store) CreateRole(ctx context.Context, name string, status rbac.Status) (rbac.Role, error) {
	role, err := scanRole(s.conn.QueryRow(ctx,
		`INSERT INTO roles (name, status) VALUES ($1, $2) RETURNING `+roleColumns, name, int16(status)))
	if err != nil {
		return rbac.Role{}, classify("create role", err)
	}
	return role, nil
}

// GetRole fetches a role by ID.
func (s *Store) GetRole(ctx context.Context, id int64) (rbac.Role, error) {
	role, err := scanRole(s.conn.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id))
	if err != nil {
		return rbac.Role{}, classify("get role", err)
	}
	return role, nil
}

// UpdateRole renames a role and transitions its status when status is non-zero.
func (s *Store) UpdateRole(ctx context.Context, id int64, name string, status rbac.Status) (rbac.Role, error) {
	role, err := scanRole(s.conn.QueryRow(ctx, `
UPDATE roles
SET name = $2,
    status = CASE WHEN $3::smallint = 0 THEN status ELSE $3::smallint END,
    updated_at = NOW()
WHERE id = $1 AND (status <> 3 OR $3::smallint = 3)
RETURNING `+roleColumns, id, name, int16(status)))
	if err != nil {
		return rbac.Role{}, s.refused(ctx, "roles", id, err)
	}
	return role, nil
}

// SetRoleStatus transitions a role's status without touching its name.
func (s *Store) SetRoleStatus(ctx context.Context, id int64, status rbac.Status) (rbac.Role, error) {
	role, err := scanRole(s.conn.QueryRow(ctx, `
UPDATE roles SET status = $2, updated_at = NOW()
WHERE id = $1 AND (status <> 3 OR $2::smallint = 3)
RETURNING `+roleColumns, id, int16(status)))
	if err != nil {
		return rbac.Role{}, s.refused(ctx, "roles", id, err)
	}
	return role, nil
}

// ListRoles returns one page of roles and the total match count.
func (s *Store) ListRoles(ctx context.Context, params rbac.ListParams) ([]rbac.Role, int, error) {
	query, args, countQuery, countArgs := listQuery("roles", roleColumns, "name", params).Build()
	var total int
	if err := s.conn.QueryRow(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, classify("count roles", err)
	}
	rows, err := s.conn.Query(ctx, query, args...)
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
	rows, err := s.conn.Query(ctx, `
SELECT p.id, p.slug, p.description, p.status, p.created_at, p.updated_at, pr.status, pr.created_at
FROM permission_role pr
JOIN permissions p ON p.id = pr.permission_id
WHERE pr.role_id = $1
ORDER BY p.slug, p.id`, roleID)
	if err != nil {
		return nil, classify("role permissions", err)
	}
	defer rows.Close()
	assignments := []rbac.PermissionAssignment{}
	for rows.Next() {
		var a rbac.PermissionAssignment
		var permStatus, edgeStatus int16
		var created, updated, assigned pgtype.Timestamptz
		if err := rows.Scan(&a.Permission.ID, &a.Permission.Slug, &a.Permission.Description, &permStatus, &created, &updated, &edgeStatus, &assigned); err != nil {
			return nil, classify("scan role permission", err)
		}
		a.Permission.Status, a.EdgeStatus = rbac.Status(permStatus), rbac.Status(edgeStatus)
		a.Permission.CreatedAt, a.Permission.UpdatedAt, a.AssignedAt = timeOf(created), timeOf(updated), timeOf(assigned)
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("role permissions", err)
	}
	return assignments, nil
}

// CreatePermission inserts an active permission.
func (s *Store) CreatePermission(ctx context.Context, slug, description string) (rbac.Permission, error) {
	perm, err := scanPermission(s.conn.QueryRow(ctx,
		`INSERT INTO permissions (slug, description, status) VALUES ($1, $2, $3) RETURNING `+permissionColumns,
		slug, description, int16(rbac.StatusActive)))
	if err != nil {
		return rbac.Permission{}, classify("create permission", err)
	}
	return perm, nil
}

// GetPermission fetches a permission by ID.
func (s *Store) GetPermission(ctx context.Context, id int64) (rbac.Permission, error) {
	perm, err := scanPermission(s.conn.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE id = $1`, id))
	if err != nil {
		return rbac.Permission{}, classify("get permission", err)
	}
	return perm, nil
}

// SetPermissionStatus transitions a permission's status.
func (s *Store) SetPermissionStatus(ctx context.Context, id int64, status rbac.Status) (rbac.Permission, error) {
	perm, err := scanPermission(s.conn.QueryRow(ctx, `
UPDATE permissions SET status = $2, updated_at = NOW()
WHERE id = $1 AND (status <> 3 OR $2::smallint = 3)
RETURNING `+permissionColumns, id, int16(status)))
	if err != nil {
		return rbac.Permission{}, s.refused(ctx, "permissions", id, err)
	}
	return perm, nil
}

// ListPermissions returns one page of permissions and the total match count.
func (s *Store) ListPermissions(ctx context.Context, params rbac.ListParams) ([]rbac.Permission, int, error) {
	query, args, countQuery, countArgs := listQuery("permissions", permissionColumns, "slug", params).Build()
	var total int
	if err := s.conn.QueryRow(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, classify("count permissions", err)
	}
	rows, err := s.conn.Query(ctx, query, args...)
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
	return s.upsertEdge(ctx, userRoleEdge, userID, roleID, status)
}

// SetRolePermission upserts the Role–Permission edge.
func (s *Store) SetRolePermission(ctx context.Context, roleID, permissionID int64, status rbac.Status) error {
	return s.upsertEdge(ctx, rolePermissionEdge, roleID, permissionID, status)
}

type edge struct {
	table       string
	leftTable   string
	rightTable  string
	leftColumn  string
	rightColumn string
}

var (
	userRoleEdge       = edge{"role_user", "users", "roles", "user_id", "role_id"}
	rolePermissionEdge = edge{"permission_role", "roles", "permissions", "role_id", "permission_id"}
)

func (s *Store) upsertEdge(ctx context.Context, e edge, leftID, rightID int64, status rbac.Status) error {
	err := db.WithTx(ctx, s.conn, func(tx pgx.Tx) error {
		// FOR SHARE keeps both endpoints from disappearing under the insert.
		for _, ref := range []struct {
			table string
			id    int64
		}{{e.leftTable, leftID}, {e.rightTable, rightID}} {
			var one int
			if err := tx.QueryRow(ctx, `SELECT 1 FROM `+ref.table+` WHERE id = $1 FOR SHARE`, ref.id).Scan(&one); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx, `
INSERT INTO `+e.table+` (`+e.leftColumn+`, `+e.rightColumn+`, status)
VALUES ($1, $2, $3)
ON CONFLICT (`+e.leftColumn+`, `+e.rightColumn+`) DO UPDATE SET status = EXCLUDED.status, updated_at = NOW()`,
			leftID, rightID, int16(status))
		return err
	})
	if err != nil {
		return classify("set "+e.table, err)
	}
	return nil
}

// refused distinguishes a missing row from a refused transition out of deleted
// after a conditional UPDATE ... RETURNING matched nothing.
func (s *Store) refused(ctx context.Context, table string, id int64, err error) error {
	if !isNoRows(err) {
		return classify("update "+table, err)
	}
	var one int
	if err := s.conn.QueryRow(ctx, `SELECT 1 FROM `+table+` WHERE id = $1`, id).Scan(&one); err != nil {
		return classify("lookup "+table, err)
	}
	return fmt.Errorf("pgstore: %s %d: %w: deleted records cannot change status", table, id, rbac.ErrValidation)
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func listQuery(table, columns, searchColumn string, params rbac.ListParams) sqlq.ListQuery {
	q := sqlq.ListQuery{
		Dialect:      sqlq.Postgres,
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
