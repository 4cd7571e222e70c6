package rbac

import (
	"strings"
	"time"
)

// Status is the lifecycle flag shared by entities and assignment edges.
type Status int16

const (
	StatusActive   Status = 1
	StatusInactive Status = 2
	StatusDeleted  Status = 3
)

// Valid reports whether s is a known status code.
func (s Status) Valid() bool {
	return s >= StatusActive && s <= StatusDeleted
}

// String returns the display label for the status.
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusInactive:
		return "inactive"
	case StatusDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// ParseStatus accepts either the numeric code or the label.
func ParseStatus(raw string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "active":
		return StatusActive, true
	case "2", "inactive":
		return StatusInactive, true
	case "3", "deleted":
		return StatusDeleted, true
	}
	return 0, false
}

// CanTransition reports whether an entity may move from s to next.
// Deleted is terminal.
func (s Status) CanTransition(next Status) bool {
	if !next.Valid() {
		return false
	}
	if s == StatusDeleted {
		return next == StatusDeleted
	}
	return true
}

// DefaultRoleName is reported for users without an active role.
const DefaultRoleName = "customer"

// User is a principal that can be granted roles.
type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Role represents a high-level permission grouping.
type Role struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Permission represents an atomic capability keyed by slug.
type Permission struct {
	ID          int64     `json:"id"`
	Slug        string    `json:"slug"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RoleAssignment is a User–Role edge joined with the role it points to.
type RoleAssignment struct {
	Role       Role      `json:"role"`
	EdgeStatus Status    `json:"edge_status"`
	AssignedAt time.Time `json:"assigned_at"`
}

// PermissionAssignment is a Role–Permission edge joined with its permission.
type PermissionAssignment struct {
	Permission Permission `json:"permission"`
	EdgeStatus Status     `json:"edge_status"`
	AssignedAt time.Time  `json:"assigned_at"`
}

// Identity is the session-authenticated principal supplied by the session layer.
type Identity struct {
	UserID int64  `json:"id"`
	Email  string `json:"email"`
}
