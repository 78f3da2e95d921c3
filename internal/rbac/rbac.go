// Package rbac is the permission store: roles, permissions, the edges between
// them, and time-bounded user grants. Expiry is evaluated when a grant is
// read; nothing sweeps expired rows.
package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("rbac: not found")
	ErrInvalidInput = errors.New("rbac: invalid input")
	ErrForbidden    = errors.New("rbac: forbidden")
)

// Role is a named bundle of permissions. IsSuperuser marks the implicit
// superuser role: holding it satisfies every role and permission check.
type Role struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsSuperuser bool      `json:"is_superuser"`
	CreatedAt   time.Time `json:"created_at"`
}

// Permission is an atomic capability named resource.action.
type Permission struct {
	Name        string `json:"name"`
	Resource    string `json:"resource"`
	Action      string `json:"action"`
	Description string `json:"description,omitempty"`
}

// Grant is a user->role edge. A nil ExpiresAt never expires.
type Grant struct {
	UserID    string     `json:"user_id"`
	RoleName  string     `json:"role"`
	GrantedBy string     `json:"granted_by"`
	GrantedAt time.Time  `json:"granted_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ActiveAt reports whether the grant is in force at now. A grant expiring
// exactly at now is expired.
func (g Grant) ActiveAt(now time.Time) bool {
	return g.ExpiresAt == nil || g.ExpiresAt.After(now)
}

// NewPermission builds a Permission from its dotted name.
func NewPermission(name, description string) (Permission, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	resource, action, ok := strings.Cut(name, ".")
	if !ok || resource == "" || action == "" || strings.Contains(action, ".") {
		return Permission{}, fmt.Errorf("%w: permission %q must be resource.action", ErrInvalidInput, name)
	}
	return Permission{Name: name, Resource: resource, Action: action, Description: description}, nil
}

// Store persists the RBAC tables. Methods taking now evaluate expiry
// against it (strictly: expires_at > now).
type Store interface {
	EnsureRole(ctx context.Context, role Role) error
	EnsurePermission(ctx context.Context, perm Permission) error
	FindRole(ctx context.Context, name string) (Role, error)
	ListRoleCatalog(ctx context.Context) ([]Role, error)
	ListPermissionCatalog(ctx context.Context) ([]Permission, error)

	// AddRolePermission creates the edge and reports whether it was new.
	AddRolePermission(ctx context.Context, roleName, permissionName string) (bool, error)
	RolePermissions(ctx context.Context, roleName string) ([]string, error)

	// UpsertUserGrant inserts g, or replaces an existing edge that is no
	// longer active at now. It reports whether anything was written.
	UpsertUserGrant(ctx context.Context, g Grant, now time.Time) (bool, error)
	// DeleteUserGrant removes the edge and reports whether it was active.
	DeleteUserGrant(ctx context.Context, userID, roleName string, now time.Time) (bool, error)
	HasActiveGrant(ctx context.Context, userID, roleName string, now time.Time) (bool, error)
	HasActiveSuperuserGrant(ctx context.Context, userID string, now time.Time) (bool, error)
	ActiveGrants(ctx context.Context, userID string, now time.Time) ([]Grant, error)
	GrantedPermissions(ctx context.Context, userID string, now time.Time) ([]string, error)
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
