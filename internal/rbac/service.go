package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"homebase.io/internal/audit"
	"homebase.io/internal/obs"
)

const (
	auditUserRoles       = "user_roles"
	auditRolePermissions = "role_permissions"
)

// Service answers role and permission questions over a Store.
type Service struct {
	store   Store
	auditor audit.Recorder
	cache   *expirable.LRU[string, []string]
	now     func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClock overrides the time used to evaluate grant expiry.
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithAuditor records grants and revocations.
func WithAuditor(a audit.Recorder) ServiceOption {
	return func(s *Service) {
		s.auditor = a
	}
}

// WithPermissionCache caches role->permission sets. User->role edges are
// always read from the store.
func WithPermissionCache(size int, ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if size > 0 && ttl > 0 {
			s.cache = expirable.NewLRU[string, []string](size, nil, ttl)
		}
	}
}

func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("rbac store is required")
	}
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// EnsureBuiltins seeds the builtin roles, permissions and role permissions.
// Safe to run repeatedly.
func (s *Service) EnsureBuiltins(ctx context.Context) error {
	for _, role := range BuiltinRoles {
		if err := s.store.EnsureRole(ctx, role); err != nil {
			return fmt.Errorf("seed role %s: %w", role.Name, err)
		}
	}
	for _, perm := range BuiltinPermissions() {
		if err := s.store.EnsurePermission(ctx, perm); err != nil {
			return fmt.Errorf("seed permission %s: %w", perm.Name, err)
		}
	}
	for role, perms := range BuiltinRolePermissions {
		for _, perm := range perms {
			if _, err := s.store.AddRolePermission(ctx, role, perm); err != nil {
				return fmt.Errorf("seed %s -> %s: %w", role, perm, err)
			}
		}
		s.invalidate(role)
	}
	return nil
}

// GrantRole gives userID the named role. Granting a role the user already
// holds unexpired changes nothing; an expired or absent edge is replaced.
func (s *Service) GrantRole(ctx context.Context, userID, roleName, grantedBy string, expiresAt *time.Time) error {
	userID = strings.TrimSpace(userID)
	roleName = normalizeName(roleName)
	grantedBy = strings.TrimSpace(grantedBy)
	if userID == "" || roleName == "" {
		return fmt.Errorf("%w: user_id and role are required", ErrInvalidInput)
	}
	if grantedBy == "" {
		return fmt.Errorf("%w: granted_by is required", ErrInvalidInput)
	}
	now := s.now().UTC()
	if expiresAt != nil {
		exp := expiresAt.UTC()
		if !exp.After(now) {
			return fmt.Errorf("%w: expires_at must be in the future", ErrInvalidInput)
		}
		expiresAt = &exp
	}
	if _, err := s.store.FindRole(ctx, roleName); err != nil {
		return err
	}
	changed, err := s.store.UpsertUserGrant(ctx, Grant{
		UserID:    userID,
		RoleName:  roleName,
		GrantedBy: grantedBy,
		GrantedAt: now,
		ExpiresAt: expiresAt,
	}, now)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	obs.Logger().InfoContext(ctx, "role granted",
		slog.String("user_id", userID),
		slog.String("role", roleName),
		slog.String("granted_by", grantedBy),
	)
	detail := "role=" + roleName
	if expiresAt != nil {
		detail += " expires_at=" + expiresAt.Format(time.RFC3339)
	}
	return s.record(ctx, grantedBy, audit.ActionRoleGranted, auditUserRoles, userID, detail)
}

// RevokeRole removes the edge. Revoking a role that is not held is a no-op.
func (s *Service) RevokeRole(ctx context.Context, userID, roleName, revokedBy string) error {
	userID = strings.TrimSpace(userID)
	roleName = normalizeName(roleName)
	if userID == "" || roleName == "" {
		return fmt.Errorf("%w: user_id and role are required", ErrInvalidInput)
	}
	wasActive, err := s.store.DeleteUserGrant(ctx, userID, roleName, s.now().UTC())
	if err != nil {
		return err
	}
	if !wasActive {
		return nil
	}
	actor := strings.TrimSpace(revokedBy)
	if actor == "" {
		actor = userID
	}
	return s.record(ctx, actor, audit.ActionRoleRevoked, auditUserRoles, userID, "role="+roleName)
}

// HasRole reports whether userID holds roleName unexpired, or holds the
// superuser role.
func (s *Service) HasRole(ctx context.Context, userID, roleName string) (bool, error) {
	userID = strings.TrimSpace(userID)
	roleName = normalizeName(roleName)
	if userID == "" || roleName == "" {
		return false, nil
	}
	now := s.now().UTC()
	super, err := s.store.HasActiveSuperuserGrant(ctx, userID, now)
	if err != nil || super {
		return super, err
	}
	return s.store.HasActiveGrant(ctx, userID, roleName, now)
}

// HasPermission reports whether any unexpired role of userID carries
// permission. Superusers hold every permission, including unknown ones.
func (s *Service) HasPermission(ctx context.Context, userID, permission string) (bool, error) {
	userID = strings.TrimSpace(userID)
	permission = normalizeName(permission)
	if userID == "" || permission == "" {
		return false, nil
	}
	now := s.now().UTC()
	super, err := s.store.HasActiveSuperuserGrant(ctx, userID, now)
	if err != nil || super {
		return super, err
	}
	perms, err := s.permissionsFor(ctx, userID, now)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p == permission {
			return true, nil
		}
	}
	return false, nil
}

// ListRoles returns the unexpired grants of userID.
func (s *Service) ListRoles(ctx context.Context, userID string) ([]Grant, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return []Grant{}, nil
	}
	grants, err := s.store.ActiveGrants(ctx, userID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if grants == nil {
		grants = []Grant{}
	}
	return grants, nil
}

// ListPermissions returns the distinct permissions userID holds, sorted.
// For a superuser that is the whole catalog.
func (s *Service) ListPermissions(ctx context.Context, userID string) ([]string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return []string{}, nil
	}
	now := s.now().UTC()
	super, err := s.store.HasActiveSuperuserGrant(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	if super {
		catalog, err := s.store.ListPermissionCatalog(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]string, 0, len(catalog))
		for _, p := range catalog {
			out = append(out, p.Name)
		}
		sort.Strings(out)
		return out, nil
	}
	return s.permissionsFor(ctx, userID, now)
}

// GrantPermission adds permission to roleName. Only a superuser may do it;
// an existing edge is left as is.
func (s *Service) GrantPermission(ctx context.Context, roleName, permission, grantedBy string) error {
	roleName = normalizeName(roleName)
	permission = normalizeName(permission)
	grantedBy = strings.TrimSpace(grantedBy)
	if roleName == "" || permission == "" || grantedBy == "" {
		return fmt.Errorf("%w: role, permission and granted_by are required", ErrInvalidInput)
	}
	super, err := s.store.HasActiveSuperuserGrant(ctx, grantedBy, s.now().UTC())
	if err != nil {
		return err
	}
	if !super {
		return fmt.Errorf("%w: only an owner may change role permissions", ErrForbidden)
	}
	created, err := s.store.AddRolePermission(ctx, roleName, permission)
	if err != nil {
		return err
	}
	s.invalidate(roleName)
	if !created {
		return nil
	}
	return s.record(ctx, grantedBy, audit.ActionPermissionGranted, auditRolePermissions, roleName, "permission="+permission)
}

// Catalog is the full set of roles and permissions.
type Catalog struct {
	Roles           []Role              `json:"roles"`
	Permissions     []Permission        `json:"permissions"`
	RolePermissions map[string][]string `json:"role_permissions"`
}

func (s *Service) ListCatalog(ctx context.Context) (Catalog, error) {
	roles, err := s.store.ListRoleCatalog(ctx)
	if err != nil {
		return Catalog{}, err
	}
	perms, err := s.store.ListPermissionCatalog(ctx)
	if err != nil {
		return Catalog{}, err
	}
	cat := Catalog{Roles: roles, Permissions: perms, RolePermissions: make(map[string][]string, len(roles))}
	for _, r := range roles {
		rp, err := s.rolePermissions(ctx, r.Name)
		if err != nil {
			return Catalog{}, err
		}
		cat.RolePermissions[r.Name] = rp
	}
	return cat, nil
}

func (s *Service) permissionsFor(ctx context.Context, userID string, now time.Time) ([]string, error) {
	if s.cache == nil {
		perms, err := s.store.GrantedPermissions(ctx, userID, now)
		if err != nil {
			return nil, err
		}
		if perms == nil {
			perms = []string{}
		}
		return perms, nil
	}
	grants, err := s.store.ActiveGrants(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, g := range grants {
		rp, err := s.rolePermissions(ctx, g.RoleName)
		if err != nil {
			return nil, err
		}
		for _, p := range rp {
			seen[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Service) rolePermissions(ctx context.Context, roleName string) ([]string, error) {
	if s.cache != nil {
		if perms, ok := s.cache.Get(roleName); ok {
			return perms, nil
		}
	}
	perms, err := s.store.RolePermissions(ctx, roleName)
	if err != nil {
		return nil, err
	}
	if perms == nil {
		perms = []string{}
	}
	if s.cache != nil {
		s.cache.Add(roleName, perms)
	}
	return perms, nil
}

func (s *Service) invalidate(roleName string) {
	if s.cache != nil {
		s.cache.Remove(roleName)
	}
}

func (s *Service) record(ctx context.Context, actorID, action, resource, resourceID, detail string) error {
	if s.auditor == nil {
		return nil
	}
	_, err := s.auditor.Record(ctx, actorID, action, resource, resourceID, detail)
	return err
}
