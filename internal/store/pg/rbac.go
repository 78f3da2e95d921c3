package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"homebase.io/internal/rbac"
)

var _ rbac.Store = (*Store)(nil)

func (s *Store) EnsureRole(ctx context.Context, r rbac.Role) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into roles (name, description, is_superuser)
		values ($1, $2, $3)
		on conflict (name) do update
		set description = excluded.description,
		    is_superuser = excluded.is_superuser
	`, r.Name, r.Description, r.IsSuperuser)
	return err
}

func (s *Store) EnsurePermission(ctx context.Context, p rbac.Permission) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into permissions (name, resource, action, description)
		values ($1, $2, $3, $4)
		on conflict (name) do update
		set description = excluded.description
	`, p.Name, p.Resource, p.Action, p.Description)
	return err
}

func (s *Store) FindRole(ctx context.Context, name string) (rbac.Role, error) {
	if s.db == nil {
		return rbac.Role{}, errNoDB
	}
	var r rbac.Role
	err := s.db.QueryRowContext(ctx, `
		select name, description, is_superuser, created_at
		from roles
		where name = $1
	`, name).Scan(&r.Name, &r.Description, &r.IsSuperuser, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Role{}, rbac.ErrNotFound
	}
	if err != nil {
		return rbac.Role{}, err
	}
	return r, nil
}

func (s *Store) ListRoleCatalog(ctx context.Context) ([]rbac.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select name, description, is_superuser, created_at
		from roles
		order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []rbac.Role{}
	for rows.Next() {
		var r rbac.Role
		if err := rows.Scan(&r.Name, &r.Description, &r.IsSuperuser, &r.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *Store) ListPermissionCatalog(ctx context.Context) ([]rbac.Permission, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select name, resource, action, description
		from permissions
		order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []rbac.Permission{}
	for rows.Next() {
		var p rbac.Permission
		if err := rows.Scan(&p.Name, &p.Resource, &p.Action, &p.Description); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *Store) AddRolePermission(ctx context.Context, roleName, permissionName string) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		insert into role_permissions (role_name, permission_name)
		values ($1, $2)
		on conflict do nothing
	`, roleName, permissionName)
	if isPgCode(err, pgErrForeignKeyViolation) {
		return false, rbac.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) RolePermissions(ctx context.Context, roleName string) ([]string, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	return s.queryStrings(ctx, `
		select permission_name
		from role_permissions
		where role_name = $1
		order by permission_name
	`, roleName)
}

// UpsertUserGrant only overwrites an edge that has already expired, so a
// concurrent re-grant of an active role stays a no-op.
func (s *Store) UpsertUserGrant(ctx context.Context, g rbac.Grant, now time.Time) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		insert into user_roles (user_id, role_name, granted_by, granted_at, expires_at)
		values ($1, $2, $3, $4, $5)
		on conflict (user_id, role_name) do update
		set granted_by = excluded.granted_by,
		    granted_at = excluded.granted_at,
		    expires_at = excluded.expires_at
		where user_roles.expires_at is not null and user_roles.expires_at <= $6
	`, g.UserID, g.RoleName, g.GrantedBy, g.GrantedAt, nullTime(g.ExpiresAt), now)
	if isPgCode(err, pgErrForeignKeyViolation) {
		return false, rbac.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) DeleteUserGrant(ctx context.Context, userID, roleName string, now time.Time) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	var active bool
	err := s.db.QueryRowContext(ctx, `
		delete from user_roles
		where user_id = $1 and role_name = $2
		returning (expires_at is null or expires_at > $3)
	`, userID, roleName, now).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return active, nil
}

func (s *Store) HasActiveGrant(ctx context.Context, userID, roleName string, now time.Time) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		select exists (
			select 1 from user_roles
			where user_id = $1 and role_name = $2
			  and (expires_at is null or expires_at > $3)
		)
	`, userID, roleName, now).Scan(&ok)
	return ok, err
}

func (s *Store) HasActiveSuperuserGrant(ctx context.Context, userID string, now time.Time) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		select exists (
			select 1
			from user_roles ur
			join roles r on r.name = ur.role_name
			where ur.user_id = $1 and r.is_superuser
			  and (ur.expires_at is null or ur.expires_at > $2)
		)
	`, userID, now).Scan(&ok)
	return ok, err
}

func (s *Store) ActiveGrants(ctx context.Context, userID string, now time.Time) ([]rbac.Grant, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select user_id, role_name, granted_by, granted_at, expires_at
		from user_roles
		where user_id = $1 and (expires_at is null or expires_at > $2)
		order by role_name
	`, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []rbac.Grant{}
	for rows.Next() {
		var (
			g   rbac.Grant
			exp sql.NullTime
		)
		if err := rows.Scan(&g.UserID, &g.RoleName, &g.GrantedBy, &g.GrantedAt, &exp); err != nil {
			return nil, err
		}
		g.ExpiresAt = timePtr(exp)
		result = append(result, g)
	}
	return result, rows.Err()
}

func (s *Store) GrantedPermissions(ctx context.Context, userID string, now time.Time) ([]string, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	return s.queryStrings(ctx, `
		select distinct rp.permission_name
		from user_roles ur
		join role_permissions rp on rp.role_name = ur.role_name
		where ur.user_id = $1 and (ur.expires_at is null or ur.expires_at > $2)
		order by rp.permission_name
	`, userID, now)
}

func (s *Store) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}
