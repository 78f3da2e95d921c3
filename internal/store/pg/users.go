package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"homebase.io/internal/directory"
)

var _ directory.Store = (*Store)(nil)

func (s *Store) CreateUser(ctx context.Context, u directory.User) (directory.User, error) {
	if s.db == nil {
		return directory.User{}, errNoDB
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into users (id, email, display_name, primary_role, created_at)
		values ($1, $2, $3, $4, $5)
	`, u.ID, u.Email, u.DisplayName, string(u.PrimaryRole), u.CreatedAt)
	if isPgCode(err, pgErrUniqueViolation) {
		return directory.User{}, directory.ErrConflict
	}
	if err != nil {
		return directory.User{}, err
	}
	return u, nil
}

func (s *Store) FindUser(ctx context.Context, id string) (directory.User, error) {
	if s.db == nil {
		return directory.User{}, errNoDB
	}
	var (
		u    directory.User
		role string
	)
	err := s.db.QueryRowContext(ctx, `
		select id, email, display_name, primary_role, created_at
		from users
		where id = $1
	`, id).Scan(&u.ID, &u.Email, &u.DisplayName, &role, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return directory.User{}, directory.ErrNotFound
	}
	if err != nil {
		return directory.User{}, err
	}
	u.PrimaryRole = directory.PrimaryRole(role)
	return u, nil
}
