package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"homebase.io/internal/mfa"
)

var _ mfa.Store = (*Store)(nil)

func (s *Store) ReplaceMFA(ctx context.Context, m mfa.Setting) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into mfa_settings (user_id, method, secret, backup_codes, enabled, disabled_at, created_at, updated_at)
		values ($1, $2, $3, $4, $5, null, $6, $7)
		on conflict (user_id) do update
		set method = excluded.method,
		    secret = excluded.secret,
		    backup_codes = excluded.backup_codes,
		    enabled = excluded.enabled,
		    disabled_at = null,
		    updated_at = excluded.updated_at
	`, m.UserID, m.Method, m.SealedSecret, joinCodes(m.BackupCodes), m.Enabled, m.CreatedAt, m.UpdatedAt)
	return err
}

func (s *Store) FindMFA(ctx context.Context, userID string) (mfa.Setting, error) {
	if s.db == nil {
		return mfa.Setting{}, errNoDB
	}
	var (
		m        mfa.Setting
		codes    string
		disabled sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select user_id, method, secret, backup_codes, enabled, disabled_at, created_at, updated_at
		from mfa_settings
		where user_id = $1
	`, userID).Scan(&m.UserID, &m.Method, &m.SealedSecret, &codes, &m.Enabled, &disabled, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return mfa.Setting{}, mfa.ErrNotFound
	}
	if err != nil {
		return mfa.Setting{}, err
	}
	m.BackupCodes = splitCodes(codes)
	m.DisabledAt = timePtr(disabled)
	return m, nil
}

func (s *Store) UpdateMFAEnabled(ctx context.Context, userID string, enabled bool, at time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update mfa_settings
		set enabled = $2,
		    disabled_at = case when $2::boolean then null else $3::timestamptz end,
		    updated_at = $3
		where user_id = $1
	`, userID, enabled, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return mfa.ErrNotFound
	}
	return nil
}

func (s *Store) SwapBackupCodes(ctx context.Context, userID string, expected, next []string, at time.Time) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update mfa_settings
		set backup_codes = $3, updated_at = $4
		where user_id = $1 and backup_codes = $2
	`, userID, joinCodes(expected), joinCodes(next), at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
