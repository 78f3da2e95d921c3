package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"homebase.io/internal/audit"
	"homebase.io/internal/impersonation"
)

var _ impersonation.Store = (*Store)(nil)

// CreateImpersonation relies on the partial unique index on open sessions
// per admin.
func (s *Store) CreateImpersonation(ctx context.Context, sess impersonation.Session, entry audit.Entry) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		insert into impersonation_sessions (id, admin_id, target_id, reason, started_at, ip)
		values ($1, $2, $3, $4, $5, $6)
	`, sess.ID, sess.AdminID, sess.TargetID, nullIfEmpty(sess.Reason), sess.StartedAt, nullIfEmpty(sess.IP))
	switch {
	case isPgCode(err, pgErrUniqueViolation):
		return impersonation.ErrSessionActive
	case isPgCode(err, pgErrForeignKeyViolation):
		return impersonation.ErrNotFound
	case err != nil:
		return err
	}
	if err := insertAudit(ctx, tx, entry); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return tx.Commit()
}

func (s *Store) EndImpersonation(ctx context.Context, id, adminID string, at time.Time, entry impersonation.EndEntry) (time.Time, bool, error) {
	if s.db == nil {
		return time.Time{}, false, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return time.Time{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var started time.Time
	err = tx.QueryRowContext(ctx, `
		update impersonation_sessions
		set ended_at = $3
		where id = $1 and admin_id = $2 and ended_at is null
		returning started_at
	`, id, adminID, at).Scan(&started)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	e, err := entry(started)
	if err != nil {
		return time.Time{}, false, err
	}
	if err := insertAudit(ctx, tx, e); err != nil {
		return time.Time{}, false, fmt.Errorf("append audit entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return time.Time{}, false, err
	}
	return started, true, nil
}

func (s *Store) FindOpenImpersonation(ctx context.Context, id, adminID string) (impersonation.Session, bool, error) {
	if s.db == nil {
		return impersonation.Session{}, false, errNoDB
	}
	var sess impersonation.Session
	err := s.db.QueryRowContext(ctx, `
		select id, admin_id, target_id, coalesce(reason, ''), started_at, coalesce(ip, '')
		from impersonation_sessions
		where id = $1 and admin_id = $2 and ended_at is null
	`, id, adminID).Scan(&sess.ID, &sess.AdminID, &sess.TargetID, &sess.Reason, &sess.StartedAt, &sess.IP)
	if errors.Is(err, sql.ErrNoRows) {
		return impersonation.Session{}, false, nil
	}
	if err != nil {
		return impersonation.Session{}, false, err
	}
	return sess, true, nil
}

func (s *Store) ListActiveImpersonations(ctx context.Context, adminID string) ([]impersonation.Session, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select s.id, s.admin_id, s.target_id, coalesce(s.reason, ''), s.started_at, coalesce(s.ip, ''),
		       a.email, a.display_name, t.email, t.display_name
		from impersonation_sessions s
		join users a on a.id = s.admin_id
		join users t on t.id = s.target_id
		where s.ended_at is null and ($1 = '' or s.admin_id = $1)
		order by s.started_at desc, s.id desc
	`, adminID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []impersonation.Session{}
	for rows.Next() {
		var sess impersonation.Session
		if err := rows.Scan(&sess.ID, &sess.AdminID, &sess.TargetID, &sess.Reason, &sess.StartedAt, &sess.IP,
			&sess.AdminEmail, &sess.AdminName, &sess.TargetEmail, &sess.TargetName); err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}
