package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"homebase.io/internal/audit"
)

var _ audit.Store = (*Store)(nil)

func (s *Store) AppendAudit(ctx context.Context, e audit.Entry) error {
	if s.db == nil {
		return errNoDB
	}
	return insertAudit(ctx, s.db, e)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// insertAudit writes e through db or through the transaction that also
// carries the change it records.
func insertAudit(ctx context.Context, db execer, e audit.Entry) error {
	_, err := db.ExecContext(ctx, `
		insert into audit_log (id, actor_id, action, resource, resource_id, detail, ip, user_agent, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.ActorID, e.Action, e.Resource,
		nullIfEmpty(e.ResourceID), nullIfEmpty(e.Detail), nullIfEmpty(e.IP), nullIfEmpty(e.UserAgent),
		e.CreatedAt)
	return err
}

func (s *Store) QueryAudit(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		where []string
		args  []any
	)
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("actor_id", f.ActorID)
	add("action", f.Action)
	add("resource", f.Resource)

	query := `
		select id, actor_id, action, resource,
		       coalesce(resource_id, ''), coalesce(detail, ''), coalesce(ip, ''), coalesce(user_agent, ''),
		       created_at
		from audit_log`
	if len(where) > 0 {
		query += "\n\t\twhere " + strings.Join(where, " and ")
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf("\n\t\torder by created_at desc, id desc\n\t\tlimit $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []audit.Entry{}
	for rows.Next() {
		var e audit.Entry
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.Resource,
			&e.ResourceID, &e.Detail, &e.IP, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) SummarizeAudit(ctx context.Context, actorID string, since time.Time) ([]audit.ActionSummary, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select action, count(*), max(created_at)
		from audit_log
		where actor_id = $1 and created_at >= $2
		group by action
		order by count(*) desc, action
	`, actorID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []audit.ActionSummary{}
	for rows.Next() {
		var sum audit.ActionSummary
		if err := rows.Scan(&sum.Action, &sum.Count, &sum.LastSeen); err != nil {
			return nil, err
		}
		result = append(result, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
