package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"homebase.io/internal/directory"
	"homebase.io/internal/relationship"
)

var _ relationship.Store = (*Store)(nil)

const relationshipColumns = `homeowner_id, professional_id, professional_role, status, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRelationship(row scanner) (relationship.Relationship, error) {
	var (
		rel          relationship.Relationship
		role, status string
	)
	if err := row.Scan(&rel.HomeownerID, &rel.ProfessionalID, &role, &status, &rel.CreatedAt, &rel.UpdatedAt); err != nil {
		return relationship.Relationship{}, err
	}
	rel.ProfessionalRole = directory.PrimaryRole(role)
	rel.Status = relationship.Status(status)
	return rel, nil
}

func (s *Store) UpsertRelationship(ctx context.Context, rel relationship.Relationship) (relationship.Relationship, error) {
	if s.db == nil {
		return relationship.Relationship{}, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `
		insert into client_relationships (`+relationshipColumns+`)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (homeowner_id, professional_id, professional_role) do update
		set status = excluded.status,
		    updated_at = excluded.updated_at
		returning `+relationshipColumns,
		rel.HomeownerID, rel.ProfessionalID, string(rel.ProfessionalRole), string(rel.Status), rel.CreatedAt, rel.UpdatedAt)
	return scanRelationship(row)
}

func (s *Store) UpdateRelationshipStatus(ctx context.Context, homeownerID, professionalID string, role directory.PrimaryRole, status relationship.Status, at time.Time) (relationship.Relationship, error) {
	if s.db == nil {
		return relationship.Relationship{}, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `
		update client_relationships
		set status = $4, updated_at = $5
		where homeowner_id = $1 and professional_id = $2 and professional_role = $3
		returning `+relationshipColumns,
		homeownerID, professionalID, string(role), string(status), at)
	rel, err := scanRelationship(row)
	if errors.Is(err, sql.ErrNoRows) {
		return relationship.Relationship{}, relationship.ErrNotFound
	}
	return rel, err
}

func (s *Store) FindRelationship(ctx context.Context, homeownerID, professionalID string, role directory.PrimaryRole) (relationship.Relationship, error) {
	if s.db == nil {
		return relationship.Relationship{}, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `
		select `+relationshipColumns+`
		from client_relationships
		where homeowner_id = $1 and professional_id = $2 and professional_role = $3
	`, homeownerID, professionalID, string(role))
	rel, err := scanRelationship(row)
	if errors.Is(err, sql.ErrNoRows) {
		return relationship.Relationship{}, relationship.ErrNotFound
	}
	return rel, err
}

func (s *Store) ListRelationships(ctx context.Context, f relationship.Filter) ([]relationship.Relationship, error) {
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
	add("homeowner_id", f.HomeownerID)
	add("professional_id", f.ProfessionalID)
	add("status", string(f.Status))

	query := `select ` + relationshipColumns + ` from client_relationships`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	query += " order by created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []relationship.Relationship{}
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rel)
	}
	return result, rows.Err()
}
