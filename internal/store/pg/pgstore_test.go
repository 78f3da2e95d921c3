package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"homebase.io/internal/audit"
	"homebase.io/internal/directory"
	"homebase.io/internal/impersonation"
	"homebase.io/internal/mfa"
	"homebase.io/internal/rbac"
	"homebase.io/internal/relationship"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return New(db), mock
}

var now = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

func TestUpsertUserGrantNoopWhenActive(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("insert into user_roles .* on conflict \\(user_id, role_name\\) do update .* where user_roles.expires_at is not null and user_roles.expires_at <= \\$6").
		WithArgs("u1", "admin", "root", now, sql.NullTime{}, now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	changed, err := s.UpsertUserGrant(context.Background(), rbac.Grant{UserID: "u1", RoleName: "admin", GrantedBy: "root", GrantedAt: now}, now)
	if err != nil {
		t.Fatalf("UpsertUserGrant: %v", err)
	}
	if changed {
		t.Fatalf("expected no change for an active edge")
	}
}

func TestUpsertUserGrantUnknownRole(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("insert into user_roles").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})

	_, err := s.UpsertUserGrant(context.Background(), rbac.Grant{UserID: "u1", RoleName: "wizard", GrantedBy: "root", GrantedAt: now}, now)
	if !errors.Is(err, rbac.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteUserGrant(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("delete from user_roles .* returning").
		WithArgs("u1", "admin", now).
		WillReturnRows(sqlmock.NewRows([]string{"active"}).AddRow(true))
	mock.ExpectQuery("delete from user_roles").
		WithArgs("u1", "admin", now).
		WillReturnError(sql.ErrNoRows)

	ok, err := s.DeleteUserGrant(context.Background(), "u1", "admin", now)
	if err != nil || !ok {
		t.Fatalf("first delete: ok=%v err=%v", ok, err)
	}
	ok, err = s.DeleteUserGrant(context.Background(), "u1", "admin", now)
	if err != nil || ok {
		t.Fatalf("second delete: ok=%v err=%v", ok, err)
	}
}

func TestActiveGrantsScansExpiry(t *testing.T) {
	s, mock := newMock(t)
	exp := now.Add(time.Hour)
	mock.ExpectQuery("select user_id, role_name, granted_by, granted_at, expires_at from user_roles").
		WithArgs("u1", now).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "role_name", "granted_by", "granted_at", "expires_at"}).
			AddRow("u1", "admin", "root", now, exp).
			AddRow("u1", "support", "root", now, nil))

	grants, err := s.ActiveGrants(context.Background(), "u1", now)
	if err != nil {
		t.Fatalf("ActiveGrants: %v", err)
	}
	if len(grants) != 2 {
		t.Fatalf("expected 2 grants, got %d", len(grants))
	}
	if grants[0].ExpiresAt == nil || !grants[0].ExpiresAt.Equal(exp) {
		t.Fatalf("unexpected expiry %v", grants[0].ExpiresAt)
	}
	if grants[1].ExpiresAt != nil {
		t.Fatalf("expected no expiry for support grant")
	}
}

func TestHasActiveSuperuserGrant(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select exists .* join roles r on r.name = ur.role_name .* r.is_superuser").
		WithArgs("boss", now).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := s.HasActiveSuperuserGrant(context.Background(), "boss", now)
	if err != nil || !ok {
		t.Fatalf("expected superuser, ok=%v err=%v", ok, err)
	}
}

func TestAddRolePermission(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("insert into role_permissions .* on conflict do nothing").
		WithArgs("agent", "clients.manage").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into role_permissions").
		WithArgs("agent", "clients.manage").
		WillReturnResult(sqlmock.NewResult(0, 0))

	created, err := s.AddRolePermission(context.Background(), "agent", "clients.manage")
	if err != nil || !created {
		t.Fatalf("first add: created=%v err=%v", created, err)
	}
	created, err = s.AddRolePermission(context.Background(), "agent", "clients.manage")
	if err != nil || created {
		t.Fatalf("duplicate add: created=%v err=%v", created, err)
	}
}

func TestQueryAuditBuildsFilters(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from audit_log\\s+where actor_id = \\$1 and action = \\$2\\s+order by created_at desc, id desc\\s+limit \\$3").
		WithArgs("u1", audit.ActionMFAFailed, 50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "actor_id", "action", "resource", "resource_id", "detail", "ip", "user_agent", "created_at"}).
			AddRow("01J0000000000000000000000A", "u1", audit.ActionMFAFailed, "mfa", "u1", "method=totp", "", "", now))

	entries, err := s.QueryAudit(context.Background(), audit.Filter{ActorID: "u1", Action: audit.ActionMFAFailed, Limit: 50})
	if err != nil {
		t.Fatalf("QueryAudit: %v", err)
	}
	if len(entries) != 1 || entries[0].Detail != "method=totp" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestAppendAuditStoresNulls(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("insert into audit_log").
		WithArgs("id1", "u1", audit.ActionRoleRevoked, "user_roles",
			sql.NullString{}, sql.NullString{}, sql.NullString{}, sql.NullString{}, now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.AppendAudit(context.Background(), audit.Entry{ID: "id1", ActorID: "u1", Action: audit.ActionRoleRevoked, Resource: "user_roles", CreatedAt: now})
	if err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
}

func TestSwapBackupCodesIsConditional(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("update mfa_settings\\s+set backup_codes = \\$3, updated_at = \\$4\\s+where user_id = \\$1 and backup_codes = \\$2").
		WithArgs("u1", "h1,h2", "h2", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.SwapBackupCodes(context.Background(), "u1", []string{"h1", "h2"}, []string{"h2"}, now)
	if err != nil {
		t.Fatalf("SwapBackupCodes: %v", err)
	}
	if ok {
		t.Fatalf("expected lost race to report false")
	}
}

func TestFindMFA(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from mfa_settings").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "method", "secret", "backup_codes", "enabled", "disabled_at", "created_at", "updated_at"}).
			AddRow("u1", "totp", "sealed", "h1,h2,h3", false, now, now, now))
	mock.ExpectQuery("from mfa_settings").
		WithArgs("u2").
		WillReturnError(sql.ErrNoRows)

	m, err := s.FindMFA(context.Background(), "u1")
	if err != nil {
		t.Fatalf("FindMFA: %v", err)
	}
	if len(m.BackupCodes) != 3 || m.State() != mfa.StateDisabled {
		t.Fatalf("unexpected setting: %+v", m)
	}
	if _, err := s.FindMFA(context.Background(), "u2"); !errors.Is(err, mfa.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateMFAEnabledMissingRow(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("update mfa_settings").
		WithArgs("u1", true, now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.UpdateMFAEnabled(context.Background(), "u1", true, now); !errors.Is(err, mfa.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateImpersonationSecondActive(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("insert into impersonation_sessions").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	err := s.CreateImpersonation(context.Background(), impersonation.Session{ID: "s2", AdminID: "a", TargetID: "t", StartedAt: now}, startedEntry())
	if !errors.Is(err, impersonation.ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
}

func startedEntry() audit.Entry {
	return audit.Entry{ID: "e1", ActorID: "a", Action: audit.ActionImpersonationStarted, Resource: "impersonation_sessions", ResourceID: "s1", CreatedAt: now}
}

func TestCreateImpersonationWritesAuditInSameTx(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("insert into impersonation_sessions").
		WithArgs("s1", "a", "t", sql.NullString{}, now, sql.NullString{}).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into audit_log").
		WithArgs("e1", "a", audit.ActionImpersonationStarted, "impersonation_sessions",
			sql.NullString{String: "s1", Valid: true}, sql.NullString{}, sql.NullString{}, sql.NullString{}, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.CreateImpersonation(context.Background(), impersonation.Session{ID: "s1", AdminID: "a", TargetID: "t", StartedAt: now}, startedEntry())
	if err != nil {
		t.Fatalf("CreateImpersonation: %v", err)
	}
}

func TestCreateImpersonationRollsBackWhenAuditFails(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("insert into impersonation_sessions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into audit_log").
		WillReturnError(errors.New("audit down"))
	mock.ExpectRollback()

	err := s.CreateImpersonation(context.Background(), impersonation.Session{ID: "s1", AdminID: "a", TargetID: "t", StartedAt: now}, startedEntry())
	if err == nil {
		t.Fatalf("expected audit failure to abort the session")
	}
}

func endedEntry(started time.Time) (audit.Entry, error) {
	return audit.Entry{ID: "e2", ActorID: "a", Action: audit.ActionImpersonationEnded, Resource: "impersonation_sessions",
		ResourceID: "s1", Detail: "duration=" + now.Sub(started).String(), CreatedAt: now}, nil
}

func TestEndImpersonationConditional(t *testing.T) {
	s, mock := newMock(t)
	started := now.Add(-time.Minute)
	mock.ExpectBegin()
	mock.ExpectQuery("update impersonation_sessions\\s+set ended_at = \\$3\\s+where id = \\$1 and admin_id = \\$2 and ended_at is null\\s+returning started_at").
		WithArgs("s1", "a", now).
		WillReturnRows(sqlmock.NewRows([]string{"started_at"}).AddRow(started))
	mock.ExpectExec("insert into audit_log").
		WithArgs("e2", "a", audit.ActionImpersonationEnded, "impersonation_sessions",
			sql.NullString{String: "s1", Valid: true}, sql.NullString{String: "duration=1m0s", Valid: true},
			sql.NullString{}, sql.NullString{}, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectQuery("update impersonation_sessions").
		WithArgs("s1", "a", now).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	got, ok, err := s.EndImpersonation(context.Background(), "s1", "a", now, endedEntry)
	if err != nil || !ok || !got.Equal(started) {
		t.Fatalf("first end: got=%v ok=%v err=%v", got, ok, err)
	}
	_, ok, err = s.EndImpersonation(context.Background(), "s1", "a", now, endedEntry)
	if err != nil || ok {
		t.Fatalf("second end: ok=%v err=%v", ok, err)
	}
}

func TestEndImpersonationRollsBackWhenAuditFails(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("update impersonation_sessions").
		WithArgs("s1", "a", now).
		WillReturnRows(sqlmock.NewRows([]string{"started_at"}).AddRow(now.Add(-time.Minute)))
	mock.ExpectExec("insert into audit_log").
		WillReturnError(errors.New("audit down"))
	mock.ExpectRollback()

	_, ok, err := s.EndImpersonation(context.Background(), "s1", "a", now, endedEntry)
	if err == nil || ok {
		t.Fatalf("expected failure with the session left open: ok=%v err=%v", ok, err)
	}
}

func TestFindOpenImpersonation(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from impersonation_sessions\\s+where id = \\$1 and admin_id = \\$2 and ended_at is null").
		WithArgs("s1", "a").
		WillReturnRows(sqlmock.NewRows([]string{"id", "admin_id", "target_id", "reason", "started_at", "ip"}).
			AddRow("s1", "a", "t", "", now, ""))
	mock.ExpectQuery("from impersonation_sessions").
		WithArgs("s2", "a").
		WillReturnError(sql.ErrNoRows)

	sess, ok, err := s.FindOpenImpersonation(context.Background(), "s1", "a")
	if err != nil || !ok || sess.TargetID != "t" {
		t.Fatalf("open session: %+v ok=%v err=%v", sess, ok, err)
	}
	if _, ok, err := s.FindOpenImpersonation(context.Background(), "s2", "a"); err != nil || ok {
		t.Fatalf("closed session: ok=%v err=%v", ok, err)
	}
}

func TestFindUserNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from users").WithArgs("ghost").WillReturnError(sql.ErrNoRows)
	if _, err := s.FindUser(context.Background(), "ghost"); !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateUserConflict(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("insert into users").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	_, err := s.CreateUser(context.Background(), directory.User{ID: "1", Email: "a@b.com", PrimaryRole: directory.RoleAgent, CreatedAt: now})
	if !errors.Is(err, directory.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestUpdateRelationshipStatusMissing(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("update client_relationships").
		WithArgs("h", "p", "agent", "removed", now).
		WillReturnError(sql.ErrNoRows)

	_, err := s.UpdateRelationshipStatus(context.Background(), "h", "p", directory.RoleAgent, relationship.StatusRemoved, now)
	if !errors.Is(err, relationship.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListRelationshipsFilter(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from client_relationships where homeowner_id = \\$1 and status = \\$2 order by created_at").
		WithArgs("h", "active").
		WillReturnRows(sqlmock.NewRows([]string{"homeowner_id", "professional_id", "professional_role", "status", "created_at", "updated_at"}).
			AddRow("h", "p", "lender", "active", now, now))

	rels, err := s.ListRelationships(context.Background(), relationship.Filter{HomeownerID: "h", Status: relationship.StatusActive})
	if err != nil {
		t.Fatalf("ListRelationships: %v", err)
	}
	if len(rels) != 1 || rels[0].ProfessionalRole != directory.RoleLender {
		t.Fatalf("unexpected relationships: %+v", rels)
	}
}
