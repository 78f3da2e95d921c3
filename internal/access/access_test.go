package access_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"homebase.io/internal/access"
	"homebase.io/internal/audit"
	"homebase.io/internal/directory"
	"homebase.io/internal/impersonation"
	"homebase.io/internal/rbac"
	"homebase.io/internal/relationship"
	"homebase.io/internal/store/memory"
)

type fixture struct {
	facade *access.Facade
	rels   *relationship.Service
	perms  *rbac.Service
	ledger *audit.Ledger
}

func newFixture(t *testing.T, opts ...access.Option) fixture {
	t.Helper()
	store := memory.New()
	now := func() time.Time { return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC) }
	ledger, err := audit.NewLedger(store, audit.WithClock(now))
	require.NoError(t, err)
	rels, err := relationship.NewService(store, relationship.WithClock(now))
	require.NoError(t, err)
	perms, err := rbac.NewService(store, rbac.WithClock(now))
	require.NoError(t, err)
	require.NoError(t, perms.EnsureBuiltins(context.Background()))
	opts = append([]access.Option{access.WithAuditor(ledger)}, opts...)
	facade, err := access.NewFacade(rels, perms, opts...)
	require.NoError(t, err)
	return fixture{facade: facade, rels: rels, perms: perms, ledger: ledger}
}

var (
	homeowner = directory.User{ID: "5", Email: "h@example.com", PrimaryRole: directory.RoleHomeowner}
	agent     = directory.User{ID: "U1", Email: "a@example.com", PrimaryRole: directory.RoleAgent}
	lender    = directory.User{ID: "L1", Email: "l@example.com", PrimaryRole: directory.RoleLender}
)

func TestOwnerAlwaysAllowed(t *testing.T) {
	f := newFixture(t)
	d := f.facade.CanAccessResource(context.Background(), homeowner, "5", "documents")
	require.True(t, d.Allowed)
}

func TestAgentNeedsActiveRelationship(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.facade.CanAccessResource(ctx, agent, "5", "documents")
	require.False(t, d.Allowed)
	require.NotEmpty(t, d.Reason)

	_, err := f.rels.Link(ctx, "5", "5", "U1", directory.RoleAgent)
	require.NoError(t, err)
	d = f.facade.CanAccessResource(ctx, agent, "5", "documents")
	require.True(t, d.Allowed)

	// an agent link does not open the door for the lender role
	d = f.facade.CanAccessResource(ctx, lender, "5", "documents")
	require.False(t, d.Allowed)

	_, err = f.rels.SetStatus(ctx, "5", "5", "U1", directory.RoleAgent, relationship.StatusRemoved)
	require.NoError(t, err)
	d = f.facade.CanAccessResource(ctx, agent, "5", "documents")
	require.False(t, d.Allowed)

	denied, err := f.ledger.Query(ctx, audit.Filter{Action: audit.ActionAccessDenied})
	require.NoError(t, err)
	require.Len(t, denied, 3)
}

func TestHomeownerCannotReachAnotherHomeowner(t *testing.T) {
	f := newFixture(t)
	other := directory.User{ID: "6", PrimaryRole: directory.RoleHomeowner}
	d := f.facade.CanAccessResource(context.Background(), other, "5", "documents")
	require.False(t, d.Allowed)
}

type failingRels struct{}

func (failingRels) FindActive(context.Context, string, string, directory.PrimaryRole) (bool, error) {
	return false, errors.New("db down")
}

func TestLookupFailureIsADenial(t *testing.T) {
	perms, err := rbac.NewService(memory.New())
	require.NoError(t, err)
	facade, err := access.NewFacade(failingRels{}, perms)
	require.NoError(t, err)
	d := facade.CanAccessResource(context.Background(), agent, "5", "documents")
	require.False(t, d.Allowed)
	require.Equal(t, "relationship lookup failed", d.Reason)
}

func TestRequireHomeownerAccessUsesDisplayedUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.facade.RequireHomeownerAccess(ctx, "5")
	require.False(t, d.Allowed)

	admin := directory.User{ID: "admin-1", PrimaryRole: directory.RoleHomeowner}
	viewing := impersonation.WithView(ctx, impersonation.View{Real: admin, Displayed: homeowner, SessionID: "s1"})
	d = f.facade.RequireHomeownerAccess(viewing, "5")
	require.True(t, d.Allowed)
}

func TestAuthorizeEvaluatesTargetWhileImpersonating(t *testing.T) {
	f := newFixture(t, access.WithImpersonatorReadAccess(true))
	ctx := context.Background()
	require.NoError(t, f.perms.GrantRole(ctx, "admin-1", rbac.RoleAdmin, "root", nil))
	require.NoError(t, f.perms.GrantRole(ctx, "5", rbac.RoleHomeowner, "root", nil))

	admin := directory.User{ID: "admin-1", PrimaryRole: directory.RoleHomeowner}
	self := impersonation.WithView(ctx, impersonation.SelfView(admin))
	require.True(t, f.facade.Authorize(self, rbac.PermRolesManage).Allowed)

	viewing := impersonation.WithView(ctx, impersonation.View{Real: admin, Displayed: homeowner, SessionID: "s1"})
	require.False(t, f.facade.Authorize(viewing, rbac.PermRolesManage).Allowed)
	require.True(t, f.facade.Authorize(viewing, rbac.PermDocumentsWrite).Allowed)

	d := f.facade.Authorize(viewing, rbac.PermAuditRead)
	require.True(t, d.Allowed)
	require.Equal(t, "impersonator read access", d.Reason)

	denied, err := f.ledger.Query(ctx, audit.Filter{Action: audit.ActionAccessDenied, ActorID: "admin-1"})
	require.NoError(t, err)
	require.Len(t, denied, 1)
	require.Equal(t, rbac.PermRolesManage, denied[0].ResourceID)
}

func TestAuthorizeWithoutReadPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.perms.GrantRole(ctx, "admin-1", rbac.RoleAdmin, "root", nil))
	admin := directory.User{ID: "admin-1"}
	viewing := impersonation.WithView(ctx, impersonation.View{Real: admin, Displayed: homeowner, SessionID: "s1"})
	require.False(t, f.facade.Authorize(viewing, rbac.PermAuditRead).Allowed)
	require.False(t, f.facade.Authorize(ctx, rbac.PermAuditRead).Allowed)
}
