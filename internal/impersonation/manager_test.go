package impersonation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"homebase.io/internal/audit"
	"homebase.io/internal/directory"
	"homebase.io/internal/impersonation"
	"homebase.io/internal/store/memory"
)

type fixture struct {
	mgr    *impersonation.Manager
	store  *memory.Store
	ledger *audit.Ledger
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: memory.New(), now: time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	dir, err := directory.New(f.store)
	require.NoError(t, err)
	for _, u := range []directory.User{
		{ID: "admin-1", Email: "ada@homebase.io", DisplayName: "Ada", PrimaryRole: directory.RoleHomeowner},
		{ID: "admin-2", Email: "bob@homebase.io", PrimaryRole: directory.RoleHomeowner},
		{ID: "home-5", Email: "owner@example.com", DisplayName: "Casey", PrimaryRole: directory.RoleHomeowner},
	} {
		_, err := dir.Create(ctx, u)
		require.NoError(t, err)
	}
	f.ledger, err = audit.NewLedger(f.store, audit.WithClock(clock))
	require.NoError(t, err)
	f.mgr, err = impersonation.NewManager(f.store, dir, f.ledger, impersonation.WithClock(clock))
	require.NoError(t, err)
	return f
}

func TestStartAndEnd(t *testing.T) {
	f := newFixture(t)
	ctx := audit.WithRequest(context.Background(), audit.RequestInfo{IP: "203.0.113.9", UserAgent: "curl/8"})

	sess, target, err := f.mgr.Start(ctx, "admin-1", "home-5", "ticket 4411")
	require.NoError(t, err)
	require.Equal(t, "home-5", target.ID)
	require.Equal(t, "203.0.113.9", sess.IP)
	require.True(t, sess.Active())

	active, err := f.mgr.ActiveSessions(ctx, "")
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "ada@homebase.io", active[0].AdminEmail)
	require.Equal(t, "Casey", active[0].TargetName)

	f.now = f.now.Add(90 * time.Second)
	ok, err := f.mgr.End(ctx, sess.ID, "admin-1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.mgr.End(ctx, sess.ID, "admin-1")
	require.NoError(t, err)
	require.False(t, ok)

	active, err = f.mgr.ActiveSessions(ctx, "admin-1")
	require.NoError(t, err)
	require.Empty(t, active)

	started, err := f.ledger.Query(ctx, audit.Filter{Action: audit.ActionImpersonationStarted})
	require.NoError(t, err)
	require.Len(t, started, 1)
	require.Equal(t, "admin-1", started[0].ActorID)
	require.Contains(t, started[0].Detail, "home-5")
	require.Equal(t, "203.0.113.9", started[0].IP)

	ended, err := f.ledger.Query(ctx, audit.Filter{Action: audit.ActionImpersonationEnded})
	require.NoError(t, err)
	require.Len(t, ended, 1)
	require.Equal(t, "duration=1m30s", ended[0].Detail)
	require.False(t, ended[0].CreatedAt.IsZero())
}

func TestEndByOtherAdminChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, _, err := f.mgr.Start(ctx, "admin-1", "home-5", "")
	require.NoError(t, err)

	ok, err := f.mgr.End(ctx, sess.ID, "admin-2")
	require.NoError(t, err)
	require.False(t, ok)

	active, err := f.mgr.ActiveSessions(ctx, "admin-1")
	require.NoError(t, err)
	require.Len(t, active, 1)

	ended, err := f.ledger.Query(ctx, audit.Filter{Action: audit.ActionImpersonationEnded})
	require.NoError(t, err)
	require.Empty(t, ended)
}

func TestStartRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.mgr.Start(ctx, "admin-1", "missing", "")
	require.ErrorIs(t, err, impersonation.ErrNotFound)
	_, _, err = f.mgr.Start(ctx, "missing", "home-5", "")
	require.ErrorIs(t, err, impersonation.ErrNotFound)
	_, _, err = f.mgr.Start(ctx, "admin-1", "admin-1", "")
	require.ErrorIs(t, err, impersonation.ErrInvalidInput)

	_, _, err = f.mgr.Start(ctx, "admin-1", "home-5", "")
	require.NoError(t, err)
	_, _, err = f.mgr.Start(ctx, "admin-1", "admin-2", "")
	require.ErrorIs(t, err, impersonation.ErrSessionActive)

	started, err := f.ledger.Query(ctx, audit.Filter{Action: audit.ActionImpersonationStarted})
	require.NoError(t, err)
	require.Len(t, started, 1)
}

var errAuditDown = errors.New("audit down")

// auditOutage rejects session changes the way a transactional store does
// when the audit insert fails: nothing is written.
type auditOutage struct {
	*memory.Store
	down bool
}

func (s *auditOutage) CreateImpersonation(ctx context.Context, sess impersonation.Session, entry audit.Entry) error {
	if s.down {
		return errAuditDown
	}
	return s.Store.CreateImpersonation(ctx, sess, entry)
}

func (s *auditOutage) EndImpersonation(ctx context.Context, id, adminID string, at time.Time, entry impersonation.EndEntry) (time.Time, bool, error) {
	if s.down {
		return time.Time{}, false, errAuditDown
	}
	return s.Store.EndImpersonation(ctx, id, adminID, at, entry)
}

func TestAuditOutageLeavesNoUntracedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	store := &auditOutage{Store: f.store, down: true}
	dir, err := directory.New(f.store)
	require.NoError(t, err)
	mgr, err := impersonation.NewManager(store, dir, f.ledger, impersonation.WithClock(func() time.Time { return f.now }))
	require.NoError(t, err)

	_, _, err = mgr.Start(ctx, "admin-1", "home-5", "")
	require.ErrorIs(t, err, errAuditDown)
	active, err := mgr.ActiveSessions(ctx, "admin-1")
	require.NoError(t, err)
	require.Empty(t, active)

	store.down = false
	sess, _, err := mgr.Start(ctx, "admin-1", "home-5", "")
	require.NoError(t, err)

	store.down = true
	ok, err := mgr.End(ctx, sess.ID, "admin-1")
	require.ErrorIs(t, err, errAuditDown)
	require.False(t, ok)
	_, open, err := mgr.OpenSession(ctx, sess.ID, "admin-1")
	require.NoError(t, err)
	require.True(t, open)

	store.down = false
	ok, err = mgr.End(ctx, sess.ID, "admin-1")
	require.NoError(t, err)
	require.True(t, ok)

	for _, action := range []string{audit.ActionImpersonationStarted, audit.ActionImpersonationEnded} {
		entries, err := f.ledger.Query(ctx, audit.Filter{Action: action})
		require.NoError(t, err)
		require.Len(t, entries, 1, action)
	}
}

func TestOpenSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, _, err := f.mgr.Start(ctx, "admin-1", "home-5", "")
	require.NoError(t, err)

	got, ok, err := f.mgr.OpenSession(ctx, sess.ID, "admin-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "home-5", got.TargetID)

	_, ok, err = f.mgr.OpenSession(ctx, sess.ID, "admin-2")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = f.mgr.End(ctx, sess.ID, "admin-1")
	require.NoError(t, err)
	_, ok, err = f.mgr.OpenSession(ctx, sess.ID, "admin-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestViewHelpers(t *testing.T) {
	admin := directory.User{ID: "admin-1"}
	target := directory.User{ID: "home-5"}
	ctx := context.Background()

	require.False(t, impersonation.IsImpersonating(ctx))
	_, ok := impersonation.RealUser(ctx)
	require.False(t, ok)

	self := impersonation.WithView(ctx, impersonation.SelfView(admin))
	require.False(t, impersonation.IsImpersonating(self))
	shown, ok := impersonation.DisplayedUser(self)
	require.True(t, ok)
	require.Equal(t, "admin-1", shown.ID)

	viewing := impersonation.WithView(ctx, impersonation.View{Real: admin, Displayed: target, SessionID: "s1"})
	require.True(t, impersonation.IsImpersonating(viewing))
	actual, _ := impersonation.RealUser(viewing)
	require.Equal(t, "admin-1", actual.ID)
	shown, _ = impersonation.DisplayedUser(viewing)
	require.Equal(t, "home-5", shown.ID)
}
