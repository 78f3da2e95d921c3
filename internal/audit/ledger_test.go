package audit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"homebase.io/internal/audit"
	"homebase.io/internal/store/memory"
)

func TestRecordStampsRequestInfo(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	ledger, err := audit.NewLedger(memory.New(), audit.WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	ctx := audit.WithRequest(context.Background(), audit.RequestInfo{IP: "198.51.100.4", UserAgent: "ua/1", RequestID: "r1"})
	e, err := ledger.Record(ctx, "u1", audit.ActionMFAEnabled, "mfa", "u1", "")
	require.NoError(t, err)
	require.NotEmpty(t, e.ID)
	require.Equal(t, now, e.CreatedAt)
	require.Equal(t, "198.51.100.4", e.IP)
	require.Equal(t, "ua/1", e.UserAgent)
}

func TestRecordWithoutRequestContext(t *testing.T) {
	ledger, err := audit.NewLedger(memory.New())
	require.NoError(t, err)
	e, err := ledger.Record(context.Background(), "job", audit.ActionRoleRevoked, "user_roles", "", "")
	require.NoError(t, err)
	require.Empty(t, e.IP)
	require.Empty(t, e.UserAgent)
	require.False(t, e.CreatedAt.IsZero())

	_, err = ledger.Record(context.Background(), "", audit.ActionRoleRevoked, "user_roles", "", "")
	require.ErrorIs(t, err, audit.ErrInvalidInput)
}

type brokenStore struct{ audit.Store }

func (brokenStore) AppendAudit(context.Context, audit.Entry) error { return errors.New("disk full") }

func TestRecordPropagatesStoreFailure(t *testing.T) {
	ledger, err := audit.NewLedger(brokenStore{})
	require.NoError(t, err)
	_, err = ledger.Record(context.Background(), "u1", audit.ActionMFAFailed, "mfa", "", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "disk full")
}

func TestQueryNewestFirstWithFilters(t *testing.T) {
	now := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	ledger, err := audit.NewLedger(memory.New(), audit.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		now = now.Add(time.Minute)
		actor := "u1"
		if i%2 == 1 {
			actor = "u2"
		}
		_, err := ledger.Record(ctx, actor, audit.ActionMFAVerified, "mfa", "", "")
		require.NoError(t, err)
	}

	all, err := ledger.Query(ctx, audit.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		require.True(t, all[i-1].CreatedAt.After(all[i].CreatedAt))
	}

	u1, err := ledger.Query(ctx, audit.Filter{ActorID: "u1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, u1, 2)
	require.Equal(t, "u1", u1[0].ActorID)
	require.True(t, u1[0].CreatedAt.Equal(now))
}

func TestActivitySummary(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	ledger, err := audit.NewLedger(memory.New(), audit.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	ctx := context.Background()

	record := func(at time.Time, action string) {
		now = at
		_, err := ledger.Record(ctx, "u1", action, "mfa", "", "")
		require.NoError(t, err)
	}
	base := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	record(base.AddDate(0, 0, -10), audit.ActionMFAFailed) // outside a 7 day window
	record(base.AddDate(0, 0, -3), audit.ActionMFAFailed)
	record(base.AddDate(0, 0, -2), audit.ActionMFAVerified)
	record(base.AddDate(0, 0, -1), audit.ActionMFAFailed)
	now = base

	sum, err := ledger.ActivitySummary(ctx, "u1", 7)
	require.NoError(t, err)
	require.Len(t, sum, 2)
	require.Equal(t, audit.ActionMFAFailed, sum[0].Action)
	require.Equal(t, 2, sum[0].Count)
	require.True(t, sum[0].LastSeen.Equal(base.AddDate(0, 0, -1)))
	require.Equal(t, 1, sum[1].Count)

	_, err = ledger.ActivitySummary(ctx, "u1", 0)
	require.ErrorIs(t, err, audit.ErrInvalidInput)
}
