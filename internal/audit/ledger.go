package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"homebase.io/internal/ids"
	"homebase.io/internal/obs"
)

// Ledger records and queries audit entries.
type Ledger struct {
	store Store
	now   func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source used to stamp entries.
func WithClock(fn func() time.Time) Option {
	return func(l *Ledger) {
		if fn != nil {
			l.now = fn
		}
	}
}

// NewLedger constructs a Ledger over store.
func NewLedger(store Store, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("audit store is required")
	}
	l := &Ledger{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Entry builds a validated entry stamped with the ledger clock and the
// request attached to ctx, without storing it. Stores that write an entry
// in the same transaction as the change it describes take it from here.
func (l *Ledger) Entry(ctx context.Context, actorID, action, resource, resourceID, detail string) (Entry, error) {
	actorID = strings.TrimSpace(actorID)
	action = strings.TrimSpace(action)
	resource = strings.TrimSpace(resource)
	if actorID == "" || action == "" || resource == "" {
		return Entry{}, fmt.Errorf("%w: actor, action and resource are required", ErrInvalidInput)
	}
	now := l.now().UTC()
	entry := Entry{
		ID:         ids.NewAt(now),
		ActorID:    actorID,
		Action:     action,
		Resource:   resource,
		ResourceID: strings.TrimSpace(resourceID),
		Detail:     strings.TrimSpace(detail),
		CreatedAt:  now,
	}
	if req, ok := RequestFromContext(ctx); ok {
		entry.IP = req.IP
		entry.UserAgent = req.UserAgent
	}
	return entry, nil
}

// Record appends one entry. IP and user agent are taken from the request
// attached to ctx, if any. A store failure is returned to the caller: a lost
// entry is lost compliance evidence.
func (l *Ledger) Record(ctx context.Context, actorID, action, resource, resourceID, detail string) (Entry, error) {
	entry, err := l.Entry(ctx, actorID, action, resource, resourceID, detail)
	if err != nil {
		return Entry{}, err
	}
	if err := l.store.AppendAudit(ctx, entry); err != nil {
		obs.Logger().ErrorContext(ctx, "audit append failed",
			slog.String("action", entry.Action),
			slog.String("actor_id", entry.ActorID),
			slog.String("error", err.Error()),
		)
		return Entry{}, fmt.Errorf("append audit entry: %w", err)
	}
	req, _ := RequestFromContext(ctx)
	obs.Logger().DebugContext(ctx, "audit recorded",
		slog.String("id", entry.ID),
		slog.String("action", entry.Action),
		slog.String("actor_id", entry.ActorID),
		slog.String("request_id", req.RequestID),
	)
	return entry, nil
}

// Query returns matching entries newest-first.
func (l *Ledger) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	filter.ActorID = strings.TrimSpace(filter.ActorID)
	filter.Action = strings.TrimSpace(filter.Action)
	filter.Resource = strings.TrimSpace(filter.Resource)
	filter.Limit = clampLimit(filter.Limit)
	return l.store.QueryAudit(ctx, filter)
}

// ActivitySummary returns per-action counts for actorID over the trailing
// windowDays, most frequent first.
func (l *Ledger) ActivitySummary(ctx context.Context, actorID string, windowDays int) ([]ActionSummary, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return nil, fmt.Errorf("%w: actor is required", ErrInvalidInput)
	}
	if windowDays <= 0 {
		return nil, fmt.Errorf("%w: window must be at least one day", ErrInvalidInput)
	}
	since := l.now().UTC().AddDate(0, 0, -windowDays)
	return l.store.SummarizeAudit(ctx, actorID, since)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultQueryLimit
	case limit > maxQueryLimit:
		return maxQueryLimit
	default:
		return limit
	}
}
