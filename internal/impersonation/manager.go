package impersonation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"homebase.io/internal/audit"
	"homebase.io/internal/directory"
	"homebase.io/internal/ids"
	"homebase.io/internal/obs"
)

const auditResource = "impersonation_sessions"

// Manager starts and ends impersonation sessions. It does not decide who
// may impersonate; callers check users.impersonate first.
type Manager struct {
	store   Store
	users   Users
	auditor audit.Stamper
	now     func() time.Time
}

type Option func(*Manager)

func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

func NewManager(store Store, users Users, auditor audit.Stamper, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("impersonation store is required")
	}
	if users == nil {
		return nil, errors.New("user directory is required")
	}
	if auditor == nil {
		return nil, errors.New("impersonation auditor is required")
	}
	m := &Manager{store: store, users: users, auditor: auditor, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start opens a session for adminID viewing targetID and returns it with a
// snapshot of the target.
func (m *Manager) Start(ctx context.Context, adminID, targetID, reason string) (Session, directory.User, error) {
	adminID = strings.TrimSpace(adminID)
	targetID = strings.TrimSpace(targetID)
	if adminID == "" || targetID == "" {
		return Session{}, directory.User{}, fmt.Errorf("%w: admin_id and target_id are required", ErrInvalidInput)
	}
	if adminID == targetID {
		return Session{}, directory.User{}, fmt.Errorf("%w: cannot impersonate yourself", ErrInvalidInput)
	}
	admin, err := m.lookup(ctx, "admin", adminID)
	if err != nil {
		return Session{}, directory.User{}, err
	}
	target, err := m.lookup(ctx, "target", targetID)
	if err != nil {
		return Session{}, directory.User{}, err
	}

	now := m.now().UTC()
	sess := Session{
		ID:          ids.NewAt(now),
		AdminID:     admin.ID,
		TargetID:    target.ID,
		Reason:      strings.TrimSpace(reason),
		StartedAt:   now,
		AdminEmail:  admin.Email,
		AdminName:   admin.DisplayName,
		TargetEmail: target.Email,
		TargetName:  target.DisplayName,
	}
	if req, ok := audit.RequestFromContext(ctx); ok {
		sess.IP = req.IP
	}
	detail := fmt.Sprintf("target=%s (%s)", target.ID, target.Email)
	if sess.Reason != "" {
		detail += " reason=" + sess.Reason
	}
	entry, err := m.auditor.Entry(ctx, admin.ID, audit.ActionImpersonationStarted, auditResource, sess.ID, detail)
	if err != nil {
		return Session{}, directory.User{}, err
	}
	if err := m.store.CreateImpersonation(ctx, sess, entry); err != nil {
		return Session{}, directory.User{}, err
	}
	obs.ObserveImpersonation("started")
	obs.Logger().InfoContext(ctx, "impersonation started",
		slog.String("session_id", sess.ID),
		slog.String("admin_id", admin.ID),
		slog.String("target_id", target.ID),
	)
	return sess, target, nil
}

// End closes the open session id if adminID started it. It returns false,
// with no side effects, when there is nothing to close.
func (m *Manager) End(ctx context.Context, sessionID, adminID string) (bool, error) {
	sessionID = strings.TrimSpace(sessionID)
	adminID = strings.TrimSpace(adminID)
	if sessionID == "" || adminID == "" {
		return false, nil
	}
	now := m.now().UTC()
	var duration time.Duration
	_, ok, err := m.store.EndImpersonation(ctx, sessionID, adminID, now, func(startedAt time.Time) (audit.Entry, error) {
		duration = now.Sub(startedAt).Round(time.Second)
		return m.auditor.Entry(ctx, adminID, audit.ActionImpersonationEnded, auditResource, sessionID, "duration="+duration.String())
	})
	if err != nil || !ok {
		return false, err
	}
	obs.ObserveImpersonation("ended")
	obs.Logger().InfoContext(ctx, "impersonation ended",
		slog.String("session_id", sessionID),
		slog.String("admin_id", adminID),
		slog.Duration("duration", duration),
	)
	return true, nil
}

// OpenSession returns session id if adminID started it and it has not
// ended. View tickets are resolved through here.
func (m *Manager) OpenSession(ctx context.Context, sessionID, adminID string) (Session, bool, error) {
	sessionID = strings.TrimSpace(sessionID)
	adminID = strings.TrimSpace(adminID)
	if sessionID == "" || adminID == "" {
		return Session{}, false, nil
	}
	return m.store.FindOpenImpersonation(ctx, sessionID, adminID)
}

// ActiveSessions lists open sessions newest first, optionally for one admin.
func (m *Manager) ActiveSessions(ctx context.Context, adminID string) ([]Session, error) {
	sessions, err := m.store.ListActiveImpersonations(ctx, strings.TrimSpace(adminID))
	if err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = []Session{}
	}
	return sessions, nil
}

func (m *Manager) lookup(ctx context.Context, role, id string) (directory.User, error) {
	u, err := m.users.Find(ctx, id)
	if errors.Is(err, directory.ErrNotFound) {
		return directory.User{}, fmt.Errorf("%w: %s %s", ErrNotFound, role, id)
	}
	return u, err
}
