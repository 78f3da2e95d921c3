// Package impersonation lets an administrator view the platform as another
// user. Sessions are audited at start and end and are never deleted.
package impersonation

import (
	"context"
	"errors"
	"time"

	"homebase.io/internal/audit"
	"homebase.io/internal/directory"
)

var (
	ErrNotFound      = errors.New("impersonation: not found")
	ErrInvalidInput  = errors.New("impersonation: invalid input")
	ErrSessionActive = errors.New("impersonation: admin already has an active session")
)

// Session is one impersonation window. EndedAt is nil while it is open.
type Session struct {
	ID          string     `json:"id"`
	AdminID     string     `json:"admin_id"`
	TargetID    string     `json:"target_id"`
	Reason      string     `json:"reason,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	IP          string     `json:"ip,omitempty"`
	AdminEmail  string     `json:"admin_email,omitempty"`
	AdminName   string     `json:"admin_name,omitempty"`
	TargetEmail string     `json:"target_email,omitempty"`
	TargetName  string     `json:"target_name,omitempty"`
}

// Active reports whether the session is still open.
func (s Session) Active() bool { return s.EndedAt == nil }

// EndEntry builds the audit entry for a session being closed.
type EndEntry func(startedAt time.Time) (audit.Entry, error)

// Store persists sessions. Opening and closing a session appends its audit
// entry atomically with the change: either both are stored or neither is.
type Store interface {
	// CreateImpersonation inserts an open session together with entry. It
	// fails with ErrSessionActive when the admin already has one.
	CreateImpersonation(ctx context.Context, s Session, entry audit.Entry) error
	// EndImpersonation closes the open session id owned by adminID, appends
	// the entry built from its start time and returns that start time. ok is
	// false, and nothing is written, when no such open session exists.
	EndImpersonation(ctx context.Context, id, adminID string, at time.Time, entry EndEntry) (startedAt time.Time, ok bool, err error)
	// FindOpenImpersonation returns the session id owned by adminID if it
	// is still open.
	FindOpenImpersonation(ctx context.Context, id, adminID string) (Session, bool, error)
	// ListActiveImpersonations returns open sessions newest first, joined
	// with admin and target details. An empty adminID lists all admins.
	ListActiveImpersonations(ctx context.Context, adminID string) ([]Session, error)
}

// Users resolves user ids. *directory.Directory satisfies it.
type Users interface {
	Find(ctx context.Context, id string) (directory.User, error)
}
