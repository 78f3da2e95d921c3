// Package audit is the append-only ledger of security-relevant events.
// Entries are never updated or deleted here; retention is handled elsewhere.
package audit

import (
	"context"
	"errors"
	"time"
)

// Action tags written by the access core.
const (
	ActionMFASecretGenerated        = "MFA_SECRET_GENERATED"
	ActionMFAVerified               = "MFA_VERIFIED"
	ActionMFAFailed                 = "MFA_FAILED"
	ActionMFAEnabled                = "MFA_ENABLED"
	ActionMFADisabled               = "MFA_DISABLED"
	ActionImpersonationStarted      = "IMPERSONATION_STARTED"
	ActionImpersonationEnded        = "IMPERSONATION_ENDED"
	ActionRoleGranted               = "ROLE_GRANTED"
	ActionRoleRevoked               = "ROLE_REVOKED"
	ActionPermissionGranted         = "PERMISSION_GRANTED"
	ActionAccessDenied              = "ACCESS_DENIED"
	ActionRelationshipLinked        = "RELATIONSHIP_LINKED"
	ActionRelationshipStatusChanged = "RELATIONSHIP_STATUS_CHANGED"
)

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 500
)

var (
	ErrInvalidInput = errors.New("audit: invalid input")
)

// Entry is one immutable ledger record. Empty optional fields are stored as NULL.
type Entry struct {
	ID         string    `json:"id"`
	ActorID    string    `json:"actor_id"`
	Action     string    `json:"action"`
	Resource   string    `json:"resource"`
	ResourceID string    `json:"resource_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	IP         string    `json:"ip,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Filter narrows Query results. Zero values match everything.
type Filter struct {
	ActorID  string
	Action   string
	Resource string
	Limit    int
}

// ActionSummary aggregates one action within an activity window.
type ActionSummary struct {
	Action   string    `json:"action"`
	Count    int       `json:"count"`
	LastSeen time.Time `json:"last_seen"`
}

// Store persists ledger entries.
type Store interface {
	AppendAudit(ctx context.Context, entry Entry) error
	QueryAudit(ctx context.Context, filter Filter) ([]Entry, error)
	SummarizeAudit(ctx context.Context, actorID string, since time.Time) ([]ActionSummary, error)
}

// Recorder is the write side of the ledger, as consumed by other components.
type Recorder interface {
	Record(ctx context.Context, actorID, action, resource, resourceID, detail string) (Entry, error)
}

// Stamper builds entries for callers whose store appends them in the same
// transaction as the change. *Ledger satisfies it.
type Stamper interface {
	Entry(ctx context.Context, actorID, action, resource, resourceID, detail string) (Entry, error)
}
