// Package mfa manages TOTP enrollment, verification and single-use backup
// codes. Shared secrets are sealed before they reach the store and backup
// codes are kept only as bcrypt hashes.
package mfa

import (
	"context"
	"errors"
	"time"

	"homebase.io/internal/rbac"
)

// MethodTOTP is the only supported second factor.
const MethodTOTP = "totp"

// State is a user's position in the enrollment lifecycle.
type State string

const (
	StateUnconfigured State = "unconfigured"
	StatePending      State = "pending_verification"
	StateEnabled      State = "enabled"
	StateDisabled     State = "disabled"
)

var (
	ErrNotFound     = errors.New("mfa: not configured")
	ErrInvalidInput = errors.New("mfa: invalid input")
	ErrInvalidState = errors.New("mfa: invalid state")
)

// Setting is the stored MFA configuration of one user.
type Setting struct {
	UserID       string
	Method       string
	SealedSecret string
	// BackupCodes holds the bcrypt hashes of the unused codes.
	BackupCodes []string
	Enabled     bool
	DisabledAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// State derives the lifecycle position from the stored flags.
func (s Setting) State() State {
	switch {
	case s.Enabled:
		return StateEnabled
	case s.DisabledAt != nil:
		return StateDisabled
	default:
		return StatePending
	}
}

// Store persists one Setting per user.
type Store interface {
	// ReplaceMFA upserts the whole row for s.UserID.
	ReplaceMFA(ctx context.Context, s Setting) error
	FindMFA(ctx context.Context, userID string) (Setting, error)
	// UpdateMFAEnabled flips the enabled flag. Disabling stamps DisabledAt,
	// enabling clears it. Returns ErrNotFound when no row exists.
	UpdateMFAEnabled(ctx context.Context, userID string, enabled bool, at time.Time) error
	// SwapBackupCodes replaces the code list only if it still equals
	// expected, and reports whether the swap happened.
	SwapBackupCodes(ctx context.Context, userID string, expected, next []string, at time.Time) (bool, error)
}

// RequireMFAForRole reports whether holders of role must complete MFA at login.
func RequireMFAForRole(role string) bool {
	switch role {
	case rbac.RoleOwner, rbac.RoleAdmin:
		return true
	}
	return false
}
