// Package access composes ownership, client relationships and permissions
// into allow/deny decisions. Decisions never fail: lookup errors become a
// denial with a reason.
package access

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"homebase.io/internal/audit"
	"homebase.io/internal/directory"
	"homebase.io/internal/impersonation"
	"homebase.io/internal/obs"
)

// Decision is the outcome of an access check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

func allow(reason string) Decision { return Decision{Allowed: true, Reason: reason} }
func deny(reason string) Decision  { return Decision{Allowed: false, Reason: reason} }

// Relationships answers whether an active client relationship exists.
type Relationships interface {
	FindActive(ctx context.Context, homeownerID, professionalID string, role directory.PrimaryRole) (bool, error)
}

// Permissions answers permission checks.
type Permissions interface {
	HasPermission(ctx context.Context, userID, permission string) (bool, error)
}

// Facade makes access decisions.
type Facade struct {
	rels                  Relationships
	perms                 Permissions
	auditor               audit.Recorder
	impersonatorReadPerms bool
}

type Option func(*Facade)

// WithAuditor records every denial as ACCESS_DENIED.
func WithAuditor(a audit.Recorder) Option {
	return func(f *Facade) { f.auditor = a }
}

// WithImpersonatorReadAccess lets an impersonating admin keep any *.read
// permission they hold themselves.
func WithImpersonatorReadAccess(enabled bool) Option {
	return func(f *Facade) { f.impersonatorReadPerms = enabled }
}

func NewFacade(rels Relationships, perms Permissions, opts ...Option) (*Facade, error) {
	if rels == nil || perms == nil {
		return nil, fmt.Errorf("access: relationships and permissions are required")
	}
	f := &Facade{rels: rels, perms: perms}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// CanAccessResource decides whether user may reach a resource owned by
// ownerID. Owners always may; agents and lenders need an active client
// relationship for their role.
func (f *Facade) CanAccessResource(ctx context.Context, user directory.User, ownerID, resourceType string) Decision {
	d := f.canAccess(ctx, user, strings.TrimSpace(ownerID))
	obs.ObserveDecision("resource", d.Allowed)
	if !d.Allowed {
		f.recordDenial(ctx, user.ID, resourceType, ownerID, d.Reason)
	}
	return d
}

func (f *Facade) canAccess(ctx context.Context, user directory.User, ownerID string) Decision {
	if user.ID == "" {
		return deny("not signed in")
	}
	if ownerID == "" {
		return deny("resource has no owner")
	}
	if user.ID == ownerID {
		return allow("owner")
	}
	if !user.PrimaryRole.Professional() {
		return deny("only the owner or a linked professional can access this resource")
	}
	ok, err := f.rels.FindActive(ctx, ownerID, user.ID, user.PrimaryRole)
	if err != nil {
		obs.Logger().ErrorContext(ctx, "relationship lookup failed",
			slog.String("user_id", user.ID),
			slog.String("owner_id", ownerID),
			slog.String("error", err.Error()),
		)
		return deny("relationship lookup failed")
	}
	if !ok {
		return deny(fmt.Sprintf("no active %s relationship with this homeowner", user.PrimaryRole))
	}
	return allow("active " + string(user.PrimaryRole) + " relationship")
}

// RequireHomeownerAccess checks the displayed user of ctx against a
// homeowner's data.
func (f *Facade) RequireHomeownerAccess(ctx context.Context, homeownerID string) Decision {
	user, ok := impersonation.DisplayedUser(ctx)
	if !ok {
		d := deny("not signed in")
		obs.ObserveDecision("resource", false)
		return d
	}
	return f.CanAccessResource(ctx, user, homeownerID, "homeowner")
}

// Authorize checks permission for the request in ctx. While impersonating,
// the target's permissions apply.
func (f *Facade) Authorize(ctx context.Context, permission string) Decision {
	permission = strings.ToLower(strings.TrimSpace(permission))
	view, ok := impersonation.ViewFromContext(ctx)
	if !ok || view.Displayed.ID == "" {
		obs.ObserveDecision("permission", false)
		return deny("not signed in")
	}
	d := f.authorize(ctx, view, permission)
	obs.ObserveDecision("permission", d.Allowed)
	if !d.Allowed {
		f.recordDenial(ctx, view.Real.ID, "permission", permission, d.Reason)
	}
	return d
}

func (f *Facade) authorize(ctx context.Context, view impersonation.View, permission string) Decision {
	if permission == "" {
		return deny("no permission named")
	}
	ok, err := f.perms.HasPermission(ctx, view.Displayed.ID, permission)
	if err != nil {
		obs.Logger().ErrorContext(ctx, "permission check failed",
			slog.String("user_id", view.Displayed.ID),
			slog.String("permission", permission),
			slog.String("error", err.Error()),
		)
		return deny("permission check failed")
	}
	if ok {
		return allow("granted " + permission)
	}
	impersonating := view.SessionID != "" && view.Real.ID != view.Displayed.ID
	if impersonating && f.impersonatorReadPerms && strings.HasSuffix(permission, ".read") {
		ok, err := f.perms.HasPermission(ctx, view.Real.ID, permission)
		if err == nil && ok {
			return allow("impersonator read access")
		}
	}
	return deny("missing permission " + permission)
}

func (f *Facade) recordDenial(ctx context.Context, actorID, resource, resourceID, reason string) {
	if f.auditor == nil || actorID == "" {
		return
	}
	if resource == "" {
		resource = "resource"
	}
	if _, err := f.auditor.Record(ctx, actorID, audit.ActionAccessDenied, resource, resourceID, reason); err != nil {
		obs.Logger().ErrorContext(ctx, "record access denial failed",
			slog.String("actor_id", actorID),
			slog.String("error", err.Error()),
		)
	}
}
