package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"homebase.io/internal/access"
	"homebase.io/internal/auth"
	"homebase.io/internal/directory"
	"homebase.io/internal/impersonation"
	"homebase.io/internal/mfa"
	"homebase.io/internal/obs"
	"homebase.io/internal/rbac"
	"homebase.io/internal/session"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withAuth requires a valid bearer token and puts its principal in the
// request context.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := a.svc.Signer.Parse(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := auth.ContextWithPrincipal(r.Context(), auth.Principal{
			UserID:  claims.Subject,
			MFA:     claims.MFA,
			TokenID: claims.ID,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withView resolves the real and displayed users of the request. An admin
// with an open impersonation ticket sees the platform as the target.
func (a *API) withView(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		principal, ok := auth.PrincipalFromContext(ctx)
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "unauthenticated")
			return
		}
		actual, err := a.svc.Directory.Find(ctx, principal.UserID)
		if errors.Is(err, directory.ErrNotFound) {
			writeError(w, r, http.StatusUnauthorized, "unknown user")
			return
		}
		if err != nil {
			a.internalError(w, r, "load user", err)
			return
		}
		view := impersonation.SelfView(actual)

		ticket, err := a.svc.Sessions.Get(ctx, actual.ID)
		switch {
		case errors.Is(err, session.ErrNotFound):
		case err != nil:
			a.internalError(w, r, "load view session", err)
			return
		default:
			v, err := a.resolveTicket(ctx, actual, ticket)
			if err != nil {
				a.internalError(w, r, "resolve view session", err)
				return
			}
			view = v
		}
		next.ServeHTTP(w, r.WithContext(impersonation.WithView(ctx, view)))
	})
}

// resolveTicket turns a view ticket into the target's view while its
// session is open. A ticket whose session has ended, or whose target is
// gone, is dropped and the admin sees themselves.
func (a *API) resolveTicket(ctx context.Context, actual directory.User, ticket session.Ticket) (impersonation.View, error) {
	self := impersonation.SelfView(actual)
	sess, open, err := a.svc.Impersonation.OpenSession(ctx, ticket.SessionID, actual.ID)
	if err != nil {
		return self, err
	}
	reason := "session ended"
	if open {
		target, err := a.svc.Directory.Find(ctx, sess.TargetID)
		switch {
		case err == nil:
			return impersonation.View{Real: actual, Displayed: target, SessionID: sess.ID}, nil
		case !errors.Is(err, directory.ErrNotFound):
			return self, err
		}
		reason = "target not found"
	}
	obs.Logger().WarnContext(ctx, "dropping view session",
		slog.String("admin_id", actual.ID),
		slog.String("session_id", ticket.SessionID),
		slog.String("reason", reason),
	)
	if err := a.svc.Sessions.Delete(ctx, actual.ID); err != nil && !errors.Is(err, session.ErrNotFound) {
		obs.Logger().WarnContext(ctx, "delete view session", slog.String("error", err.Error()))
	}
	return self, nil
}

// requireMFA rejects tokens without a completed second factor for users
// holding a role that demands one.
func (a *API) requireMFA(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, _ := auth.PrincipalFromContext(r.Context())
		if principal.MFA {
			next.ServeHTTP(w, r)
			return
		}
		for _, role := range []string{rbac.RoleOwner, rbac.RoleAdmin} {
			if !mfa.RequireMFAForRole(role) {
				continue
			}
			has, err := a.svc.RBAC.HasRole(r.Context(), principal.UserID, role)
			if err != nil {
				a.internalError(w, r, "check role", err)
				return
			}
			if has {
				writeError(w, r, http.StatusForbidden, "mfa verification required")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// authorize checks permission for the displayed user and writes a 403 on
// denial. While impersonating, the target's permissions apply.
func (a *API) authorize(w http.ResponseWriter, r *http.Request, permission string) bool {
	d := a.svc.Access.Authorize(r.Context(), permission)
	if !d.Allowed {
		writeDenied(w, r, d)
		return false
	}
	return true
}

// authorizeReal checks permission for the real user regardless of any
// active impersonation.
func (a *API) authorizeReal(w http.ResponseWriter, r *http.Request, permission string) bool {
	view, _ := impersonation.ViewFromContext(r.Context())
	ctx := impersonation.WithView(r.Context(), impersonation.SelfView(view.Real))
	d := a.svc.Access.Authorize(ctx, permission)
	if !d.Allowed {
		writeDenied(w, r, d)
		return false
	}
	return true
}

func writeDenied(w http.ResponseWriter, r *http.Request, d access.Decision) {
	body := map[string]any{"error": "forbidden", "reason": d.Reason}
	if id := requestIDFromContext(r.Context()); id != "" {
		body["request_id"] = id
	}
	writeJSON(w, http.StatusForbidden, body)
}

// currentView returns the view attached by withView.
func currentView(r *http.Request) impersonation.View {
	v, _ := impersonation.ViewFromContext(r.Context())
	return v
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
