package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"homebase.io/internal/impersonation"
	"homebase.io/internal/obs"
	"homebase.io/internal/rbac"
	"homebase.io/internal/session"
)

type startImpersonationRequest struct {
	TargetID string `json:"target_id"`
	Reason   string `json:"reason"`
}

// Impersonation routes check the real admin's permissions: an admin who
// is already viewing as someone else is still the one acting.

func (a *API) handleStartImpersonation(w http.ResponseWriter, r *http.Request) {
	if !a.authorizeReal(w, r, rbac.PermUsersImpersonate) {
		return
	}
	var req startImpersonationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	admin := currentView(r).Real
	if err := a.closeExpiredViews(r, admin.ID); err != nil {
		a.internalError(w, r, "close expired impersonation", err)
		return
	}
	sess, target, err := a.svc.Impersonation.Start(r.Context(), admin.ID, req.TargetID, req.Reason)
	if err != nil {
		a.respondError(w, r, "start impersonation", err)
		return
	}
	ticket := session.Ticket{
		SessionID: sess.ID,
		AdminID:   admin.ID,
		TargetID:  target.ID,
		StartedAt: sess.StartedAt,
	}
	if err := a.svc.Sessions.Put(r.Context(), ticket, a.opts.ViewSessionTTL); err != nil {
		// No ticket means no view; close the session again.
		if _, endErr := a.svc.Impersonation.End(r.Context(), sess.ID, admin.ID); endErr != nil {
			obs.Logger().ErrorContext(r.Context(), "close orphaned impersonation",
				slog.String("session_id", sess.ID),
				slog.String("error", endErr.Error()),
			)
		}
		a.internalError(w, r, "store view session", err)
		return
	}
	w.Header().Set("Location", "/v1/impersonation/"+sess.ID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"session": sess,
		"target":  target,
	})
}

func (a *API) handleEndImpersonation(w http.ResponseWriter, r *http.Request) {
	admin := currentView(r).Real
	id := chi.URLParam(r, "id")
	ok, err := a.svc.Impersonation.End(r.Context(), id, admin.ID)
	if err != nil {
		a.respondError(w, r, "end impersonation", err)
		return
	}
	if !ok {
		writeError(w, r, http.StatusNotFound, "no open impersonation session with that id")
		return
	}
	ticket, err := a.svc.Sessions.Get(r.Context(), admin.ID)
	switch {
	case errors.Is(err, session.ErrNotFound):
	case err != nil:
		a.internalError(w, r, "load view session", err)
		return
	case ticket.SessionID == id:
		if err := a.svc.Sessions.Delete(r.Context(), admin.ID); err != nil {
			a.internalError(w, r, "delete view session", err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// closeExpiredViews ends open sessions of adminID that no longer have a view
// ticket, which happens when the ticket expires before the admin ends the
// session.
func (a *API) closeExpiredViews(r *http.Request, adminID string) error {
	ctx := r.Context()
	_, err := a.svc.Sessions.Get(ctx, adminID)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, session.ErrNotFound):
		return err
	}
	open, err := a.svc.Impersonation.ActiveSessions(ctx, adminID)
	if err != nil {
		return err
	}
	for _, sess := range open {
		if _, err := a.svc.Impersonation.End(ctx, sess.ID, adminID); err != nil {
			return err
		}
		obs.Logger().InfoContext(ctx, "closed impersonation without view session",
			slog.String("session_id", sess.ID),
			slog.String("admin_id", adminID),
		)
	}
	return nil
}

// handleListImpersonations lists open sessions. ?admin=all widens the list
// to every admin.
func (a *API) handleListImpersonations(w http.ResponseWriter, r *http.Request) {
	if !a.authorizeReal(w, r, rbac.PermUsersImpersonate) {
		return
	}
	adminID := currentView(r).Real.ID
	if strings.EqualFold(r.URL.Query().Get("admin"), "all") {
		adminID = ""
	}
	sessions, err := a.svc.Impersonation.ActiveSessions(r.Context(), adminID)
	if err != nil {
		a.respondError(w, r, "list impersonations", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions":      sessions,
		"impersonating": impersonation.IsImpersonating(r.Context()),
	})
}
