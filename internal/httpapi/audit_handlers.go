package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"homebase.io/internal/audit"
	"homebase.io/internal/rbac"
)

const defaultSummaryDays = 30

func (a *API) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if !a.authorize(w, r, rbac.PermAuditRead) {
		return
	}
	q := r.URL.Query()
	filter := audit.Filter{
		ActorID:  q.Get("actor"),
		Action:   strings.ToUpper(strings.TrimSpace(q.Get("action"))),
		Resource: q.Get("resource"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}
	entries, err := a.svc.Audit.Query(r.Context(), filter)
	if err != nil {
		a.respondError(w, r, "query audit", err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (a *API) handleAuditSummary(w http.ResponseWriter, r *http.Request) {
	actor := chi.URLParam(r, "actor")
	if !a.selfOr(w, r, actor, rbac.PermAuditRead) {
		return
	}
	days := defaultSummaryDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, r, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = v
	}
	summary, err := a.svc.Audit.ActivitySummary(r.Context(), actor, days)
	if err != nil {
		a.respondError(w, r, "audit summary", err)
		return
	}
	if summary == nil {
		summary = []audit.ActionSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"actor_id": actor,
		"days":     days,
		"actions":  summary,
	})
}
