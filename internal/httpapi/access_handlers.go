package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"homebase.io/internal/directory"
	"homebase.io/internal/rbac"
	"homebase.io/internal/relationship"
)

type relationshipRequest struct {
	HomeownerID    string              `json:"homeowner_id"`
	ProfessionalID string              `json:"professional_id"`
	Status         relationship.Status `json:"status,omitempty"`
}

// handleResourceAccess answers whether the displayed user may open a
// resource of ?type= owned by {owner}.
func (a *API) handleResourceAccess(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	resourceType := strings.TrimSpace(r.URL.Query().Get("type"))
	if resourceType == "" {
		resourceType = "homeowner"
	}
	d := a.svc.Access.CanAccessResource(r.Context(), currentView(r).Displayed, owner, resourceType)
	code := http.StatusOK
	if !d.Allowed {
		code = http.StatusForbidden
	}
	writeJSON(w, code, d)
}

func (a *API) handleListRelationships(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := relationship.Status(strings.ToLower(strings.TrimSpace(q.Get("status"))))
	if status != "" && !status.Valid() {
		writeError(w, r, http.StatusBadRequest, "unsupported status")
		return
	}
	user := currentView(r).Displayed
	var (
		rels []relationship.Relationship
		err  error
	)
	switch {
	case q.Get("homeowner_id") != "":
		if !a.selfOr(w, r, q.Get("homeowner_id"), rbac.PermClientsRead) {
			return
		}
		rels, err = a.svc.Relationships.ListForHomeowner(r.Context(), q.Get("homeowner_id"), status)
	case q.Get("professional_id") != "":
		if !a.selfOr(w, r, q.Get("professional_id"), rbac.PermClientsRead) {
			return
		}
		rels, err = a.svc.Relationships.ListForProfessional(r.Context(), q.Get("professional_id"), status)
	case user.PrimaryRole.Professional():
		rels, err = a.svc.Relationships.ListForProfessional(r.Context(), user.ID, status)
	default:
		rels, err = a.svc.Relationships.ListForHomeowner(r.Context(), user.ID, status)
	}
	if err != nil {
		a.respondError(w, r, "list relationships", err)
		return
	}
	if rels == nil {
		rels = []relationship.Relationship{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rels})
}

func (a *API) handleLinkRelationship(w http.ResponseWriter, r *http.Request) {
	req, professional, ok := a.relationshipParties(w, r)
	if !ok {
		return
	}
	rel, err := a.svc.Relationships.Link(r.Context(), currentView(r).Real.ID, req.HomeownerID, professional.ID, professional.PrimaryRole)
	if err != nil {
		a.respondError(w, r, "link relationship", err)
		return
	}
	writeJSON(w, http.StatusCreated, rel)
}

func (a *API) handleRelationshipStatus(w http.ResponseWriter, r *http.Request) {
	req, professional, ok := a.relationshipParties(w, r)
	if !ok {
		return
	}
	rel, err := a.svc.Relationships.SetStatus(r.Context(), currentView(r).Real.ID, req.HomeownerID, professional.ID, professional.PrimaryRole, req.Status)
	if err != nil {
		a.respondError(w, r, "update relationship", err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

// relationshipParties decodes a relationship request and checks that the
// caller is the homeowner or may manage clients. The professional's role
// comes from the directory.
func (a *API) relationshipParties(w http.ResponseWriter, r *http.Request) (relationshipRequest, directory.User, bool) {
	var req relationshipRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return req, directory.User{}, false
	}
	req.HomeownerID = strings.TrimSpace(req.HomeownerID)
	if !a.selfOr(w, r, req.HomeownerID, rbac.PermClientsManage) {
		return req, directory.User{}, false
	}
	homeowner, err := a.svc.Directory.Find(r.Context(), req.HomeownerID)
	if err != nil {
		a.respondError(w, r, "find homeowner", err)
		return req, directory.User{}, false
	}
	if homeowner.PrimaryRole != directory.RoleHomeowner {
		writeError(w, r, http.StatusBadRequest, "homeowner_id does not name a homeowner")
		return req, directory.User{}, false
	}
	professional, err := a.svc.Directory.Find(r.Context(), req.ProfessionalID)
	if err != nil {
		a.respondError(w, r, "find professional", err)
		return req, directory.User{}, false
	}
	return req, professional, true
}
