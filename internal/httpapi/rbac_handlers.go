package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"homebase.io/internal/rbac"
)

type grantRoleRequest struct {
	Role      string     `json:"role"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type grantPermissionRequest struct {
	Permission string `json:"permission"`
}

// selfOr lets a user read their own records and everyone else only with
// permission.
func (a *API) selfOr(w http.ResponseWriter, r *http.Request, userID, permission string) bool {
	if currentView(r).Displayed.ID == userID {
		return true
	}
	return a.authorize(w, r, permission)
}

func (a *API) handleRoleCatalog(w http.ResponseWriter, r *http.Request) {
	cat, err := a.svc.RBAC.ListCatalog(r.Context())
	if err != nil {
		a.respondError(w, r, "list catalog", err)
		return
	}
	writeJSON(w, http.StatusOK, cat)
}

func (a *API) handleGrantPermission(w http.ResponseWriter, r *http.Request) {
	var req grantPermissionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role := chi.URLParam(r, "role")
	view := currentView(r)
	if err := a.svc.RBAC.GrantPermission(r.Context(), role, req.Permission, view.Real.ID); err != nil {
		a.respondError(w, r, "grant permission", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"role": role, "permission": req.Permission})
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.selfOr(w, r, id, rbac.PermUsersRead) {
		return
	}
	u, err := a.svc.Directory.Find(r.Context(), id)
	if err != nil {
		a.respondError(w, r, "find user", err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.selfOr(w, r, id, rbac.PermUsersRead) {
		return
	}
	grants, err := a.svc.RBAC.ListRoles(r.Context(), id)
	if err != nil {
		a.respondError(w, r, "list roles", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": id, "roles": grants})
}

func (a *API) handleGrantRole(w http.ResponseWriter, r *http.Request) {
	if !a.authorize(w, r, rbac.PermRolesManage) {
		return
	}
	var req grantRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := a.svc.Directory.Find(r.Context(), id); err != nil {
		a.respondError(w, r, "find user", err)
		return
	}
	view := currentView(r)
	if err := a.svc.RBAC.GrantRole(r.Context(), id, req.Role, view.Real.ID, req.ExpiresAt); err != nil {
		a.respondError(w, r, "grant role", err)
		return
	}
	grants, err := a.svc.RBAC.ListRoles(r.Context(), id)
	if err != nil {
		a.respondError(w, r, "list roles", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user_id": id, "roles": grants})
}

func (a *API) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	if !a.authorize(w, r, rbac.PermRolesManage) {
		return
	}
	id := chi.URLParam(r, "id")
	view := currentView(r)
	if err := a.svc.RBAC.RevokeRole(r.Context(), id, chi.URLParam(r, "role"), view.Real.ID); err != nil {
		a.respondError(w, r, "revoke role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.selfOr(w, r, id, rbac.PermUsersRead) {
		return
	}
	perms, err := a.svc.RBAC.ListPermissions(r.Context(), id)
	if err != nil {
		a.respondError(w, r, "list permissions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": id, "permissions": perms})
}
