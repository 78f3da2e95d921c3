package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"homebase.io/internal/auth"
	"homebase.io/internal/mfa"
	"homebase.io/internal/rbac"
)

type mfaCodeRequest struct {
	Code string `json:"code"`
}

type mfaTokenResponse struct {
	Verified             bool      `json:"verified"`
	UsedBackupCode       bool      `json:"used_backup_code,omitempty"`
	RemainingBackupCodes int       `json:"remaining_backup_codes"`
	Token                string    `json:"token"`
	ExpiresAt            time.Time `json:"expires_at"`
}

// MFA routes always act on the real user, never on an impersonated one.

func (a *API) handleMFAStatus(w http.ResponseWriter, r *http.Request) {
	userID := currentView(r).Real.ID
	state, err := a.svc.MFA.State(r.Context(), userID)
	if err != nil {
		a.respondError(w, r, "mfa state", err)
		return
	}
	remaining, err := a.svc.MFA.RemainingBackupCodes(r.Context(), userID)
	if err != nil {
		a.respondError(w, r, "mfa backup codes", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":                  state,
		"remaining_backup_codes": remaining,
	})
}

func (a *API) handleMFASetup(w http.ResponseWriter, r *http.Request) {
	user := currentView(r).Real
	if !a.stepUpIfEnabled(w, r, user.ID) {
		return
	}
	enrollment, err := a.svc.MFA.GenerateSecret(r.Context(), user.ID, user.Email, "")
	if err != nil {
		a.respondError(w, r, "mfa setup", err)
		return
	}
	writeJSON(w, http.StatusCreated, enrollment)
}

func (a *API) handleMFAConfirm(w http.ResponseWriter, r *http.Request) {
	var req mfaCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userID := currentView(r).Real.ID
	if ok, retry := a.mfaLimit.allow(userID); !ok {
		tooManyRequests(w, r, retry)
		return
	}
	ok, err := a.svc.MFA.ConfirmEnrollment(r.Context(), userID, req.Code)
	if err != nil {
		a.respondError(w, r, "mfa confirm", err)
		return
	}
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "invalid code")
		return
	}
	a.issueMFAToken(w, r, userID, false)
}

func (a *API) handleMFAVerify(w http.ResponseWriter, r *http.Request) {
	var req mfaCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userID := currentView(r).Real.ID
	if ok, retry := a.mfaLimit.allow(userID); !ok {
		tooManyRequests(w, r, retry)
		return
	}
	ok, usedBackup, err := a.svc.MFA.VerifyCode(r.Context(), userID, req.Code)
	if err != nil {
		a.respondError(w, r, "mfa verify", err)
		return
	}
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "invalid code")
		return
	}
	a.issueMFAToken(w, r, userID, usedBackup)
}

func (a *API) handleMFADisable(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	if !principal.MFA {
		writeError(w, r, http.StatusForbidden, "mfa verification required")
		return
	}
	if err := a.svc.MFA.Disable(r.Context(), currentView(r).Real.ID, ""); err != nil {
		a.respondError(w, r, "mfa disable", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAdminMFADisable(w http.ResponseWriter, r *http.Request) {
	if !a.authorize(w, r, rbac.PermMFAManage) {
		return
	}
	target := chi.URLParam(r, "id")
	if err := a.svc.MFA.Disable(r.Context(), target, currentView(r).Real.ID); err != nil {
		a.respondError(w, r, "mfa disable", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// stepUpIfEnabled demands an MFA token before an enabled configuration can
// be replaced.
func (a *API) stepUpIfEnabled(w http.ResponseWriter, r *http.Request, userID string) bool {
	principal, _ := auth.PrincipalFromContext(r.Context())
	if principal.MFA {
		return true
	}
	state, err := a.svc.MFA.State(r.Context(), userID)
	if err != nil {
		a.respondError(w, r, "mfa state", err)
		return false
	}
	if state == mfa.StateEnabled {
		writeError(w, r, http.StatusForbidden, "mfa verification required")
		return false
	}
	return true
}

func (a *API) issueMFAToken(w http.ResponseWriter, r *http.Request, userID string, usedBackup bool) {
	token, expires, err := a.svc.Signer.Issue(userID, a.opts.TokenTTL, true)
	if err != nil {
		a.internalError(w, r, "issue token", err)
		return
	}
	remaining, err := a.svc.MFA.RemainingBackupCodes(r.Context(), userID)
	if err != nil {
		a.respondError(w, r, "mfa backup codes", err)
		return
	}
	writeJSON(w, http.StatusOK, mfaTokenResponse{
		Verified:             true,
		UsedBackupCode:       usedBackup,
		RemainingBackupCodes: remaining,
		Token:                token,
		ExpiresAt:            expires,
	})
}
