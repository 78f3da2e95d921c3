package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"homebase.io/internal/audit"
	"homebase.io/internal/directory"
	"homebase.io/internal/impersonation"
	"homebase.io/internal/mfa"
	"homebase.io/internal/obs"
	"homebase.io/internal/rbac"
	"homebase.io/internal/relationship"
)

// statusFor maps component sentinels to HTTP status codes. Anything not
// listed is a server error.
func statusFor(err error) int {
	switch {
	case errors.Is(err, rbac.ErrInvalidInput),
		errors.Is(err, mfa.ErrInvalidInput),
		errors.Is(err, impersonation.ErrInvalidInput),
		errors.Is(err, relationship.ErrInvalidInput),
		errors.Is(err, directory.ErrInvalidInput),
		errors.Is(err, audit.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, rbac.ErrNotFound),
		errors.Is(err, mfa.ErrNotFound),
		errors.Is(err, impersonation.ErrNotFound),
		errors.Is(err, relationship.ErrNotFound),
		errors.Is(err, directory.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, rbac.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, impersonation.ErrSessionActive),
		errors.Is(err, mfa.ErrInvalidState),
		errors.Is(err, directory.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// respondError writes err with its mapped status. Server errors are logged
// and hidden from the client.
func (a *API) respondError(w http.ResponseWriter, r *http.Request, op string, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		a.internalError(w, r, op, err)
		return
	}
	writeError(w, r, code, err.Error())
}

func (a *API) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	obs.Logger().ErrorContext(r.Context(), "request failed",
		slog.String("request_id", requestIDFromContext(r.Context())),
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	writeError(w, r, http.StatusInternalServerError, "internal error")
}
