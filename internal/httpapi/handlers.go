package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"homebase.io/internal/access"
	"homebase.io/internal/audit"
	"homebase.io/internal/auth"
	"homebase.io/internal/directory"
	"homebase.io/internal/impersonation"
	"homebase.io/internal/mfa"
	"homebase.io/internal/obs"
	"homebase.io/internal/rbac"
	"homebase.io/internal/relationship"
	"homebase.io/internal/session"
)

const serviceName = "homebase-access"

// ReadyProbe reports whether the backing stores answer.
type ReadyProbe interface {
	Ping(ctx context.Context) error
}

// Services are the components the API composes. All are required.
type Services struct {
	Directory     *directory.Directory
	RBAC          *rbac.Service
	MFA           *mfa.Manager
	Impersonation *impersonation.Manager
	Relationships *relationship.Service
	Access        *access.Facade
	Audit         *audit.Ledger
	Signer        *auth.Signer
	Sessions      session.Store
}

// Options tune the HTTP surface.
type Options struct {
	Version         string
	TokenTTL        time.Duration
	ViewSessionTTL  time.Duration
	RateBurst       int
	RatePerSecond   int
	MFAVerifyBurst  int
	MFAVerifyPerMin int
	MaxBodyBytes    int64
}

func (o *Options) defaults() {
	if o.TokenTTL <= 0 {
		o.TokenTTL = 15 * time.Minute
	}
	if o.ViewSessionTTL <= 0 {
		o.ViewSessionTTL = 2 * time.Hour
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 50
	}
	if o.RatePerSecond <= 0 {
		o.RatePerSecond = 20
	}
	if o.MFAVerifyBurst <= 0 {
		o.MFAVerifyBurst = 5
	}
	if o.MFAVerifyPerMin <= 0 {
		o.MFAVerifyPerMin = 10
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 1 << 20
	}
}

// API is the HTTP layer.
type API struct {
	svc      Services
	ready    ReadyProbe
	opts     Options
	mfaLimit *limiterSet
	router   chi.Router
}

func New(svc Services, ready ReadyProbe, opts Options) (*API, error) {
	if svc.Directory == nil || svc.RBAC == nil || svc.MFA == nil || svc.Impersonation == nil ||
		svc.Relationships == nil || svc.Access == nil || svc.Audit == nil || svc.Signer == nil || svc.Sessions == nil {
		return nil, errors.New("httpapi: all services are required")
	}
	opts.defaults()
	a := &API{
		svc:      svc,
		ready:    ready,
		opts:     opts,
		mfaLimit: newLimiterSet(perMinute(opts.MFAVerifyPerMin), opts.MFAVerifyBurst),
	}
	a.router = a.routes()
	return a, nil
}

// Handler returns the fully wrapped handler for the HTTP server.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID, Logging, SecurityHeaders, maxBody(a.opts.MaxBodyBytes), rateLimit(a.opts.RateBurst, a.opts.RatePerSecond))

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Method(http.MethodGet, "/metrics", obs.Handler())
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(a.withAuth, a.withView)

		r.Get("/info", a.Info)

		// MFA routes stay reachable without a second factor so that
		// owners and admins can enroll and step up.
		r.Route("/mfa", func(r chi.Router) {
			r.Get("/", a.handleMFAStatus)
			r.Post("/setup", a.handleMFASetup)
			r.Post("/confirm", a.handleMFAConfirm)
			r.Post("/verify", a.handleMFAVerify)
			r.Post("/disable", a.handleMFADisable)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireMFA)

			r.Get("/roles", a.handleRoleCatalog)
			r.Post("/roles/{role}/permissions", a.handleGrantPermission)

			r.Get("/users/{id}", a.handleGetUser)
			r.Get("/users/{id}/roles", a.handleListRoles)
			r.Post("/users/{id}/roles", a.handleGrantRole)
			r.Delete("/users/{id}/roles/{role}", a.handleRevokeRole)
			r.Get("/users/{id}/permissions", a.handleListPermissions)
			r.Post("/users/{id}/mfa/disable", a.handleAdminMFADisable)

			r.Get("/impersonation", a.handleListImpersonations)
			r.Post("/impersonation", a.handleStartImpersonation)
			r.Delete("/impersonation/{id}", a.handleEndImpersonation)

			r.Get("/audit", a.handleAuditQuery)
			r.Get("/audit/summary/{actor}", a.handleAuditSummary)

			r.Get("/access/resources/{owner}", a.handleResourceAccess)

			r.Get("/relationships", a.handleListRelationships)
			r.Post("/relationships", a.handleLinkRelationship)
			r.Patch("/relationships", a.handleRelationshipStatus)
		})
	})
	return r
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		if err := a.ready.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.opts.Version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	body := map[string]any{"error": msg}
	if id := requestIDFromContext(r.Context()); id != "" {
		body["request_id"] = id
	}
	writeJSON(w, code, body)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid json: %w", err)
	}
	if dec.More() {
		return errors.New("request body must contain a single json object")
	}
	return nil
}
