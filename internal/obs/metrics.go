package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"homebase.io/internal/ids"
)

var (
	initOnce sync.Once

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	accessDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_decisions_total",
			Help: "Authorization decisions by kind and result.",
		},
		[]string{"kind", "result"},
	)

	mfaVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mfa_verifications_total",
			Help: "MFA verification attempts by method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	impersonationEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "impersonation_events_total",
			Help: "Impersonation sessions started and ended.",
		},
		[]string{"event"},
	)
)

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			accessDecisions, mfaVerifications, impersonationEvents,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDecision counts an authorization decision.
func ObserveDecision(kind string, allowed bool) {
	result := "denied"
	if allowed {
		result = "allowed"
	}
	accessDecisions.WithLabelValues(kind, result).Inc()
}

// ObserveMFA counts an MFA verification attempt.
func ObserveMFA(method string, ok bool) {
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	mfaVerifications.WithLabelValues(method, outcome).Inc()
}

// ObserveImpersonation counts a started or ended impersonation session.
func ObserveImpersonation(event string) {
	impersonationEvents.WithLabelValues(event).Inc()
}

// Instrument wraps next with in-flight, count and latency metrics.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses identifier segments so metric labels stay bounded.
// Any segment that is an entity id, or that follows "users", "impersonation"
// or "summary", becomes ":id".
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	raw = strings.Trim(raw, "/")
	if raw == "" {
		return "/"
	}
	parts := strings.Split(raw, "/")
	for i, p := range parts {
		if ids.Valid(p) {
			parts[i] = ":id"
			continue
		}
		if i > 0 {
			switch parts[i-1] {
			case "users", "impersonation", "summary", "resources":
				parts[i] = ":id"
			}
		}
	}
	return "/" + strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
