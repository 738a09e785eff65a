package obs

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/defiant4/organization-management-service/internal/authz"
)

// HTTP metrics
var (
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
)

// Access-control metrics
var (
	authzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oms_authz_decisions_total",
			Help: "Authorization decisions by action, outcome and deny reason.",
		},
		[]string{"action", "decision", "reason"},
	)

	tokenVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oms_token_verifications_total",
			Help: "Access token verifications by result.",
		},
		[]string{"result"},
	)

	logins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oms_logins_total",
			Help: "Login attempts by result.",
		},
		[]string{"result"},
	)

	revokedTokens = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "oms_revoked_tokens",
		Help: "Revocation entries currently held in memory.",
	})
)

var initOnce sync.Once

// Init registers all metrics in the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			authzDecisions, tokenVerifications, logins, revokedTokens,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records request count, latency and in-flight requests. The path
// label is the matched chi route pattern so ids do not explode cardinality.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		path := RoutePattern(r)
		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
	})
}

// RoutePattern returns the chi pattern that served r, or "unmatched".
func RoutePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Recorder feeds access-control outcomes into the metrics above. It satisfies
// access.Observer, and Decision plugs into authz.WithObserver.
type Recorder struct{}

func (Recorder) TokenVerified(result string) {
	tokenVerifications.WithLabelValues(result).Inc()
}

func (Recorder) LoginAttempt(result string) {
	logins.WithLabelValues(result).Inc()
}

func (Recorder) Decision(d authz.Decision) {
	outcome := "deny"
	if d.Allowed {
		outcome = "allow"
	}
	authzDecisions.WithLabelValues(string(d.Action), outcome, d.Reason.String()).Inc()
}

// RevokedTokens reports the size of the in-memory revocation list.
func (Recorder) RevokedTokens(n int) {
	revokedTokens.Set(float64(n))
}
