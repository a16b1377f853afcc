package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quizpass_http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizpass_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quizpass_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// Reconciliations counts webhook reconciliations by terminal state.
	Reconciliations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizpass_reconciliations_total",
			Help: "Checkout reconciliations by terminal state.",
		},
		[]string{"state"},
	)

	// AccountsCreated counts permanent accounts created by reconciliation.
	AccountsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quizpass_accounts_created_total",
		Help: "Permanent accounts created from guest checkouts.",
	})

	// CredentialVerifications counts magic link verifications by result.
	CredentialVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizpass_credential_verifications_total",
			Help: "Magic link verifications by result.",
		},
		[]string{"result"},
	)

	// ReadinessPolls counts readiness poll responses by HTTP status.
	ReadinessPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizpass_readiness_polls_total",
			Help: "Readiness poll responses by status code.",
		},
		[]string{"status"},
	)

	// CleanupFailures counts best-effort housekeeping steps that failed.
	CleanupFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizpass_cleanup_failures_total",
			Help: "Best-effort cleanup steps that failed.",
		},
		[]string{"step"},
	)

	// Accounts is the number of permanent accounts, refreshed hourly.
	Accounts = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quizpass_accounts",
		Help: "Permanent accounts.",
	})

	// BackupLastSuccess is the unix time of the last uploaded snapshot.
	BackupLastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quizpass_backup_last_success_timestamp_seconds",
		Help: "Unix time of the last successful database snapshot.",
	})

	registerOnce sync.Once
)

// Init registers all collectors with the default registry. Safe to call more
// than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			Reconciliations, AccountsCreated, CredentialVerifications,
			ReadinessPolls, CleanupFailures, BackupLastSuccess, Accounts,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records request counts and latency. route should be the
// registered pattern, not the raw path, to keep label cardinality bounded.
func Instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController and websocket upgrades reach the
// underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
