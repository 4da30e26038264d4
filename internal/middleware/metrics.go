// Package middleware provides HTTP middleware for the tenant node
// server.
package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opr_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opr_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	offersAcceptedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opr_offers_accepted_total",
			Help: "Total number of offers accepted through this node",
		},
	)

	ingestRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opr_ingest_runs_total",
			Help: "Total producer ingestion runs by outcome",
		},
		[]string{"outcome"},
	)

	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opr_errors_total",
			Help: "Total number of errors by type",
		},
		[]string{"type"},
	)
)

// Metrics returns a middleware recording request counts and latency.
func Metrics() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrapResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			path := normalizePath(r)
			status := http.StatusText(wrapped.status)
			httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())

			if wrapped.status >= 400 {
				errorType := "client_error"
				if wrapped.status >= 500 {
					errorType = "server_error"
				}
				errorsTotal.WithLabelValues(errorType).Inc()
			}
		})
	}
}

// normalizePath uses the chi route pattern to prevent cardinality
// explosion from per-tenant paths.
func normalizePath(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}

// IncrementOffersAccepted records one successful acceptance.
func IncrementOffersAccepted() {
	offersAcceptedTotal.Inc()
}

// RecordIngestRun records one producer ingestion run.
func RecordIngestRun(outcome string) {
	ingestRunsTotal.WithLabelValues(outcome).Inc()
}
