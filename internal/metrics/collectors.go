// Package metrics aggregates per-run crawl counters and exposes them as
// Prometheus collectors and an append-only JSONL log.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors holds the Prometheus collectors shared by every run in the
// process. They are registered on an injected registry.
type Collectors struct {
	requestsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	retriesTotal        *prometheus.CounterVec
	slowRequestsTotal   *prometheus.CounterVec
	forbiddenTotal      *prometheus.CounterVec
	outcomesTotal       *prometheus.CounterVec
	duplicatesTotal     *prometheus.CounterVec
	rateWaitSeconds     prometheus.Histogram
	runsTotal           *prometheus.CounterVec
	budgetElapsed       prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewCollectors registers the crawler collectors on reg.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_requests_total",
				Help: "Total outbound page requests, labeled by category and status class.",
			},
			[]string{"category", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_request_duration_seconds",
				Help:    "Histogram of outbound request latencies, labeled by category.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"category"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_retries_total",
				Help: "Total retryable failed attempts, labeled by category.",
			},
			[]string{"category"},
		),
		slowRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_slow_requests_total",
				Help: "Requests slower than the slow-request threshold, labeled by category.",
			},
			[]string{"category"},
		),
		forbiddenTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_forbidden_total",
				Help: "403 responses, labeled by category.",
			},
			[]string{"category"},
		),
		outcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_url_outcomes_total",
				Help: "Terminal URL outcomes, labeled by category and state.",
			},
			[]string{"category", "state"},
		),
		duplicatesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_duplicates_total",
				Help: "Records rejected as duplicates, labeled by category.",
			},
			[]string{"category"},
		),
		rateWaitSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate gate wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		),
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_runs_total",
				Help: "Finished runs, labeled by status.",
			},
			[]string{"status"},
		),
		budgetElapsed: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_budget_elapsed_seconds",
				Help: "Elapsed time of the current run against its budget.",
			},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of status server requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of status server latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		),
	}
}

// SetBudgetElapsed publishes the current run's elapsed budget.
func (c *Collectors) SetBudgetElapsed(d time.Duration) {
	c.budgetElapsed.Set(d.Seconds())
}

// Middleware is a chi middleware that records status server request metrics.
func (c *Collectors) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			routePattern = rc.RoutePattern()
		}
		c.httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.status)).Inc()
		c.httpRequestDuration.WithLabelValues(r.Method, routePattern).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func statusClass(status int) string {
	if status <= 0 {
		return "error"
	}
	return strconv.Itoa(status/100) + "xx"
}
