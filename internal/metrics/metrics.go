// Package metrics exposes Prometheus collectors for the content fetcher.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	submissionsTotal           *prometheus.CounterVec
	jobTransitionsTotal        *prometheus.CounterVec
	pollErrorsTotal            *prometheus.CounterVec
	retriesTotal               *prometheus.CounterVec
	permanentFailuresTotal     prometheus.Counter
	cyclesTotal                *prometheus.CounterVec
	cycleDurationSeconds       prometheus.Histogram
	jobSuccessRate             prometheus.Gauge
	pendingJobs                prometheus.Gauge
	lowSuccessAlert            prometheus.Gauge
	submitThrottleSeconds      prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		submissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contentfetch_submissions_total",
				Help: "Crawl submissions, labeled by outcome (submitted, skipped, failed).",
			},
			[]string{"outcome"},
		)

		jobTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contentfetch_job_transitions_total",
				Help: "Job status transitions, labeled by target status and cause.",
			},
			[]string{"status", "cause"},
		)

		pollErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contentfetch_poll_errors_total",
				Help: "Poll errors, labeled by class (transient, permanent, other).",
			},
			[]string{"class"},
		)

		retriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contentfetch_retries_total",
				Help: "Retry attempts for failed jobs, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		permanentFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "contentfetch_permanent_failures_total",
				Help: "Bookmarks flagged as permanently unfetchable.",
			},
		)

		cyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contentfetch_cycles_total",
				Help: "Batch cycles, labeled by result (ok, locked, error).",
			},
			[]string{"result"},
		)

		cycleDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "contentfetch_cycle_duration_seconds",
				Help:    "Histogram of batch cycle durations.",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
			},
		)

		jobSuccessRate = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "contentfetch_job_success_rate",
				Help: "completed / (completed + failed) at the end of the last cycle.",
			},
		)

		pendingJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "contentfetch_pending_jobs",
				Help: "Pending jobs at the end of the last cycle.",
			},
		)

		lowSuccessAlert = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "contentfetch_low_success_alert",
				Help: "1 when the last cycle's success rate was below the alert threshold.",
			},
		)

		submitThrottleSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "contentfetch_submit_throttle_seconds",
				Help:    "Histogram of time spent waiting on the submission throttle.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSubmission counts a submission outcome.
func ObserveSubmission(outcome string) {
	submissionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveTransition counts a job moving to status because of cause.
func ObserveTransition(status, cause string) {
	jobTransitionsTotal.WithLabelValues(status, cause).Inc()
}

// ObservePollError counts a poll error by class.
func ObservePollError(class string) {
	pollErrorsTotal.WithLabelValues(class).Inc()
}

// ObserveRetry counts a retry outcome.
func ObserveRetry(outcome string) {
	retriesTotal.WithLabelValues(outcome).Inc()
}

// ObservePermanentFailure counts a bookmark flagged unfetchable.
func ObservePermanentFailure() {
	permanentFailuresTotal.Inc()
}

// ObserveCycle records a finished batch cycle.
func ObserveCycle(result string, duration time.Duration) {
	cyclesTotal.WithLabelValues(result).Inc()
	if result != "locked" {
		cycleDurationSeconds.Observe(duration.Seconds())
	}
}

// SetJobGauges publishes end-of-cycle job health.
func SetJobGauges(successRate float64, pending int, alert bool) {
	jobSuccessRate.Set(successRate)
	pendingJobs.Set(float64(pending))
	if alert {
		lowSuccessAlert.Set(1)
	} else {
		lowSuccessAlert.Set(0)
	}
}

// ObserveThrottle records time spent waiting on the submission throttle.
func ObserveThrottle(duration time.Duration) {
	submitThrottleSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
