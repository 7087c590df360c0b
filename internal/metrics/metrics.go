// Package metrics provides Prometheus metrics for the crawler's scheduling
// and admission-control subsystems.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devicecrawl_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"type", "priority"},
	)
	JobsDeduplicated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devicecrawl_jobs_deduplicated_total",
			Help: "Total number of enqueues collapsed into an existing active job",
		},
		[]string{"type"},
	)
	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devicecrawl_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		},
		[]string{"type"},
	)
	JobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devicecrawl_jobs_failed_total",
			Help: "Total number of jobs that failed permanently",
		},
		[]string{"type"},
	)
	JobsRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devicecrawl_jobs_retried_total",
			Help: "Total number of job retries scheduled",
		},
		[]string{"type"},
	)
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "devicecrawl_job_duration_seconds",
			Help:    "Job execution duration in seconds",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 900, 1800},
		},
		[]string{"type", "status"},
	)

	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devicecrawl_requests_total",
			Help: "Outbound requests by outcome",
		},
		[]string{"outcome"},
	)
	RequestLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "devicecrawl_request_latency_seconds",
			Help:    "Outbound request latency in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)
	RequestQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "devicecrawl_request_queue_depth",
			Help: "Requests waiting for dispatch",
		},
	)
	ActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "devicecrawl_active_requests",
			Help: "Requests currently in flight",
		},
	)
	ConcurrencyLimit = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "devicecrawl_concurrency_limit",
			Help: "Current adaptive concurrency ceiling",
		},
	)

	CircuitOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "devicecrawl_circuit_open",
			Help: "1 while the rate limiter circuit breaker is open",
		},
	)
	HealthyProxies = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "devicecrawl_healthy_proxies",
			Help: "Number of proxies currently in rotation",
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devicecrawl_http_requests_total",
			Help: "Total number of HTTP requests to the status API",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "devicecrawl_http_request_duration_seconds",
			Help:    "Status API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordJobEnqueued(jobType string, priority int) {
	JobsEnqueued.WithLabelValues(jobType, strconv.Itoa(priority)).Inc()
}

func RecordJobDeduplicated(jobType string) {
	JobsDeduplicated.WithLabelValues(jobType).Inc()
}

func RecordJobCompleted(jobType string, duration time.Duration) {
	JobsCompleted.WithLabelValues(jobType).Inc()
	JobDuration.WithLabelValues(jobType, "completed").Observe(duration.Seconds())
}

func RecordJobFailed(jobType string, duration time.Duration) {
	JobsFailed.WithLabelValues(jobType).Inc()
	JobDuration.WithLabelValues(jobType, "failed").Observe(duration.Seconds())
}

func RecordJobRetried(jobType string) {
	JobsRetried.WithLabelValues(jobType).Inc()
}

func RecordRequest(outcome string, latency time.Duration) {
	RequestsTotal.WithLabelValues(outcome).Inc()
	if latency > 0 {
		RequestLatency.Observe(latency.Seconds())
	}
}

func UpdateRequestQueue(depth, active, limit int) {
	RequestQueueDepth.Set(float64(depth))
	ActiveRequests.Set(float64(active))
	ConcurrencyLimit.Set(float64(limit))
}

func UpdateCircuitOpen(open bool) {
	if open {
		CircuitOpen.Set(1)
	} else {
		CircuitOpen.Set(0)
	}
}

func UpdateHealthyProxies(count int) {
	HealthyProxies.Set(float64(count))
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
