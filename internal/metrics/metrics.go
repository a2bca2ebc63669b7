// Package metrics exposes Prometheus collectors for the scraper service.
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
	scrapeTargetsTotal      *prometheus.CounterVec
	scrapeJobsTotal         *prometheus.CounterVec
	scrapeRetriesTotal      prometheus.Counter
	scrapeActiveWorkers     prometheus.Gauge
	rateLimitDelaySeconds   prometheus.Histogram
	httpRequestsTotal       *prometheus.CounterVec
	httpRequestDurationSecs *prometheus.HistogramVec
	exportArtifactsTotal    *prometheus.CounterVec
	mediaDownloadsTotal     *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scrapeTargetsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_targets_total",
				Help: "Total number of targets processed, labeled by kind and outcome status.",
			},
			[]string{"kind", "status"},
		)

		scrapeJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_jobs_total",
				Help: "Total number of jobs finalized, labeled by terminal status.",
			},
			[]string{"status"},
		)

		scrapeRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scrape_retries_total",
				Help: "Total number of fetch retry attempts.",
			},
		)

		scrapeActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrape_active_workers",
				Help: "Number of workers currently processing a target.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scrape_rate_limit_delay_seconds",
				Help:    "Histogram of rate limiter wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSecs = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		exportArtifactsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_export_artifacts_total",
				Help: "Total number of export artifacts written, labeled by format.",
			},
			[]string{"format"},
		)

		mediaDownloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_media_downloads_total",
				Help: "Total number of media downloads, labeled by result.",
			},
			[]string{"result"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTarget increments the target counter for one recorded outcome.
func ObserveTarget(kind string, status string) {
	scrapeTargetsTotal.WithLabelValues(kind, status).Inc()
}

// ObserveJob increments the job counter for the given terminal status.
func ObserveJob(status string) {
	scrapeJobsTotal.WithLabelValues(status).Inc()
}

// ObserveRetry counts one retry attempt.
func ObserveRetry() {
	scrapeRetriesTotal.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	scrapeActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	scrapeActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limiter wait.
func ObserveRateLimitDelay(duration time.Duration) {
	rateLimitDelaySeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSecs.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveExport counts one written export artifact.
func ObserveExport(format string) {
	exportArtifactsTotal.WithLabelValues(format).Inc()
}

// ObserveMediaDownload counts one media download attempt.
func ObserveMediaDownload(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	mediaDownloadsTotal.WithLabelValues(result).Inc()
}
