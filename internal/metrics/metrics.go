// Package metrics exposes Prometheus collectors for the downloader service.
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
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	sourceFetchAttemptsTotal   *prometheus.CounterVec
	searchActiveWorkers        prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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

		sourceFetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txtdl_source_fetch_attempts_total",
				Help: "Total fetch attempts against the remote source, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		searchActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "txtdl_search_active_workers",
				Help: "Number of search workers currently scanning files.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics. It is a no-op
// before Init.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveFetchAttempt increments the fetch attempt counter for the given
// outcome ("ok", "retryable", "rate_limited", "permanent").
func ObserveFetchAttempt(outcome string) {
	if sourceFetchAttemptsTotal == nil {
		return
	}
	sourceFetchAttemptsTotal.WithLabelValues(outcome).Inc()
}

// IncSearchWorkers increments the active search workers gauge.
func IncSearchWorkers() {
	if searchActiveWorkers == nil {
		return
	}
	searchActiveWorkers.Inc()
}

// DecSearchWorkers decrements the active search workers gauge.
func DecSearchWorkers() {
	if searchActiveWorkers == nil {
		return
	}
	searchActiveWorkers.Dec()
}
