// Package metrics exposes Prometheus collectors for the progress service.
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

// Sink labels for event emission metrics.
const (
	SinkLive    = "live"
	SinkDurable = "durable"
)

var (
	progressEventsTotal        *prometheus.CounterVec
	progressEventsThrottled    prometheus.Counter
	gatewaySubscribers         prometheus.Gauge
	jobsFinishedTotal          *prometheus.CounterVec
	historyRequestsTotal       prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		progressEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "progress_events_total",
				Help: "Progress events written per sink, labeled by outcome.",
			},
			[]string{"sink", "outcome"},
		)

		progressEventsThrottled = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "progress_events_throttled_total",
				Help: "Progress ticks skipped by the per-job throttle.",
			},
		)

		gatewaySubscribers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_subscribers",
				Help: "Currently connected gateway subscriptions.",
			},
		)

		jobsFinishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobs_finished_total",
				Help: "Jobs that reached a terminal status, labeled by status.",
			},
			[]string{"status"},
		)

		historyRequestsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "history_requests_total",
				Help: "Backfill queries served by the history endpoint.",
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

// ObserveEventPublished counts one sink write by outcome.
func ObserveEventPublished(sink string, ok bool) {
	if progressEventsTotal == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	progressEventsTotal.WithLabelValues(sink, outcome).Inc()
}

// ObserveEventThrottled counts one suppressed progress tick.
func ObserveEventThrottled() {
	if progressEventsThrottled == nil {
		return
	}
	progressEventsThrottled.Inc()
}

// IncSubscribers increments the connected-subscriber gauge.
func IncSubscribers() {
	if gatewaySubscribers == nil {
		return
	}
	gatewaySubscribers.Inc()
}

// DecSubscribers decrements the connected-subscriber gauge.
func DecSubscribers() {
	if gatewaySubscribers == nil {
		return
	}
	gatewaySubscribers.Dec()
}

// ObserveJobFinished counts a terminal transition by status.
func ObserveJobFinished(status string) {
	if jobsFinishedTotal == nil {
		return
	}
	jobsFinishedTotal.WithLabelValues(status).Inc()
}

// ObserveHistoryRequest counts one served backfill query.
func ObserveHistoryRequest() {
	if historyRequestsTotal == nil {
		return
	}
	historyRequestsTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
