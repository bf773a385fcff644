// Package metrics exposes Prometheus collectors for the relay service.
package metrics

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	fetchSessionsTotal         *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	sseFramesTotal             *prometheus.CounterVec
	pipelineDiscardedLines     prometheus.Counter
	pipelinesActive            prometheus.Gauge
	rateLimitRejectionsTotal   *prometheus.CounterVec

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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 30, 60},
			},
			[]string{"method", "route"},
		)

		fetchSessionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radar_fetch_sessions_total",
				Help: "Fetch sessions started, labeled by relay mode and outcome.",
			},
			[]string{"mode", "result"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "radar_fetch_duration_seconds",
				Help:    "Wall-clock duration of fetch sessions.",
				Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90},
			},
			[]string{"mode"},
		)

		sseFramesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radar_sse_frames_total",
				Help: "Server-sent event frames written, labeled by event name.",
			},
			[]string{"event"},
		)

		pipelineDiscardedLines = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "radar_pipeline_discarded_lines_total",
				Help: "Pipeline output lines dropped because they were not records.",
			},
		)

		pipelinesActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "radar_pipelines_active",
				Help: "Number of pipeline processes currently running.",
			},
		)

		rateLimitRejectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radar_rate_limit_rejections_total",
				Help: "Fetch requests rejected by the rate limiter, labeled by route.",
			},
			[]string{"route"},
		)
	})
}

// ClientHost reduces a remote address to its host part for use as a limiter
// key. It returns "unknown" when nothing usable remains.
func ClientHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(remoteAddr))
	if err != nil {
		host = strings.TrimSpace(remoteAddr)
	}
	host = strings.Trim(host, "[]")
	if host == "" {
		return "unknown"
	}
	return strings.ToLower(host)
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveFetch records the outcome of one fetch session.
func ObserveFetch(mode, result string, duration time.Duration) {
	Init()
	fetchSessionsTotal.WithLabelValues(mode, result).Inc()
	fetchDurationSeconds.WithLabelValues(mode).Observe(duration.Seconds())
}

// ObserveFrame counts one SSE frame.
func ObserveFrame(event string) {
	Init()
	sseFramesTotal.WithLabelValues(event).Inc()
}

// ObserveDiscardedLines adds n dropped pipeline lines.
func ObserveDiscardedLines(n int) {
	if n <= 0 {
		return
	}
	Init()
	pipelineDiscardedLines.Add(float64(n))
}

// IncActivePipelines increments the running pipeline gauge.
func IncActivePipelines() {
	Init()
	pipelinesActive.Inc()
}

// DecActivePipelines decrements the running pipeline gauge.
func DecActivePipelines() {
	Init()
	pipelinesActive.Dec()
}

// ObserveRateLimitRejection counts a request refused by the limiter.
func ObserveRateLimitRejection(route string) {
	Init()
	rateLimitRejectionsTotal.WithLabelValues(route).Inc()
}
