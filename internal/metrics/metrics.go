// Package metrics exposes Prometheus collectors for the research service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_fetch_attempts_total",
			Help: "Outbound fetch attempts, labeled by host and outcome.",
		},
		[]string{"host", "outcome"},
	)

	fetchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_fetch_duration_seconds",
			Help:    "Latency of individual fetch attempts, labeled by host.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"host"},
	)

	fetchBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_fetch_bytes_total",
			Help: "Response bytes downloaded, labeled by host.",
		},
		[]string{"host"},
	)

	rateLimitWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_rate_limit_wait_seconds",
			Help:    "Time spent waiting on per-host politeness delays.",
			Buckets: []float64{0.1, 0.5, 1, 2, 3, 4, 5, 10, 30},
		},
		[]string{"host"},
	)

	robotsLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_robots_lookups_total",
			Help: "robots.txt decisions, labeled by result (allowed, denied).",
		},
		[]string{"result"},
	)

	robotsFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_robots_fetches_total",
			Help: "robots.txt downloads, labeled by outcome (parsed, allow_all).",
		},
		[]string{"outcome"},
	)

	taskTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_task_transitions_total",
			Help: "Task state transitions, labeled by task kind and target state.",
		},
		[]string{"kind", "state"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "research_active_workers",
			Help: "Number of workers currently processing a job.",
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
)

// SanitizeHost extracts a lowercase hostname from a URL or bare host.
// It returns "unknown" if nothing usable is found.
func SanitizeHost(raw string) string {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StatusOutcome groups an HTTP status code for labels; zero means a
// transport error.
func StatusOutcome(code int) string {
	switch {
	case code == 0:
		return "error"
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "other"
	}
}

// ObserveFetchAttempt records one outbound attempt.
func ObserveFetchAttempt(host string, status int, bytes int, duration time.Duration) {
	site := SanitizeHost(host)
	fetchAttemptsTotal.WithLabelValues(site, StatusOutcome(status)).Inc()
	fetchDurationSeconds.WithLabelValues(site).Observe(duration.Seconds())
	if bytes > 0 {
		fetchBytesTotal.WithLabelValues(site).Add(float64(bytes))
	}
}

// ObserveRateLimitWait records how long a caller slept for a host.
func ObserveRateLimitWait(host string, duration time.Duration) {
	rateLimitWaitSeconds.WithLabelValues(SanitizeHost(host)).Observe(duration.Seconds())
}

// ObserveRobotsDecision counts allow/deny answers.
func ObserveRobotsDecision(allowed bool) {
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	robotsLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveRobotsFetch counts robots.txt downloads.
func ObserveRobotsFetch(parsed bool) {
	outcome := "parsed"
	if !parsed {
		outcome = "allow_all"
	}
	robotsFetchesTotal.WithLabelValues(outcome).Inc()
}

// ObserveTaskTransition counts a task entering state.
func ObserveTaskTransition(kind, state string) {
	taskTransitionsTotal.WithLabelValues(kind, state).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
