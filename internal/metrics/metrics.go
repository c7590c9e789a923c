// Package metrics exposes process-wide Prometheus collectors for the HTTP
// API and the execution-context managers. Run and item level series live in
// the progress Prometheus sink.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesTotal                 *prometheus.CounterVec
	bytesTotal                 *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	contextsOpenedTotal        *prometheus.CounterVec
	pacingDelaySeconds         *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to
// call more than once; every Observe function calls it.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buyboxq_pages_total",
				Help: "Pages fetched inside execution contexts, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		bytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buyboxq_page_bytes_total",
				Help: "Page bytes handed to the extractor, labeled by site.",
			},
			[]string{"site"},
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

		contextsOpenedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buyboxq_contexts_opened_total",
				Help: "Execution contexts opened, labeled by manager kind and result.",
			},
			[]string{"kind", "result"},
		)

		pacingDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "buyboxq_pacing_delay_seconds",
				Help:    "Time spent waiting on context-open and navigation token buckets.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"key"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage records one fetched page.
func ObservePage(target string, status string, bodyBytes int) {
	Init()
	site := SanitizeSite(target)
	pagesTotal.WithLabelValues(site, status).Inc()
	if bodyBytes > 0 {
		bytesTotal.WithLabelValues(site).Add(float64(bodyBytes))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveContextOpen counts an attempt to open an execution context.
func ObserveContextOpen(kind string, err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	contextsOpenedTotal.WithLabelValues(kind, result).Inc()
}

// ObservePacingDelay records a token-bucket wait. Its signature matches the
// browser pacer's observe hook.
func ObservePacingDelay(key string, duration time.Duration) {
	Init()
	pacingDelaySeconds.WithLabelValues(key).Observe(duration.Seconds())
}
