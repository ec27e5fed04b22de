// Package metrics exposes Prometheus collectors for the crawl coordinator.
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

// Page outcomes recorded by ObservePage.
const (
	OutcomeAccepted    = "accepted"
	OutcomeFetchFailed = "fetch_failed"
	OutcomeRejected    = "rejected"
)

// Link filter reasons recorded by ObserveLinkFiltered.
const (
	ReasonSelf      = "self"
	ReasonDepth     = "depth"
	ReasonDomain    = "domain"
	ReasonExtension = "extension"
	ReasonScheme    = "scheme"
	ReasonDuplicate = "duplicate"
	ReasonInvalid   = "invalid"
)

// Emit results recorded by ObserveEmit.
const (
	EmitDelivered = "delivered"
	EmitRetried   = "retried"
	EmitFailed    = "failed"
)

var (
	crawlerPagesTotal             *prometheus.CounterVec
	crawlerBytesTotal             *prometheus.CounterVec
	crawlerLinksFilteredTotal     *prometheus.CounterVec
	crawlerLinksEnqueuedTotal     *prometheus.CounterVec
	crawlerEmitsTotal             *prometheus.CounterVec
	crawlerActiveWorkers          prometheus.Gauge
	crawlerFrontierSize           *prometheus.GaugeVec
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. It is safe to call multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Pages processed by workers, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerLinksFilteredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_links_filtered_total",
				Help: "Discovered links dropped by the URL policy, labeled by reason.",
			},
			[]string{"reason"},
		)

		crawlerLinksEnqueuedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_links_enqueued_total",
				Help: "Links admitted to the frontier, labeled by job.",
			},
			[]string{"job"},
		)

		crawlerEmitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_emits_total",
				Help: "Page deliveries to the downstream sink, labeled by result.",
			},
			[]string{"result"},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of crawl workers currently running.",
			},
		)

		crawlerFrontierSize = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawler_frontier_size",
				Help: "Last observed frontier length, labeled by job.",
			},
			[]string{"job"},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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

// ObservePage records one processed frontier entry.
func ObservePage(site, outcome string, bytesFetched int) {
	Init()
	sanitized := SanitizeSite(site)
	crawlerPagesTotal.WithLabelValues(sanitized, outcome).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitized).Add(float64(bytesFetched))
	}
}

// ObserveLinkFiltered records a link dropped by the URL policy.
func ObserveLinkFiltered(reason string) {
	Init()
	crawlerLinksFilteredTotal.WithLabelValues(reason).Inc()
}

// ObserveLinkEnqueued records a link admitted to the frontier.
func ObserveLinkEnqueued(jobID string) {
	Init()
	crawlerLinksEnqueuedTotal.WithLabelValues(jobID).Inc()
}

// ObserveEmit records a sink delivery result.
func ObserveEmit(result string) {
	Init()
	crawlerEmitsTotal.WithLabelValues(result).Inc()
}

// SetFrontierSize records the last frontier length a worker observed.
func SetFrontierSize(jobID string, size int64) {
	Init()
	crawlerFrontierSize.WithLabelValues(jobID).Set(float64(size))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
