// Package metrics registers the Prometheus metrics exported by the proxy.
// Collectors register on import; the server mounts promhttp on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts proxied requests by upstream and terminal outcome
	// ("cache_hit", "success", "rate_limited", "upstream_error",
	// "transport_error", "config_error", "circuit_open").
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptoproxy_requests_total",
			Help: "Total proxied requests by upstream and outcome.",
		},
		[]string{"upstream", "outcome"},
	)

	// CacheLookups counts cache lookups by result ("hit", "miss").
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptoproxy_cache_lookups_total",
			Help: "Total response cache lookups.",
		},
		[]string{"upstream", "result"},
	)

	// CacheStores counts responses written to the cache.
	CacheStores = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptoproxy_cache_stores_total",
			Help: "Total responses stored in the response cache.",
		},
		[]string{"upstream"},
	)

	// CoalescedMisses counts cache misses that shared another request's
	// in-flight upstream call.
	CoalescedMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptoproxy_cache_coalesced_misses_total",
			Help: "Cache misses served by a concurrent in-flight upstream call.",
		},
		[]string{"upstream"},
	)

	// UpstreamRequests counts outbound calls by HTTP status class or "error".
	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptoproxy_upstream_requests_total",
			Help: "Total outbound upstream calls.",
		},
		[]string{"upstream", "code"},
	)

	// UpstreamDuration observes outbound call latency in seconds.
	UpstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cryptoproxy_upstream_duration_seconds",
			Help:    "Upstream call duration in seconds.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"upstream"},
	)

	// CircuitBreakerState tracks per-upstream breaker state:
	// 0 = closed, 1 = open, 2 = half_open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cryptoproxy_circuit_breaker_state",
			Help: "Circuit breaker state per upstream (0=closed 1=open 2=half_open).",
		},
		[]string{"upstream"},
	)

	// RateLimitRejections counts inbound requests rejected by the limiter.
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptoproxy_rate_limit_rejections_total",
			Help: "Total inbound requests rejected by rate limiting.",
		},
		[]string{"key_type"},
	)
)

// StatusClass maps an HTTP status to its "2xx"-style label.
func StatusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
