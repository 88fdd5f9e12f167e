// Package metrics holds the Prometheus collectors shared by the key cache,
// token verifier, admission limiter and stream guard.
//
// A nil *Metrics is valid and records nothing, so components can be
// constructed without observability in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// JWKS cache lookup results.
const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheStale = "stale"
	CacheError = "error"
)

type Metrics struct {
	authRequests      *prometheus.CounterVec
	authDuration      *prometheus.HistogramVec
	jwtErrors         *prometheus.CounterVec
	jwksCache         *prometheus.CounterVec
	rateLimitRequests *prometheus.CounterVec
	rateLimitBlocks   *prometheus.CounterVec
	activeConnections prometheus.Gauge
	sseRejections     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg creates
// unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		authRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_requests_total",
				Help: "Total number of authentication requests",
			},
			[]string{"status", "user_type"},
		),
		authDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "auth_request_duration_seconds",
				Help:    "Duration of token verification in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
			[]string{"status"},
		),
		jwtErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jwt_validation_errors_total",
				Help: "Total number of JWT validation errors",
			},
			[]string{"code"},
		),
		jwksCache: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jwks_cache_hits_total",
				Help: "Total number of JWKS cache lookups by result",
			},
			[]string{"result"},
		),
		rateLimitRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limit_requests_total",
				Help: "Total number of admission checks by outcome",
			},
			[]string{"outcome"},
		),
		rateLimitBlocks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limit_blocks_total",
				Help: "Total number of rate limit blocks",
			},
			[]string{"reason", "user_type"},
		),
		activeConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_connections",
				Help: "Number of active SSE connections",
			},
		),
		sseRejections: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_rejections_total",
				Help: "Total number of rejected SSE connection attempts",
			},
			[]string{"reason"},
		),
	}
}

// UserType returns the label value used for anonymous and permanent callers.
func UserType(anonymous bool) string {
	if anonymous {
		return "anonymous"
	}
	return "permanent"
}

func (m *Metrics) ObserveAuth(status string, anonymous bool, seconds float64) {
	if m == nil {
		return
	}
	m.authRequests.WithLabelValues(status, UserType(anonymous)).Inc()
	m.authDuration.WithLabelValues(status).Observe(seconds)
}

func (m *Metrics) JWTError(code string) {
	if m == nil {
		return
	}
	m.jwtErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) JWKSLookup(result string) {
	if m == nil {
		return
	}
	m.jwksCache.WithLabelValues(result).Inc()
}

func (m *Metrics) RateLimitCheck(allowed bool) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "blocked"
	}
	m.rateLimitRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RateLimitBlock(reason string, anonymous bool) {
	if m == nil {
		return
	}
	m.rateLimitBlocks.WithLabelValues(reason, UserType(anonymous)).Inc()
}

func (m *Metrics) SetActiveConnections(n int) {
	if m == nil {
		return
	}
	m.activeConnections.Set(float64(n))
}

func (m *Metrics) SSERejected(reason string) {
	if m == nil {
		return
	}
	m.sseRejections.WithLabelValues(reason).Inc()
}
