// Package metrics holds the domain counters shared by the verifier, proxy and
// audit pipeline. HTTP request metrics live in the middleware package.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Verification outcomes
	VerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyguard_verifications_total",
			Help: "Signature verifications by outcome reason (ok on success)",
		},
		[]string{"reason"},
	)

	// Proxy metrics
	ProxyCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyguard_proxy_calls_total",
			Help: "Proxied provider calls by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keyguard_upstream_latency_seconds",
			Help:    "Time until the upstream provider returned response headers",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	// Audit metrics
	AuditEmittedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keyguard_audit_events_emitted_total",
			Help: "Audit events accepted by the emitter queue",
		},
	)

	AuditDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keyguard_audit_events_dropped_total",
			Help: "Audit events dropped because the queue was full",
		},
	)

	AuditSinkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyguard_audit_sink_errors_total",
			Help: "Audit sink writes that failed after retries",
		},
		[]string{"sink"},
	)

	// Nonce cache
	NonceEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keyguard_nonce_cache_entries",
			Help: "Live entries in the in-memory nonce cache",
		},
	)

	// Enrollment
	EnrollmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyguard_enrollments_total",
			Help: "Enrollment attempts by outcome reason (ok on success)",
		},
		[]string{"reason"},
	)

	// Rate limiting
	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyguard_rate_limited_total",
			Help: "Requests rejected by the rate limiter by scope",
		},
		[]string{"scope"},
	)
)
