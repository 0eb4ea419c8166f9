package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts records login attempts by result (success|failure|disabled).
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authkit_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"result"},
	)

	// RateLimitDecisions counts limiter outcomes (allowed|limited|skipped|error) per rule.
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authkit_ratelimit_decisions_total",
			Help: "Rate limiter decisions by rule and result",
		},
		[]string{"rule", "result"},
	)

	// TokenOperations counts token lifecycle transitions by purpose and outcome.
	TokenOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authkit_token_operations_total",
			Help: "Verification and password reset token operations",
		},
		[]string{"purpose", "operation", "result"},
	)

	// EmailsSent counts delivery attempts per provider and status (sent|failed|retry).
	EmailsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authkit_emails_total",
			Help: "Transactional email delivery attempts",
		},
		[]string{"provider", "status"},
	)

	// NotificationQueueDepth tracks events waiting for a dispatcher worker.
	NotificationQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "authkit_notification_queue_depth",
			Help: "Number of queued notification events",
		},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "authkit_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
