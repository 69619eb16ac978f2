package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RedisErrorRate counts Redis errors by operation type.
	RedisErrorRate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_redis_error_rate_total",
		Help: "Total number of Redis errors by operation type",
	}, []string{"operation"})

	// DatabaseQueryLatency records database query latency by operation and table.
	DatabaseQueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "warden_database_query_latency_seconds",
		Help:    "Database query latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	// SanctionsIssued counts issue requests by kind and outcome.
	SanctionsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_sanctions_issued_total",
		Help: "Total sanction issue requests by kind and outcome",
	}, []string{"kind", "outcome"})

	// Reversals counts reversal attempts by trigger (expiry, manual, drift) and outcome.
	Reversals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_reversals_total",
		Help: "Total sanction reversals by trigger and outcome",
	}, []string{"trigger", "outcome"})

	// GatewayCallLatency records end-to-end platform call latency including retries.
	GatewayCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "warden_gateway_call_latency_seconds",
		Help:    "Sanction gateway call latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// GatewayAttempts counts individual platform attempts by result.
	GatewayAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_gateway_attempts_total",
		Help: "Total platform call attempts by operation and result",
	}, []string{"operation", "result"})

	// ScheduledReversals is the number of reversals the scheduler is tracking.
	ScheduledReversals = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warden_scheduled_reversals",
		Help: "Number of pending or firing scheduled reversals",
	})

	// LockWait records time spent acquiring a member lock.
	LockWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "warden_lock_wait_seconds",
		Help:    "Time spent waiting for a per-member lock",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend"})

	// ReconcileChecked counts infractions inspected by the reconciliation sweep by result.
	ReconcileChecked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_reconcile_checked_total",
		Help: "Infractions inspected by the reconciliation sweep by result",
	}, []string{"result"})
)

// TrackQuery returns a function that records query latency when called (e.g. defer).
func TrackQuery(operation, table string) func() {
	start := time.Now()
	return func() {
		DatabaseQueryLatency.WithLabelValues(operation, table).Observe(time.Since(start).Seconds())
	}
}

// TrackGatewayCall returns a function that records platform call latency when called.
func TrackGatewayCall(operation string) func() {
	start := time.Now()
	return func() {
		GatewayCallLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}
