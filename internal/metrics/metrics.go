package metrics

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine and worker counters, partitioned by network.

var (
	// Verification pipeline
	VerifyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facilitator",
		Subsystem: "verify",
		Name:      "requests_total",
		Help:      "Total verification requests by result",
	}, []string{"network", "result"})

	VerifyLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "facilitator",
		Subsystem: "verify",
		Name:      "duration_seconds",
		Help:      "Verification pipeline duration",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"network"})

	// Settlement engine
	SettleTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facilitator",
		Subsystem: "settle",
		Name:      "requests_total",
		Help:      "Total settlement attempts by result",
	}, []string{"network", "result"})

	SettleLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "facilitator",
		Subsystem: "settle",
		Name:      "duration_seconds",
		Help:      "End-to-end settlement duration including both confirmations",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"network"})

	TransfersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facilitator",
		Subsystem: "settle",
		Name:      "transfers_submitted_total",
		Help:      "Total on-chain transfers submitted by direction",
	}, []string{"network", "direction"})

	// Recovery worker
	RecoveryScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facilitator",
		Subsystem: "recovery",
		Name:      "scans_total",
		Help:      "Total recovery worker scans",
	}, []string{"network"})

	RecoveryOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facilitator",
		Subsystem: "recovery",
		Name:      "payments_total",
		Help:      "Total payments processed by the recovery worker by outcome",
	}, []string{"network", "outcome"})

	// Refund compensator
	RefundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facilitator",
		Subsystem: "refund",
		Name:      "requests_total",
		Help:      "Total refund attempts by result",
	}, []string{"network", "result"})

	// Alerting
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facilitator",
		Subsystem: "alerts",
		Name:      "sent_total",
		Help:      "Total alerts sent by channel and type",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facilitator",
		Subsystem: "alerts",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts suppressed by cooldown",
	}, []string{"channel", "type"})

	// DB pool
	DBOpenConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "facilitator",
		Subsystem: "db",
		Name:      "open_connections",
		Help:      "Open connections in the database pool",
	})

	DBInUseConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "facilitator",
		Subsystem: "db",
		Name:      "in_use_connections",
		Help:      "Connections currently in use",
	})

	DBIdleConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "facilitator",
		Subsystem: "db",
		Name:      "idle_connections",
		Help:      "Idle connections in the database pool",
	})
)

// CollectDBPoolStats samples sql.DB pool statistics until ctx is cancelled.
func CollectDBPoolStats(ctx context.Context, db *sql.DB, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			DBIdleConnections.Set(float64(stats.Idle))
		}
	}
}
