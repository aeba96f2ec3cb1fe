package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RefreshTotal tracks refresh-token exchanges per provider and outcome
	RefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudlink_refresh_total",
			Help: "Total number of refresh-token exchanges",
		},
		[]string{"provider", "outcome"},
	)

	// RefreshLatency tracks exchange call latency
	RefreshLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cloudlink_refresh_latency_seconds",
			Help:    "Refresh-token exchange latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// ClassifiedErrorsTotal tracks classified provider failures
	ClassifiedErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudlink_classified_errors_total",
			Help: "Total number of provider failures by classification",
		},
		[]string{"provider", "operation", "kind"},
	)

	// ProbesTotal tracks connectivity probes
	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudlink_probes_total",
			Help: "Total number of connectivity probes",
		},
		[]string{"provider", "result"},
	)

	// ValidationCacheTotal tracks validation cache lookups
	ValidationCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudlink_validation_cache_total",
			Help: "Validation cache lookups by result",
		},
		[]string{"result"},
	)

	// LockWaitSeconds tracks time spent acquiring the per-credential lock
	LockWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cloudlink_lock_wait_seconds",
			Help:    "Time spent waiting for the per-credential refresh lock",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
		[]string{"provider", "result"},
	)

	// NotificationsTotal tracks email intents handed to the queue
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudlink_notifications_total",
			Help: "Total number of email intents enqueued",
		},
		[]string{"provider", "kind", "decision"},
	)

	// StatusTransitionsTotal tracks consolidated status transitions
	StatusTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudlink_status_transitions_total",
			Help: "Consolidated status transitions",
		},
		[]string{"provider", "from", "to"},
	)

	// DBConnectionPoolUsage tracks database connection pool usage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudlink_db_connection_pool_usage_percent",
			Help: "Percentage of open connections in the pool",
		},
	)
)
