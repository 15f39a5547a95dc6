// internal/pkg/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 预占相关指标。result 取值: reserved / insufficient_stock / retry_exhausted
var (
	ReservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderflow_reservations_total",
		Help: "Reservation attempts by outcome.",
	}, []string{"result"})

	CASConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orderflow_inventory_cas_conflicts_total",
		Help: "Optimistic-lock conflicts observed while applying inventory deltas.",
	})

	// webhook 相关指标。result 取值: applied / duplicate / unknown_payment / bad_signature
	WebhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderflow_payment_webhooks_total",
		Help: "Payment webhook deliveries by outcome.",
	}, []string{"result"})

	SweepReleasesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orderflow_sweep_releases_total",
		Help: "Reservations released by the hold-timeout sweeper.",
	})

	SagaDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orderflow_order_saga_duration_seconds",
		Help:    "Wall time of the synchronous part of the order saga (create through payment initiation).",
		Buckets: prometheus.DefBuckets,
	})

	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderflow_order_transitions_total",
		Help: "Order state transitions by target state.",
	}, []string{"to"})
)
