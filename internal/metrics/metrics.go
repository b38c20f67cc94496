// Package metrics holds the process-wide prometheus instruments. Exposition
// is left to the embedding process; promauto registers everything on the
// default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OrdersDispatchedTotal counts relayed orders by requested speciality
	// and terminal status (succeeded/failed/timed_out).
	OrdersDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brigade_orders_dispatched_total",
			Help: "Total number of orders relayed to staff, by speciality and status.",
		},
		[]string{"speciality", "status"},
	)

	// OrdersRejectedTotal counts orders that never reached a staff member.
	OrdersRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brigade_orders_rejected_total",
			Help: "Total number of orders rejected before relay, by reason.",
		},
		[]string{"reason"},
	)

	// StaffOnDuty tracks the current size of the roster.
	StaffOnDuty = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "brigade_staff_on_duty",
			Help: "Number of staff currently registered.",
		},
	)

	// RelayDurationSeconds observes end-to-end relay latency.
	RelayDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "brigade_relay_duration_seconds",
			Help:    "Time from staff acquisition to relay completion.",
			Buckets: prometheus.DefBuckets,
		},
	)
)
