// Package metrics holds the Prometheus collectors shared by the settlement
// components.  They register on the default registry and are served by the
// /metrics route.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SchedulerOutcomes counts per-record results of scheduler ticks,
	// labelled completed, retry_scheduled, requires_approval, cancelled,
	// reversed, claim_lost, skipped or error.
	SchedulerOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_scheduler_outcomes_total",
		Help: "Transfer records processed by the scheduler, by outcome",
	}, []string{"outcome"})

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settlement_scheduler_tick_duration_seconds",
		Help:    "Wall time of one RunOnce pass",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
	})

	LeaseReclaims = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_claim_lease_reclaims_total",
		Help: "Records reclaimed after a previous tick's lease expired",
	})

	RemoteCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_remote_call_duration_seconds",
		Help:    "Latency of calls to the payment processor",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"operation"})

	ReservationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_reservation_outcomes_total",
		Help: "Slot reservation attempts, by outcome",
	}, []string{"outcome"})

	ReservationsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_reservations_expired_total",
		Help: "Unpaid reservations released by the expiry sweep",
	})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_idempotency_lookups_total",
		Help: "Idempotency cache lookups, by result (hit, miss) and backend",
	}, []string{"result", "backend"})

	CacheDegradations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_idempotency_degradations_total",
		Help: "Times the idempotency cache fell back to the local store",
	})

	// RateLimitDecisions counts token bucket verdicts: allowed, blocked,
	// or error when Redis could not be consulted and the request passed.
	RateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_ratelimit_decisions_total",
		Help: "Rate limiter verdicts on the booking and webhook routes",
	}, []string{"decision"})
)
