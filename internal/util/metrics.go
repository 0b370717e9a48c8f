package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SagasStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sagas_started_total",
		Help: "Total number of order sagas started",
	})

	SagaStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_steps_total",
		Help: "Saga step executions by step and outcome",
	}, []string{"step", "outcome"})

	SagasCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sagas_completed_total",
		Help: "Total number of sagas that reached COMPLETED",
	})

	SagasCompensatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sagas_compensated_total",
		Help: "Total number of sagas fully compensated",
	})

	SagasFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sagas_failed_total",
		Help: "Total number of sagas marked FAILED",
	}, []string{"reason"})

	SagaRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "saga_retries_total",
		Help: "Total number of saga retry cycles executed",
	})

	SagaClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_claims_total",
		Help: "Scheduler claim attempts by sweep and result",
	}, []string{"sweep", "result"})

	CompensationActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compensation_actions_total",
		Help: "Compensating calls by action and outcome",
	}, []string{"action", "outcome"})

	ReservationConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_reservation_conflicts_total",
		Help: "Optimistic-concurrency conflicts during stock accounting",
	})

	ReservationsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_reservations_failed_total",
		Help: "Failed inventory reservations by reason",
	}, []string{"reason"})

	ReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "inventory_reserve_latency_seconds",
		Help:    "Latency of inventory reservation operations",
		Buckets: prometheus.DefBuckets,
	})

	StepCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "collaborator_call_latency_seconds",
		Help:    "Latency of collaborator calls by operation",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	OutboxPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_events_published_total",
		Help: "Outbox records published to the broker",
	})

	OutboxPublishFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_events_publish_failed_total",
		Help: "Outbox publish attempts that failed and will be retried",
	})

	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders accepted",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Order creation failures by reason",
	}, []string{"reason"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
