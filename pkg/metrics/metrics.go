// Package metrics provides Prometheus metrics for the compute gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// === Job counters ===

	// JobsTotal counts jobs by service and terminal status.
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_jobs_total",
			Help: "Jobs by service and status",
		},
		[]string{"service", "status"},
	)

	// JobDuration observes handler execution time per service.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_job_duration_seconds",
			Help:    "Job execution duration by service",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"service"},
	)

	// ActiveJobs tracks jobs currently executing.
	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_jobs",
			Help: "Jobs currently executing",
		},
	)

	// === Ledger counters (USD) ===

	AmountReserved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_amount_reserved_usd_total",
			Help: "Total USD reserved for jobs",
		},
	)

	AmountSettled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_amount_settled_usd_total",
			Help: "Total USD settled as actual charges",
		},
	)

	AmountRefunded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_amount_refunded_usd_total",
			Help: "Total USD refunded to wallets",
		},
	)

	// === Admission counters ===

	// RejectionsTotal counts admissions rejected by gate.
	RejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rejections_total",
			Help: "Rejected submissions by reason",
		},
		[]string{"reason"}, // validation, circuit_open, balance, payment, spending_limit, rate_limit, concurrency
	)

	// RateLimitHits counts rate limit violations by type.
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_hits_total",
			Help: "Rate limit violations by type",
		},
		[]string{"type"}, // wallet, ip
	)

	// === Circuit breaker ===

	// CircuitBreakerState exposes breaker state per service
	// (0=closed, 1=half-open, 2=open).
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state per service (0=closed, 1=half-open, 2=open)",
		},
		[]string{"service"},
	)

	// === Payments ===

	// PaymentVerifications counts proof verifications by result.
	PaymentVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_payment_verifications_total",
			Help: "Payment proof verifications by result",
		},
		[]string{"result"}, // verified, replay, mismatch, not_found, failed, unsupported
	)

	// === Webhooks ===

	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_webhook_deliveries_total",
			Help: "Callback webhook deliveries by result",
		},
		[]string{"result"}, // ok, error
	)
)
