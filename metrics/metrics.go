// Package metrics provides Prometheus observability for the claim registry.
// Instrument attaches the counters to a coordinator through its lifecycle
// hooks; expose them with promhttp.Handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	bazaar "github.com/ClarenceL/infinite-bazaar-demo-sub002"
)

// Metrics holds all Prometheus metrics for the claim registry.
type Metrics struct {
	// Registered claims by claim type
	ClaimsRegistered *prometheus.CounterVec

	// Failed registrations by failure code
	ClaimsFailed *prometheus.CounterVec

	// Replayed submissions answered from the ledger
	ClaimsDuplicate prometheus.Counter

	// Payment verification attempts handed to the facilitator. Attempts
	// minus verifications is the rejection rate.
	PaymentAttempts prometheus.Counter

	// Payments the facilitator verified
	PaymentsVerified prometheus.Counter

	// Facilitator verification latency
	VerifyDuration prometheus.Histogram
}

// New creates and registers all claim registry metrics.
func New() *Metrics {
	return &Metrics{
		ClaimsRegistered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bazaar_claims_registered_total",
			Help: "Total claims committed to registered status, by claim type",
		}, []string{"claim_type"}),

		ClaimsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bazaar_claims_failed_total",
			Help: "Total registrations marked failed after payment, by failure code",
		}, []string{"code"}),

		ClaimsDuplicate: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bazaar_claims_duplicate_total",
			Help: "Total replayed submissions answered with the existing record",
		}),

		PaymentAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bazaar_payment_verify_attempts_total",
			Help: "Total payment proofs handed to the facilitator",
		}),

		PaymentsVerified: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bazaar_payments_verified_total",
			Help: "Total payments the facilitator verified",
		}),

		VerifyDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bazaar_payment_verify_duration_seconds",
			Help:    "Duration of facilitator verification calls",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
	}
}

// Instrument attaches the metrics to the coordinator's lifecycle hooks and
// returns the coordinator for chaining.
func (m *Metrics) Instrument(c *bazaar.Coordinator) *bazaar.Coordinator {
	if m == nil {
		return c
	}

	c.OnBeforeVerify(func(bazaar.VerifyContext) (*bazaar.BeforeHookResult, error) {
		m.PaymentAttempts.Inc()
		return nil, nil
	})
	c.OnAfterVerify(func(ctx bazaar.VerifyResultContext) error {
		m.PaymentsVerified.Inc()
		m.VerifyDuration.Observe(ctx.Duration.Seconds())
		return nil
	})
	c.OnRegistered(func(ctx bazaar.RegisteredContext) error {
		m.ClaimsRegistered.WithLabelValues(ctx.Record.ClaimType).Inc()
		return nil
	})
	c.OnFailed(func(ctx bazaar.FailedContext) error {
		m.ClaimsFailed.WithLabelValues(ctx.Record.FailureCode).Inc()
		return nil
	})
	c.OnDuplicate(func(bazaar.DuplicateContext) error {
		m.ClaimsDuplicate.Inc()
		return nil
	})
	return c
}
