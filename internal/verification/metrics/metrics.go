package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for step verification and review.
type Metrics struct {
	// Step outcomes by step and outcome (success, failure, reason code)
	StepOutcomes *prometheus.CounterVec

	// Lockouts by step
	AttemptsExhausted *prometheus.CounterVec

	// Review requests opened automatically or by an operator
	ReviewsOpened *prometheus.CounterVec

	// Admin decisions by decision
	AdminDecisions *prometheus.CounterVec

	// Time spent waiting for the per-user lock
	LockWait prometheus.Histogram
}

func New() *Metrics {
	return &Metrics{
		StepOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veriflow_step_outcomes_total",
			Help: "Verification step outcomes by step and outcome",
		}, []string{"step", "outcome"}),

		AttemptsExhausted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veriflow_attempts_exhausted_total",
			Help: "Submissions refused because the step is locked out",
		}, []string{"step"}),

		ReviewsOpened: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veriflow_reviews_opened_total",
			Help: "Verification requests opened by trigger",
		}, []string{"trigger"}), // trigger: "evidence", "complete", "operator"

		AdminDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veriflow_admin_decisions_total",
			Help: "Admin review decisions",
		}, []string{"decision"}),

		LockWait: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "veriflow_user_lock_wait_seconds",
			Help:    "Time spent waiting for the per-user state lock",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}
}

func (m *Metrics) IncrementStepOutcome(step, outcome string) {
	if m != nil {
		m.StepOutcomes.WithLabelValues(step, outcome).Inc()
	}
}

func (m *Metrics) IncrementAttemptsExhausted(step string) {
	if m != nil {
		m.AttemptsExhausted.WithLabelValues(step).Inc()
	}
}

func (m *Metrics) IncrementReviewOpened(trigger string) {
	if m != nil {
		m.ReviewsOpened.WithLabelValues(trigger).Inc()
	}
}

func (m *Metrics) IncrementDecision(decision string) {
	if m != nil {
		m.AdminDecisions.WithLabelValues(decision).Inc()
	}
}

func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m != nil {
		m.LockWait.Observe(d.Seconds())
	}
}
