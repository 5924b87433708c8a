package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the matching adapter.
type Metrics struct {
	// Provider calls by provider, operation and outcome
	ProviderCalls *prometheus.CounterVec

	// Latency of a single provider call
	ProviderLatency *prometheus.HistogramVec

	// Fallback uses by kind and primary failure category
	Fallbacks *prometheus.CounterVec

	// Breaker transitions by provider
	BreakerTransitions *prometheus.CounterVec
}

// New creates a new Metrics instance with all matching metrics registered.
func New() *Metrics {
	return &Metrics{
		ProviderCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veriflow_provider_calls_total",
			Help: "Total matching provider calls by provider, operation and outcome",
		}, []string{"provider", "operation", "outcome"}), // outcome: "ok" or an error category

		ProviderLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "veriflow_provider_call_duration_seconds",
			Help:    "Duration of matching provider calls",
			Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 8, 10},
		}, []string{"provider", "operation"}),

		Fallbacks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veriflow_provider_fallbacks_total",
			Help: "Results served by the fallback comparator",
		}, []string{"kind", "reason"}),

		BreakerTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veriflow_provider_breaker_transitions_total",
			Help: "Circuit breaker state changes per primary provider",
		}, []string{"provider", "state"}),
	}
}

func (m *Metrics) ObserveCall(provider, operation, outcome string, d time.Duration) {
	if m != nil {
		m.ProviderCalls.WithLabelValues(provider, operation, outcome).Inc()
		m.ProviderLatency.WithLabelValues(provider, operation).Observe(d.Seconds())
	}
}

func (m *Metrics) IncrementFallback(kind, reason string) {
	if m != nil {
		m.Fallbacks.WithLabelValues(kind, reason).Inc()
	}
}

func (m *Metrics) IncrementBreakerTransition(provider, state string) {
	if m != nil {
		m.BreakerTransitions.WithLabelValues(provider, state).Inc()
	}
}
