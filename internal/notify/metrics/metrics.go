package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Sent    *prometheus.CounterVec
	Dropped prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		Sent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veriflow_notifications_total",
			Help: "Decision notifications by outcome",
		}, []string{"outcome"}),
		Dropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veriflow_notifications_dropped_total",
			Help: "Decision notifications dropped because the queue was full or closed",
		}),
	}
}

func (m *Metrics) IncrementSent(outcome string) {
	if m == nil {
		return
	}
	m.Sent.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncrementDropped() {
	if m == nil {
		return
	}
	m.Dropped.Inc()
}
