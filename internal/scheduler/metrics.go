package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts fetch attempts per resource. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	attempts *prometheus.CounterVec
	outcomes *prometheus.CounterVec
}

// NewMetrics registers the scheduler collectors on reg. A nil registerer
// keeps them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadsync",
			Subsystem: "sync",
			Name:      "attempts_total",
			Help:      "Fetch attempts started, by resource.",
		}, []string{"resource"}),
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadsync",
			Subsystem: "sync",
			Name:      "outcomes_total",
			Help:      "Fetch attempt outcomes, by resource and outcome.",
		}, []string{"resource", "outcome"}),
	}
}

func (m *Metrics) attempt(resource string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(resource).Inc()
}

func (m *Metrics) outcome(resource, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(resource, outcome).Inc()
}
