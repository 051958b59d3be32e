package umbrella

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks optimistic mutations. A nil *Metrics records nothing.
type Metrics struct {
	mutations *prometheus.CounterVec
	latency   *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		mutations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadsync",
			Subsystem: "mutations",
			Name:      "total",
			Help:      "Optimistic mutations, by operation and outcome.",
		}, []string{"op", "outcome"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "threadsync",
			Subsystem: "mutations",
			Name:      "duration_seconds",
			Help:      "Time from optimistic publish to backend outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
	}
}

func (m *Metrics) mutation(op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(op, outcome).Inc()
	if outcome != "local_error" {
		m.latency.WithLabelValues(op).Observe(elapsed.Seconds())
	}
}
