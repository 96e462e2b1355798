package observer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink maintains the counters/gauges backing pkg/admin's
// /metrics endpoint, registering directly against the process's
// prometheus.Registry rather than the global default registerer, so
// tests can build isolated registries.
type PrometheusSink struct {
	eventsTotal *prometheus.CounterVec
}

// NewPrometheusSink registers its collectors against reg and returns a
// ready-to-subscribe sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "neurofabric",
			Name:      "observer_events_total",
			Help:      "Total observer events emitted by the fabric, labeled by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(s.eventsTotal)
	return s
}

// Handle implements Sink.
func (s *PrometheusSink) Handle(e Event) {
	s.eventsTotal.WithLabelValues(string(e.Kind)).Inc()
}
