package metadata

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds cache hit/miss counters per layer.
type Metrics struct {
	Hits   *prometheus.CounterVec
	Misses *prometheus.CounterVec
}

// NewMetrics creates and registers metadata cache metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clubrotor",
			Subsystem: "metadata_cache",
			Name:      "hits_total",
			Help:      "Metadata cache hits, by layer.",
		}, []string{"layer"}),
		Misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clubrotor",
			Subsystem: "metadata_cache",
			Name:      "misses_total",
			Help:      "Metadata cache misses, by layer.",
		}, []string{"layer"}),
	}
	reg.MustRegister(m.Hits, m.Misses)
	return m
}

func (m *Metrics) hit(layer string) {
	if m == nil {
		return
	}
	m.Hits.WithLabelValues(layer).Inc()
}

func (m *Metrics) miss(layer string) {
	if m == nil {
		return
	}
	m.Misses.WithLabelValues(layer).Inc()
}
