package feed

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds feed gateway collectors.
type Metrics struct {
	Sessions  prometheus.Gauge
	Delivered prometheus.Counter
	Dropped   prometheus.Counter
}

// NewMetrics creates and registers feed metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clubrotor",
			Subsystem: "feed",
			Name:      "sessions",
			Help:      "Open feed WebSocket sessions.",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clubrotor",
			Subsystem: "feed",
			Name:      "delivered_total",
			Help:      "Envelopes queued to watchers.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clubrotor",
			Subsystem: "feed",
			Name:      "dropped_total",
			Help:      "Envelopes dropped on a full client queue.",
		}),
	}
	reg.MustRegister(m.Sessions, m.Delivered, m.Dropped)
	return m
}

func (m *Metrics) published(n int) {
	if m == nil || n == 0 {
		return
	}
	m.Delivered.Add(float64(n))
}

func (m *Metrics) dropped() {
	if m == nil {
		return
	}
	m.Dropped.Inc()
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.Sessions.Inc()
}

func (m *Metrics) sessionClosed() {
	if m == nil {
		return
	}
	m.Sessions.Dec()
}
