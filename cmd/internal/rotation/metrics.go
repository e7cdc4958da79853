package rotation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds engine and scheduler collectors.
type Metrics struct {
	Outcomes      *prometheus.CounterVec
	Errors        *prometheus.CounterVec
	Conflicts     prometheus.Counter
	Degraded      prometheus.Counter
	Duration      prometheus.Histogram
	SchedulerRuns *prometheus.CounterVec
	PassDuration  prometheus.Histogram
}

// NewMetrics creates and registers rotation metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clubrotor",
			Subsystem: "rotation",
			Name:      "outcomes_total",
			Help:      "EnsureRotated results, by outcome.",
		}, []string{"outcome"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clubrotor",
			Subsystem: "rotation",
			Name:      "errors_total",
			Help:      "EnsureRotated failures, by error kind.",
		}, []string{"kind"}),
		Conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clubrotor",
			Subsystem: "rotation",
			Name:      "conflicts_total",
			Help:      "Rotation transactions lost to a concurrent caller.",
		}),
		Degraded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clubrotor",
			Subsystem: "rotation",
			Name:      "metadata_degraded_total",
			Help:      "Rotations that proceeded without metadata.",
		}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "clubrotor",
			Subsystem: "rotation",
			Name:      "ensure_duration_seconds",
			Help:      "EnsureRotated latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		SchedulerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clubrotor",
			Subsystem: "scheduler",
			Name:      "club_runs_total",
			Help:      "Per-club scheduler attempts, by result.",
		}, []string{"result"}),
		PassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "clubrotor",
			Subsystem: "scheduler",
			Name:      "pass_duration_seconds",
			Help:      "Duration of one scheduler pass over all clubs.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60},
		}),
	}
	reg.MustRegister(m.Outcomes, m.Errors, m.Conflicts, m.Degraded, m.Duration, m.SchedulerRuns, m.PassDuration)
	return m
}

func (m *Metrics) observe(res Result, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.Duration.Observe(d.Seconds())
	if err != nil {
		m.Errors.WithLabelValues(KindOf(err).String()).Inc()
		return
	}
	m.Outcomes.WithLabelValues(res.Outcome.String()).Inc()
	if res.MetadataDegraded {
		m.Degraded.Inc()
	}
}

func (m *Metrics) conflict() {
	if m == nil {
		return
	}
	m.Conflicts.Inc()
}

func (m *Metrics) schedulerRun(result string) {
	if m == nil {
		return
	}
	m.SchedulerRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) pass(d time.Duration) {
	if m == nil {
		return
	}
	m.PassDuration.Observe(d.Seconds())
}
