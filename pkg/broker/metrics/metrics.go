// Package metrics wraps the prometheus client_golang instrumentation the
// broker exposes for its scheduler and protocol layers.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the broker registers, constructed once by
// main and passed by reference to the components that update it — no
// package-level default registry usage, per spec.md §9's ban on global
// singletons.
type Metrics struct {
	Phase             prometheus.Gauge
	PhaseTransitions  prometheus.Counter
	PhaseOverrun      prometheus.Histogram
	JobsExecuted      *prometheus.CounterVec
	ProtocolUnreachable *prometheus.CounterVec
}

// New constructs and registers every collector against registry.
func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		Phase: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dgi",
			Subsystem: "scheduler",
			Name:      "phase",
			Help:      "Index of the currently active scheduler phase.",
		}),
		PhaseTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dgi",
			Subsystem: "scheduler",
			Name:      "phase_transitions_total",
			Help:      "Total number of phase changes since process start.",
		}),
		PhaseOverrun: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dgi",
			Subsystem: "scheduler",
			Name:      "phase_overrun_seconds",
			Help:      "How far a phase's last job ran past its deadline.",
			Buckets:   prometheus.DefBuckets,
		}),
		JobsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dgi",
			Subsystem: "scheduler",
			Name:      "jobs_executed_total",
			Help:      "Total jobs run to completion, labeled by module.",
		}, []string{"module"}),
		ProtocolUnreachable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dgi",
			Subsystem: "protocol",
			Name:      "peer_unreachable_total",
			Help:      "Times a peer was flagged unreachable after retransmit exhaustion, labeled by peer.",
		}, []string{"peer"}),
	}

	registry.MustRegister(
		m.Phase,
		m.PhaseTransitions,
		m.PhaseOverrun,
		m.JobsExecuted,
		m.ProtocolUnreachable,
	)
	return m
}

// SetPhase records the scheduler's currently active phase index. m may be
// nil, in which case every method here is a no-op, so components can hold
// an optional *Metrics without a separate "metrics enabled" flag.
func (m *Metrics) SetPhase(i int) {
	if m == nil {
		return
	}
	m.Phase.Set(float64(i))
}

// IncPhaseTransition records one scheduler phase change.
func (m *Metrics) IncPhaseTransition() {
	if m == nil {
		return
	}
	m.PhaseTransitions.Inc()
}

// ObservePhaseOverrun records how far a phase's last job ran past its
// deadline (zero or negative overrun is recorded as zero).
func (m *Metrics) ObservePhaseOverrun(d time.Duration) {
	if m == nil {
		return
	}
	if d < 0 {
		d = 0
	}
	m.PhaseOverrun.Observe(d.Seconds())
}

// IncJobsExecuted records one job run to completion on the named module.
func (m *Metrics) IncJobsExecuted(module string) {
	if m == nil {
		return
	}
	m.JobsExecuted.WithLabelValues(module).Inc()
}

// IncProtocolUnreachable records a peer flagged unreachable after
// retransmit exhaustion.
func (m *Metrics) IncProtocolUnreachable(peer string) {
	if m == nil {
		return
	}
	m.ProtocolUnreachable.WithLabelValues(peer).Inc()
}
