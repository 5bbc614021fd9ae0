package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/decreehq/decree/state"
)

// Metrics holds the engine's instrumentation. All collectors are registered
// against the registry passed to NewMetrics.
type Metrics struct {
	EventsTotal            *prometheus.CounterVec
	CommandsTotal          *prometheus.CounterVec
	CommandFailuresTotal   prometheus.Counter
	CommandRejectionsTotal prometheus.Counter
	QueueDepth             prometheus.Gauge
	ActiveRuns             *prometheus.GaugeVec
	ErrorRingSize          prometheus.Gauge
}

// NewMetrics creates and registers the engine collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "decree",
			Subsystem: "engine",
			Name:      "events_total",
			Help:      "Events applied by the event loop, by kind.",
		}, []string{"kind"}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "decree",
			Subsystem: "engine",
			Name:      "commands_total",
			Help:      "Commands submitted to the executor, by kind.",
		}, []string{"kind"}),
		CommandFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "decree",
			Subsystem: "engine",
			Name:      "command_failures_total",
			Help:      "Commands that failed after retry exhaustion.",
		}),
		CommandRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "decree",
			Subsystem: "engine",
			Name:      "command_rejections_total",
			Help:      "Commands rejected before execution.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "decree",
			Subsystem: "engine",
			Name:      "queue_depth",
			Help:      "Events waiting in the loop queue.",
		}),
		ActiveRuns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "decree",
			Subsystem: "engine",
			Name:      "active_runs",
			Help:      "Agent runs currently requested or running, by role.",
		}, []string{"role"}),
		ErrorRingSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "decree",
			Subsystem: "engine",
			Name:      "error_ring_size",
			Help:      "Entries in the recent-error ring.",
		}),
	}
	reg.MustRegister(
		m.EventsTotal,
		m.CommandsTotal,
		m.CommandFailuresTotal,
		m.CommandRejectionsTotal,
		m.QueueDepth,
		m.ActiveRuns,
		m.ErrorRingSize,
	)
	return m
}

// ObserveState refreshes the state-derived gauges from a snapshot. It is a
// state.Observer, wired through Store.Subscribe so every write updates the
// gauges regardless of which component performed it.
func (m *Metrics) ObserveState(s state.EngineState) {
	counts := map[state.AgentRole]int{
		state.RolePlanner:     0,
		state.RoleImplementor: 0,
		state.RoleReviewer:    0,
	}
	for _, run := range s.AgentRuns {
		if run.Status.IsActive() {
			counts[run.Role]++
		}
	}
	for role, n := range counts {
		m.ActiveRuns.WithLabelValues(string(role)).Set(float64(n))
	}
	m.ErrorRingSize.Set(float64(len(s.Errors)))
}
