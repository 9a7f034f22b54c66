// Package metrics exposes the daemon's Prometheus collectors: gate
// outcomes, throttle state, scheduler selections, and in-flight sessions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ralph-labs/ralphd/internal/types"
)

// Metrics bundles every collector the daemon registers.
type Metrics struct {
	registry *prometheus.Registry

	GateOutcomes        *prometheus.CounterVec
	SchedulerSelections *prometheus.CounterVec
	ThrottleState       *prometheus.GaugeVec
	ActiveSessions      prometheus.Gauge
	TasksByStatus       *prometheus.GaugeVec
	ParityDrift         *prometheus.GaugeVec
}

// New builds and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		GateOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ralphd_gate_outcomes_total",
			Help: "Gate results recorded, by gate name and status.",
		}, []string{"gate", "status"}),
		SchedulerSelections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ralphd_scheduler_selections_total",
			Help: "Dispatcher ticks handed to each repository.",
		}, []string{"repo"}),
		ThrottleState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ralphd_throttle_state",
			Help: "Throttle state per profile: 0 ok, 1 soft, 2 hard.",
		}, []string{"profile"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ralphd_active_sessions",
			Help: "Agent subprocesses currently supervised.",
		}),
		TasksByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ralphd_tasks",
			Help: "Tasks known to the queue, by repo and status.",
		}, []string{"repo", "status"}),
		ParityDrift: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ralphd_queue_parity_drift",
			Help: "Queue parity audit drift counts, by repo.",
		}, []string{"repo"}),
	}
	reg.MustRegister(m.GateOutcomes, m.SchedulerSelections, m.ThrottleState,
		m.ActiveSessions, m.TasksByStatus, m.ParityDrift)
	return m
}

// ObserveThrottle records a throttle snapshot's state for its profile.
func (m *Metrics) ObserveThrottle(snap types.ThrottleSnapshot) {
	var v float64
	switch snap.State {
	case types.ThrottleSoft:
		v = 1
	case types.ThrottleHard:
		v = 2
	}
	m.ThrottleState.WithLabelValues(snap.Profile).Set(v)
}

// Handler returns the HTTP handler serving this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
