package process

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"swap-router/pkg/types"
)

// Metrics are the engine's prometheus collectors
type Metrics struct {
	transitions *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swap_router_step_transitions_total",
			Help: "Step status transitions by target status.",
		}, []string{"status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "swap_router_step_duration_seconds",
			Help:    "Time from PREPARE to a terminal status, by venue.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"venue"}),
	}
	if reg != nil {
		reg.MustRegister(m.transitions, m.duration)
	}
	return m
}

func (m *Metrics) observe(step *ProcessStep, now time.Time) {
	if m == nil || step == nil {
		return
	}
	m.transitions.WithLabelValues(string(step.Status)).Inc()
	if step.Status.Terminal() && step.StartedAt != nil {
		m.duration.WithLabelValues(venueLabel(step.Detail.Venue)).Observe(now.Sub(*step.StartedAt).Seconds())
	}
}

func venueLabel(v types.Venue) string {
	if v == "" {
		return "unknown"
	}
	return string(v)
}
