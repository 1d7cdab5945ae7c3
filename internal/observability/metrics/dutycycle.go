package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/classwatch/classwatch/internal/dutycycle"
)

// DutyCycleMetrics tracks the phase state machine.
type DutyCycleMetrics struct {
	Phase            prometheus.Gauge
	Forced           prometheus.Gauge
	PhaseTransitions *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewDutyCycleMetrics creates and registers the duty-cycle collectors.
func NewDutyCycleMetrics(registry *prometheus.Registry) (*DutyCycleMetrics, error) {
	m := &DutyCycleMetrics{registry: registry}
	m.Phase = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "classwatch_phase",
		Help: "Current duty-cycle phase (0 dormant, 1 active, 2 cooldown, 3 forced_active)",
	})
	m.Forced = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "classwatch_forced",
		Help: "Whether forced detection is enabled",
	})
	m.PhaseTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classwatch_phase_transitions_total",
			Help: "Phase transitions partitioned by source and target phase",
		},
		[]string{"from", "to"},
	)
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register duty-cycle metrics: %w", err)
	}
	return m, nil
}

// ObservePhaseChange is a dutycycle.Subscriber.
func (m *DutyCycleMetrics) ObservePhaseChange(c dutycycle.PhaseChange) {
	m.Phase.Set(float64(c.New))
	m.Forced.Set(boolToFloat(c.New == dutycycle.ForcedActive))
	m.PhaseTransitions.WithLabelValues(c.Old.String(), c.New.String()).Inc()
}

// Describe implements the prometheus.Collector interface.
func (m *DutyCycleMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Phase.Describe(ch)
	m.Forced.Describe(ch)
	m.PhaseTransitions.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *DutyCycleMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Phase.Collect(ch)
	m.Forced.Collect(ch)
	m.PhaseTransitions.Collect(ch)
}
