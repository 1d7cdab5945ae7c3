package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics tracks captures, the event stream and capture handles.
// It implements pipeline.Recorder.
type PipelineMetrics struct {
	CaptureTotal    *prometheus.CounterVec
	CaptureDuration *prometheus.HistogramVec
	EventsDropped   *prometheus.CounterVec
	PoolHandles     prometheus.Gauge
	SinkErrors      *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewPipelineMetrics creates and registers the pipeline collectors.
func NewPipelineMetrics(registry *prometheus.Registry) (*PipelineMetrics, error) {
	m := &PipelineMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
	}
	return m, nil
}

func (m *PipelineMetrics) initMetrics() {
	m.CaptureTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classwatch_capture_total",
			Help: "Capture attempts partitioned by trigger and outcome",
		},
		[]string{"trigger", "status"},
	)
	m.CaptureDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "classwatch_capture_duration_seconds",
			Help:    "Time from capture start to event emission",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
		[]string{"trigger"},
	)
	m.EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classwatch_events_dropped_total",
			Help: "Capture events discarded by the event stream overflow policy",
		},
		[]string{"trigger"},
	)
	m.PoolHandles = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "classwatch_capture_handles",
		Help: "Open capture handles in the resource pool",
	})
	m.SinkErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classwatch_sink_errors_total",
			Help: "Event sink failures partitioned by sink",
		},
		[]string{"sink"},
	)
}

// RecordCapture records one capture outcome.
func (m *PipelineMetrics) RecordCapture(trigger, status string, d time.Duration) {
	m.CaptureTotal.WithLabelValues(trigger, status).Inc()
	if d > 0 {
		m.CaptureDuration.WithLabelValues(trigger).Observe(d.Seconds())
	}
}

// RecordEventDropped counts one dropped event.
func (m *PipelineMetrics) RecordEventDropped(trigger string) {
	m.EventsDropped.WithLabelValues(trigger).Inc()
}

// SetPoolHandles sets the open handle gauge.
func (m *PipelineMetrics) SetPoolHandles(n int) {
	m.PoolHandles.Set(float64(n))
}

// RecordSinkError counts one sink failure.
func (m *PipelineMetrics) RecordSinkError(sink string) {
	m.SinkErrors.WithLabelValues(sink).Inc()
}

// Describe implements the prometheus.Collector interface.
func (m *PipelineMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.CaptureTotal.Describe(ch)
	m.CaptureDuration.Describe(ch)
	m.EventsDropped.Describe(ch)
	m.PoolHandles.Describe(ch)
	m.SinkErrors.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *PipelineMetrics) Collect(ch chan<- prometheus.Metric) {
	m.CaptureTotal.Collect(ch)
	m.CaptureDuration.Collect(ch)
	m.EventsDropped.Collect(ch)
	m.PoolHandles.Collect(ch)
	m.SinkErrors.Collect(ch)
}
