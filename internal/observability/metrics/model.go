// Package metrics provides the Prometheus collectors for classwatch components.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/classwatch/classwatch/internal/errors"
)

// ModelMetrics tracks the detection model lifecycle. It implements model.Recorder.
type ModelMetrics struct {
	ModelLoadedGauge   prometheus.Gauge
	ModelLoadTotal     *prometheus.CounterVec
	ModelLoadDuration  prometheus.Histogram
	ModelReleaseTotal  prometheus.Counter
	ModelRSSFreedBytes prometheus.Counter
	DetectionTotal     *prometheus.CounterVec
	DetectionDuration  prometheus.Histogram
	FacesDetected      prometheus.Histogram

	registry *prometheus.Registry
}

// NewModelMetrics creates and registers the model collectors.
func NewModelMetrics(registry *prometheus.Registry) (*ModelMetrics, error) {
	m := &ModelMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register model metrics: %w", err)
	}
	return m, nil
}

func (m *ModelMetrics) initMetrics() {
	m.ModelLoadedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "classwatch_model_loaded",
		Help: "Whether the face detection model is loaded (1) or not (0)",
	})
	m.ModelLoadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classwatch_model_load_total",
			Help: "Model load attempts partitioned by status and error category",
		},
		[]string{"status", "category"},
	)
	m.ModelLoadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "classwatch_model_load_duration_seconds",
		Help:    "Time taken to load the detection model",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
	})
	m.ModelReleaseTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "classwatch_model_release_total",
		Help: "Number of model releases",
	})
	m.ModelRSSFreedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "classwatch_model_rss_freed_bytes_total",
		Help: "Resident memory returned to the OS by model releases",
	})
	m.DetectionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classwatch_detection_total",
			Help: "Detection runs partitioned by status",
		},
		[]string{"status"},
	)
	m.DetectionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "classwatch_detection_duration_seconds",
		Help:    "Time taken by one face detection",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
	})
	m.FacesDetected = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "classwatch_faces_detected",
		Help:    "Faces found per successful detection",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
	})
}

// RecordModelLoad records one load attempt.
func (m *ModelMetrics) RecordModelLoad(d time.Duration, err error) {
	m.ModelLoadDuration.Observe(d.Seconds())
	if err != nil {
		m.ModelLoadTotal.WithLabelValues("error", categorize(err)).Inc()
		return
	}
	m.ModelLoadTotal.WithLabelValues("success", "").Inc()
}

// RecordModelRelease records one release and the RSS it returned.
func (m *ModelMetrics) RecordModelRelease(rssFreedBytes int64) {
	m.ModelReleaseTotal.Inc()
	if rssFreedBytes > 0 {
		m.ModelRSSFreedBytes.Add(float64(rssFreedBytes))
	}
}

// SetModelLoaded sets the loaded gauge.
func (m *ModelMetrics) SetModelLoaded(loaded bool) {
	m.ModelLoadedGauge.Set(boolToFloat(loaded))
}

// RecordDetection records one detection run.
func (m *ModelMetrics) RecordDetection(d time.Duration, faces int, err error) {
	m.DetectionDuration.Observe(d.Seconds())
	if err != nil {
		m.DetectionTotal.WithLabelValues("error").Inc()
		return
	}
	m.DetectionTotal.WithLabelValues("success").Inc()
	m.FacesDetected.Observe(float64(faces))
}

// Describe implements the prometheus.Collector interface.
func (m *ModelMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.ModelLoadedGauge.Describe(ch)
	m.ModelLoadTotal.Describe(ch)
	m.ModelLoadDuration.Describe(ch)
	m.ModelReleaseTotal.Describe(ch)
	m.ModelRSSFreedBytes.Describe(ch)
	m.DetectionTotal.Describe(ch)
	m.DetectionDuration.Describe(ch)
	m.FacesDetected.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *ModelMetrics) Collect(ch chan<- prometheus.Metric) {
	m.ModelLoadedGauge.Collect(ch)
	m.ModelLoadTotal.Collect(ch)
	m.ModelLoadDuration.Collect(ch)
	m.ModelReleaseTotal.Collect(ch)
	m.ModelRSSFreedBytes.Collect(ch)
	m.DetectionTotal.Collect(ch)
	m.DetectionDuration.Collect(ch)
	m.FacesDetected.Collect(ch)
}

func categorize(err error) string {
	if err == nil {
		return ""
	}
	return string(errors.CategoryOf(err))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
