// Package observability wires the Prometheus collectors of classwatch into one
// registry and serves them.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/classwatch/classwatch/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the application.
type Metrics struct {
	registry  *prometheus.Registry
	Model     *metrics.ModelMetrics
	Pipeline  *metrics.PipelineMetrics
	DutyCycle *metrics.DutyCycleMetrics
	MQTT      *metrics.MQTTMetrics
	Datastore *metrics.DatastoreMetrics
}

// NewMetrics creates a registry with every collector plus the Go runtime and
// process collectors.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	modelMetrics, err := metrics.NewModelMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create model metrics: %w", err)
	}
	pipelineMetrics, err := metrics.NewPipelineMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline metrics: %w", err)
	}
	dutyCycleMetrics, err := metrics.NewDutyCycleMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create duty-cycle metrics: %w", err)
	}
	mqttMetrics, err := metrics.NewMQTTMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create MQTT metrics: %w", err)
	}
	datastoreMetrics, err := metrics.NewDatastoreMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create datastore metrics: %w", err)
	}

	return &Metrics{
		registry:  registry,
		Model:     modelMetrics,
		Pipeline:  pipelineMetrics,
		DutyCycle: dutyCycleMetrics,
		MQTT:      mqttMetrics,
		Datastore: datastoreMetrics,
	}, nil
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      promLogger{},
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// promLogger routes promhttp errors to the package logger.
type promLogger struct{}

func (promLogger) Println(v ...any) {
	log.Warn(fmt.Sprint(v...))
}
