package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DatastoreMetrics tracks database operations of the event store.
type DatastoreMetrics struct {
	DbOperationsTotal   *prometheus.CounterVec
	DbOperationDuration *prometheus.HistogramVec
	registry            *prometheus.Registry
}

// NewDatastoreMetrics creates and registers the datastore collectors.
func NewDatastoreMetrics(registry *prometheus.Registry) (*DatastoreMetrics, error) {
	m := &DatastoreMetrics{registry: registry}
	m.DbOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classwatch_db_operations_total",
			Help: "Database operations partitioned by operation, table and status",
		},
		[]string{"operation", "table", "status"},
	)
	m.DbOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "classwatch_db_operation_duration_seconds",
			Help:    "Duration of database operations",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
		[]string{"operation", "table"},
	)
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register datastore metrics: %w", err)
	}
	return m, nil
}

// RecordDbOperation records one operation and its duration.
func (m *DatastoreMetrics) RecordDbOperation(operation, table string, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.DbOperationsTotal.WithLabelValues(operation, table, status).Inc()
	m.DbOperationDuration.WithLabelValues(operation, table).Observe(d.Seconds())
}

// Describe implements the prometheus.Collector interface.
func (m *DatastoreMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.DbOperationsTotal.Describe(ch)
	m.DbOperationDuration.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *DatastoreMetrics) Collect(ch chan<- prometheus.Metric) {
	m.DbOperationsTotal.Collect(ch)
	m.DbOperationDuration.Collect(ch)
}
