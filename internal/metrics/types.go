package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// HealthCheck reports whether a dependency is usable
type HealthCheck func(ctx context.Context) error

// Server exposes /metrics and /health on its own listener
type Server struct {
	metrics   *Metrics
	gatherer  prometheus.Gatherer
	checks    map[string]HealthCheck
	addr      string
	logger    *zap.Logger
	server    *http.Server
	startTime time.Time
}

// Metrics represents all Prometheus metrics for the application
type Metrics struct {
	// Operation metrics
	operationErrors   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	// Registry metrics
	uploads       *prometheus.CounterVec
	indexEntries  *prometheus.GaugeVec
	indexRebuilds *prometheus.CounterVec

	// Storage metrics
	storageErrors   *prometheus.CounterVec
	storageDuration *prometheus.HistogramVec

	// Server metrics
	serverUptime prometheus.Gauge
}

// MetricsError represents errors that can occur during metrics operations
type MetricsError struct {
	Op         string
	Err        error
	MetricName string
}

func (e *MetricsError) Error() string {
	if e.MetricName != "" {
		return fmt.Sprintf("metrics operation %s failed for metric %s: %v", e.Op, e.MetricName, e.Err)
	}
	return fmt.Sprintf("metrics operation %s failed: %v", e.Op, e.Err)
}

func (e *MetricsError) Unwrap() error {
	return e.Err
}
