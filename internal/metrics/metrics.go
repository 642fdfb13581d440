package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	customerrors "github.com/cropalato/chart-registry/pkg/errors"
)

const namespace = "chart_registry"

// Upload results
const (
	UploadSucceeded = "succeeded"
	UploadRejected  = "rejected"
	UploadFailed    = "failed"
)

// New creates all metrics and registers them with registerer
func New(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		operationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operation_errors_total",
				Help:      "Total number of failed operations",
			},
			[]string{"operation", "code"},
		),

		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of operations in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"},
		),

		uploads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploads_total",
				Help:      "Total number of chart uploads by result",
			},
			[]string{"result"},
		),

		indexEntries: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "index_entries",
				Help:      "Number of chart versions in an owner's index",
			},
			[]string{"owner"},
		),

		indexRebuilds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "index_rebuilds_total",
				Help:      "Total number of index rebuilds",
			},
			[]string{"reason"},
		),

		storageErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of failed storage backend calls",
			},
			[]string{"backend", "operation"},
		),

		storageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "storage_duration_seconds",
				Help:      "Duration of storage backend calls in seconds",
				Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"backend", "operation"},
		),

		serverUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "server_uptime_seconds",
				Help:      "Time since the server started in seconds",
			},
		),
	}
}

// RecordOperation observes the duration of an operation and counts its failure by error code
func (m *Metrics) RecordOperation(operation string, duration time.Duration, err error) {
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.operationErrors.WithLabelValues(operation, string(customerrors.CodeOf(err))).Inc()
	}
}

// RecordUpload counts an upload outcome; client mistakes are rejections, everything else a failure
func (m *Metrics) RecordUpload(err error) {
	switch {
	case err == nil:
		m.uploads.WithLabelValues(UploadSucceeded).Inc()
	case customerrors.IsValidationError(err), customerrors.IsConflictError(err), customerrors.IsNotFoundError(err):
		m.uploads.WithLabelValues(UploadRejected).Inc()
	default:
		m.uploads.WithLabelValues(UploadFailed).Inc()
	}
}

// SetIndexEntries records the size of an owner's index
func (m *Metrics) SetIndexEntries(owner int64, count int) {
	m.indexEntries.WithLabelValues(strconv.FormatInt(owner, 10)).Set(float64(count))
}

// IncIndexRebuild counts an index rebuild
func (m *Metrics) IncIndexRebuild(reason string) {
	m.indexRebuilds.WithLabelValues(reason).Inc()
}

// ObserveStorage records one storage backend call
func (m *Metrics) ObserveStorage(backend, operation string, duration time.Duration, err error) {
	m.storageDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	if err != nil {
		m.storageErrors.WithLabelValues(backend, operation).Inc()
	}
}

func (m *Metrics) updateUptimeMetric(startTime time.Time) {
	m.serverUptime.Set(time.Since(startTime).Seconds())
}
