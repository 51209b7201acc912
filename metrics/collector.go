package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/withObsrvr/telemetry-arrow-ingest/compression"
	"github.com/withObsrvr/telemetry-arrow-ingest/ingest"
	"github.com/withObsrvr/telemetry-arrow-ingest/logging"
)

const namespace = "telemetry_ingest"

// Collector manages all metrics for the ingest service. It is an
// ingest.EventSink.
type Collector struct {
	logger *logging.ComponentLogger

	// Counters
	sessionsTotal     *prometheus.CounterVec
	unitsTotal        *prometheus.CounterVec
	payloadsTotal     *prometheus.CounterVec
	decodeErrorsTotal *prometheus.CounterVec
	storageErrors     *prometheus.CounterVec
	storageRetries    *prometheus.CounterVec
	batchesStored     *prometheus.CounterVec
	rowsStored        *prometheus.CounterVec
	bytesReceived     *prometheus.CounterVec

	// Gauges
	activeSessions *prometheus.GaugeVec

	// Histograms
	unitDuration    *prometheus.HistogramVec
	sessionDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

var _ ingest.EventSink = (*Collector)(nil)

// NewCollector creates a new metrics collector with its own registry
func NewCollector(logger *logging.ComponentLogger) *Collector {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	registry := prometheus.NewRegistry()

	c := &Collector{
		logger:   logger,
		registry: registry,

		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Ingest sessions opened",
		}, []string{"signal"}),

		unitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_total",
			Help:      "Units acknowledged, by status code",
		}, []string{"signal", "code"}),

		payloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payloads_total",
			Help:      "Payloads processed, by payload type and outcome",
		}, []string{"payload_type", "code"}),

		decodeErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Arrow IPC decode errors",
		}, []string{"signal", "payload_type"}),

		storageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "Storage operations that failed after retries",
		}, []string{"signal"}),

		storageRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_retries_total",
			Help:      "Storage operations retried",
		}, []string{"signal"}),

		batchesStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_stored_total",
			Help:      "Record batches written to storage",
		}, []string{"signal"}),

		rowsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_stored_total",
			Help:      "Rows written to storage",
		}, []string{"signal"}),

		bytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "received_bytes_total",
			Help:      "Serialized size of received units",
		}, []string{"signal"}),

		activeSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently open",
		}, []string{"signal"}),

		unitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unit_duration_seconds",
			Help:      "Time from a unit's arrival at the processor to its status being sent",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		}, []string{"signal"}),

		sessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of ingest sessions",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
		}, []string{"signal"}),
	}

	registry.MustRegister(
		c.sessionsTotal,
		c.unitsTotal,
		c.payloadsTotal,
		c.decodeErrorsTotal,
		c.storageErrors,
		c.storageRetries,
		c.batchesStored,
		c.rowsStored,
		c.bytesReceived,
		c.activeSessions,
		c.unitDuration,
		c.sessionDuration,
	)

	// Go runtime metrics
	registry.MustRegister(collectors.NewGoCollector())

	logger.Info().
		Msg("Metrics collector initialized")

	return c
}

// Registry returns the collector's registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// WatchWriteQueue exports the depth and capacity of the storage write queue
func (c *Collector) WatchWriteQueue(depth, capacity func() int) {
	c.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "write_queue_depth",
			Help:      "Storage jobs waiting for the writer",
		}, func() float64 { return float64(depth()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "write_queue_capacity",
			Help:      "Capacity of the storage write queue",
		}, func() float64 { return float64(capacity()) }),
	)
}

// WatchAllocator exports the bytes held by the Arrow allocator
func (c *Collector) WatchAllocator(allocated func() int64) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "arrow_allocated_bytes",
		Help:      "Bytes currently allocated for decoded Arrow data",
	}, func() float64 { return float64(allocated()) }))
}

// WatchCompressors exports byte counters of the registered gRPC compressors
func (c *Collector) WatchCompressors(cs []compression.Compressor) {
	for _, comp := range cs {
		labels := prometheus.Labels{"compression": comp.Name()}
		c.registry.MustRegister(
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "compressed_bytes_out_total",
				Help:        "Compressed bytes produced by gRPC compressors",
				ConstLabels: labels,
			}, func() float64 { return float64(comp.GetMetrics().BytesOut) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "decompressed_bytes_total",
				Help:        "Uncompressed bytes read through gRPC compressors",
				ConstLabels: labels,
			}, func() float64 { return float64(comp.GetMetrics().BytesDecoded) }),
		)
	}
}

// RecordBytesReceived counts the serialized size of a received unit
func (c *Collector) RecordBytesReceived(signal ingest.Signal, n int) {
	c.bytesReceived.WithLabelValues(signal.String()).Add(float64(n))
}

func (c *Collector) SessionOpened(s ingest.SessionInfo) {
	c.sessionsTotal.WithLabelValues(s.Signal.String()).Inc()
	c.activeSessions.WithLabelValues(s.Signal.String()).Inc()
}

func (c *Collector) SessionClosed(s ingest.SessionInfo, stats ingest.SessionStats, _ error) {
	c.activeSessions.WithLabelValues(s.Signal.String()).Dec()
	c.sessionDuration.WithLabelValues(s.Signal.String()).Observe(stats.Duration.Seconds())
}

func (c *Collector) UnitAcknowledged(s ingest.SessionInfo, st ingest.Status, elapsed time.Duration) {
	c.unitsTotal.WithLabelValues(s.Signal.String(), st.Code.String()).Inc()
	c.unitDuration.WithLabelValues(s.Signal.String()).Observe(elapsed.Seconds())
}

func (c *Collector) PayloadProcessed(_ ingest.SessionInfo, o ingest.Outcome) {
	c.payloadsTotal.WithLabelValues(o.Type.String(), o.Code.String()).Inc()
}

func (c *Collector) DecodeError(s ingest.SessionInfo, _ string, pt ingest.PayloadType, _ error) {
	c.decodeErrorsTotal.WithLabelValues(s.Signal.String(), pt.String()).Inc()
}

func (c *Collector) StorageError(signal ingest.Signal, _ string, _ error) {
	c.storageErrors.WithLabelValues(signal.String()).Inc()
}

func (c *Collector) StorageRetry(signal ingest.Signal, _ string, _ int, _ error) {
	c.storageRetries.WithLabelValues(signal.String()).Inc()
}

func (c *Collector) BatchStored(signal ingest.Signal, _ string, rows int64) {
	c.batchesStored.WithLabelValues(signal.String()).Inc()
	c.rowsStored.WithLabelValues(signal.String()).Add(float64(rows))
}
