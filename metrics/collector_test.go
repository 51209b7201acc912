package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/withObsrvr/telemetry-arrow-ingest/compression"
	"github.com/withObsrvr/telemetry-arrow-ingest/ingest"
)

func TestCollectorRecordsSessionEvents(t *testing.T) {
	c := NewCollector(nil)
	s := ingest.SessionInfo{ID: "abc", Signal: ingest.SignalLogs, Peer: "10.0.0.1:5000"}

	c.SessionOpened(s)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.activeSessions.WithLabelValues("logs")))

	c.PayloadProcessed(s, ingest.Outcome{Type: ingest.PayloadLogs, Code: ingest.StatusOK})
	c.PayloadProcessed(s, ingest.Outcome{Type: ingest.PayloadLogs, Code: ingest.StatusError})
	c.DecodeError(s, "s1", ingest.PayloadLogs, errors.New("boom"))
	c.BatchStored(ingest.SignalLogs, "logs_logs_s1", 42)
	c.StorageRetry(ingest.SignalLogs, "logs_logs_s1", 1, errors.New("locked"))
	c.StorageError(ingest.SignalLogs, "logs_logs_s1", errors.New("locked"))
	c.UnitAcknowledged(s, ingest.Status{UnitID: 1, Code: ingest.StatusOK}, 3*time.Millisecond)
	c.UnitAcknowledged(s, ingest.Status{UnitID: 2, Code: ingest.StatusError}, time.Millisecond)
	c.RecordBytesReceived(ingest.SignalLogs, 1024)
	c.SessionClosed(s, ingest.SessionStats{Duration: 2 * time.Second}, nil)

	assert.Equal(t, 0.0, testutil.ToFloat64(c.activeSessions.WithLabelValues("logs")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsTotal.WithLabelValues("logs")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.unitsTotal.WithLabelValues("logs", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.unitsTotal.WithLabelValues("logs", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.payloadsTotal.WithLabelValues("LOGS", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.decodeErrorsTotal.WithLabelValues("logs", "LOGS")))
	assert.Equal(t, 42.0, testutil.ToFloat64(c.rowsStored.WithLabelValues("logs")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.batchesStored.WithLabelValues("logs")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.storageRetries.WithLabelValues("logs")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.storageErrors.WithLabelValues("logs")))
	assert.Equal(t, 1024.0, testutil.ToFloat64(c.bytesReceived.WithLabelValues("logs")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.unitDuration))
}

func TestCollectorGaugesAndHandler(t *testing.T) {
	c := NewCollector(nil)

	depth := 3
	c.WatchWriteQueue(func() int { return depth }, func() int { return 64 })
	c.WatchAllocator(func() int64 { return 4096 })

	cs := []compression.Compressor{}
	for _, typ := range []compression.CompressionType{compression.CompressionZstd, compression.CompressionLZ4} {
		comp, err := compression.New(typ)
		require.NoError(t, err)
		cs = append(cs, comp)
	}
	c.WatchCompressors(cs)

	count, err := testutil.GatherAndCount(c.Registry(),
		"telemetry_ingest_write_queue_depth",
		"telemetry_ingest_arrow_allocated_bytes",
		"telemetry_ingest_compressed_bytes_out_total")
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "telemetry_ingest_write_queue_depth 3")
	assert.Contains(t, string(body), "telemetry_ingest_write_queue_capacity 64")
	assert.Contains(t, string(body), `telemetry_ingest_decompressed_bytes_total{compression="lz4"} 0`)
}
