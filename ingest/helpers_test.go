package ingest

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/ipc"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/stretchr/testify/require"
	"github.com/withObsrvr/telemetry-arrow-ingest/resilience"
	"github.com/withObsrvr/telemetry-arrow-ingest/storage"
)

func logsSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Uint16},
		{Name: "body", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
}

func buildLogs(mem memory.Allocator, start, n int) arrow.Record {
	b := array.NewRecordBuilder(mem, logsSchema())
	defer b.Release()
	for i := start; i < start+n; i++ {
		b.Field(0).(*array.Uint16Builder).Append(uint16(i))
		b.Field(1).(*array.StringBuilder).Append("line")
	}
	return b.NewRecord()
}

// encodeLogs encodes a stream of n batches of rows rows each.
func encodeLogs(t *testing.T, n, rows int) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(logsSchema()))
	for i := 0; i < n; i++ {
		rec := buildLogs(memory.DefaultAllocator, i*rows, rows)
		require.NoError(t, w.Write(rec))
		rec.Release()
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// splitMessages cuts an encoded stream at message boundaries. The last
// element is the end-of-stream marker.
func splitMessages(t *testing.T, stream []byte) [][]byte {
	t.Helper()
	mr := ipc.NewMessageReader(bytes.NewReader(stream))
	defer mr.Release()

	var out [][]byte
	off := 0
	for {
		msg, err := mr.Message()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		metaLen := int(binary.LittleEndian.Uint32(stream[off+4:]))
		n := 8 + metaLen + int(msg.BodyLen())
		out = append(out, stream[off:off+n])
		off += n
	}
	if off < len(stream) {
		out = append(out, stream[off:])
	}
	return out
}

func payload(schemaID string, pt PayloadType, record []byte) Payload {
	return Payload{SchemaID: schemaID, Type: pt, Record: record}
}

// fakeTransport feeds units from a channel and records statuses.
type fakeTransport struct {
	ctx      context.Context
	units    chan *Unit
	recvErr  error // returned once units is closed; nil means io.EOF
	received atomic.Int64

	mu   sync.Mutex
	sent []Status
	acks chan Status
}

func newFakeTransport(ctx context.Context) *fakeTransport {
	return &fakeTransport{
		ctx:   ctx,
		units: make(chan *Unit, 64),
		acks:  make(chan Status, 64),
	}
}

func (f *fakeTransport) Recv() (*Unit, error) {
	select {
	case u, ok := <-f.units:
		if ok {
			f.received.Add(1)
			return u, nil
		}
		if f.recvErr != nil {
			return nil, f.recvErr
		}
		return nil, io.EOF
	case <-f.ctx.Done():
		return nil, f.ctx.Err()
	}
}

func (f *fakeTransport) Send(st *Status) error {
	f.mu.Lock()
	f.sent = append(f.sent, *st)
	f.mu.Unlock()
	f.acks <- *st
	return nil
}

func (f *fakeTransport) Sent() []Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Status(nil), f.sent...)
}

func (f *fakeTransport) send(units ...*Unit) {
	for _, u := range units {
		f.units <- u
	}
}

// scriptedStore wraps a MemoryStore and lets tests inject append failures.
type scriptedStore struct {
	*storage.MemoryStore

	mu       sync.Mutex
	appends  int
	failures []error       // returned by successive appends, nil entries pass
	block    chan struct{} // when set, appends wait for it or ctx
	entered  chan struct{}
}

func newScriptedStore() *scriptedStore {
	return &scriptedStore{MemoryStore: storage.NewMemoryStore(0)}
}

func (s *scriptedStore) AppendBatch(ctx context.Context, ref storage.TableRef, rec arrow.Record) error {
	s.mu.Lock()
	s.appends++
	var err error
	if len(s.failures) > 0 {
		err, s.failures = s.failures[0], s.failures[1:]
	}
	block, entered := s.block, s.entered
	s.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	return s.MemoryStore.AppendBatch(ctx, ref, rec)
}

func (s *scriptedStore) Appends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appends
}

func fastRetry() *resilience.RetryManager {
	policy := resilience.DefaultRetryPolicy()
	policy.MaxAttempts = 3
	policy.InitialDelay = time.Millisecond
	policy.MaxDelay = 2 * time.Millisecond
	policy.Classifier = StorageClassifier
	return resilience.NewRetryManager(policy, nil)
}

type harness struct {
	t       *testing.T
	store   *scriptedStore
	retry   *resilience.RetryManager
	router  *Router
	events  *recordingSink
	session *Session
	tr      *fakeTransport
	cancel  context.CancelFunc
	done    chan error
}

func newHarness(t *testing.T, signal Signal, cfg SessionConfig) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		t:      t,
		store:  newScriptedStore(),
		retry:  fastRetry(),
		events: newRecordingSink(),
		tr:     newFakeTransport(ctx),
		cancel: cancel,
		done:   make(chan error, 1),
	}
	h.router = NewRouter(h.store, h.retry, nil, h.events)
	h.session = NewSession(signal, "test", h.router, cfg, h.events, nil)
	go func() { h.done <- h.session.Run(ctx, h.tr) }()
	t.Cleanup(func() {
		cancel()
		h.store.Close()
	})
	return h
}

// finish ends the input and waits for Run.
func (h *harness) finish() error {
	close(h.tr.units)
	return h.wait()
}

func (h *harness) wait() error {
	select {
	case err := <-h.done:
		return err
	case <-time.After(10 * time.Second):
		h.t.Fatal("session did not finish")
		return nil
	}
}

func (h *harness) ack() Status {
	select {
	case st := <-h.tr.acks:
		return st
	case <-time.After(10 * time.Second):
		h.t.Fatal("no status received")
		return Status{}
	}
}

// recordingSink keeps the events tests assert on.
type recordingSink struct {
	NopEventSink

	mu sync.Mutex
	c  eventCounts
}

type eventCounts struct {
	opened       int
	closed       int
	closeErr     error
	stats        SessionStats
	decodeErrors int
	storageErrs  int
	retries      int
	rowsStored   int64
}

func newRecordingSink() *recordingSink { return &recordingSink{} }

func (r *recordingSink) SessionOpened(SessionInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.c.opened++
}

func (r *recordingSink) SessionClosed(_ SessionInfo, stats SessionStats, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.c.closed++
	r.c.stats = stats
	r.c.closeErr = err
}

func (r *recordingSink) DecodeError(SessionInfo, string, PayloadType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.c.decodeErrors++
}

func (r *recordingSink) StorageError(Signal, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.c.storageErrs++
}

func (r *recordingSink) StorageRetry(Signal, string, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.c.retries++
}

func (r *recordingSink) BatchStored(_ Signal, _ string, rows int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.c.rowsStored += rows
}

func (r *recordingSink) snapshot() eventCounts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.c
}
