package server

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	arrowpb "github.com/open-telemetry/otel-arrow/api/experimental/arrow/v1"
	"github.com/withObsrvr/telemetry-arrow-ingest/ingest"
	"github.com/withObsrvr/telemetry-arrow-ingest/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// Service names reported through the gRPC health service.
var serviceNames = map[ingest.Signal]string{
	ingest.SignalLogs:    arrowpb.ArrowLogsService_ServiceDesc.ServiceName,
	ingest.SignalMetrics: arrowpb.ArrowMetricsService_ServiceDesc.ServiceName,
	ingest.SignalTraces:  arrowpb.ArrowTracesService_ServiceDesc.ServiceName,
}

// ReceiveRecorder observes the serialized size of every received batch.
type ReceiveRecorder interface {
	RecordBytesReceived(signal ingest.Signal, n int)
}

// IngestServer serves the OTel Arrow logs, metrics and traces streams. Every
// call runs one ingest.Session.
type IngestServer struct {
	router   *ingest.Router
	session  ingest.SessionConfig
	events   ingest.EventSink
	received ReceiveRecorder
	logger   *logging.ComponentLogger
	health   *health.Server

	active   atomic.Int64
	total    atomic.Int64
	draining atomic.Bool
	started  time.Time
}

// Options configures an IngestServer. Events and Received may be nil.
type Options struct {
	Session  ingest.SessionConfig
	Events   ingest.EventSink
	Received ReceiveRecorder
	Logger   *logging.ComponentLogger
}

// NewIngestServer creates a server writing through router
func NewIngestServer(router *ingest.Router, opts Options) *IngestServer {
	if opts.Events == nil {
		opts.Events = ingest.NopEventSink{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	return &IngestServer{
		router:   router,
		session:  opts.Session,
		events:   opts.Events,
		received: opts.Received,
		logger:   opts.Logger,
		health:   health.NewServer(),
		started:  time.Now(),
	}
}

// Register installs the three Arrow services and the gRPC health service
func (s *IngestServer) Register(g *grpc.Server) {
	arrowpb.RegisterArrowLogsServiceServer(g, &logsService{s: s})
	arrowpb.RegisterArrowMetricsServiceServer(g, &metricsService{s: s})
	arrowpb.RegisterArrowTracesServiceServer(g, &tracesService{s: s})
	healthpb.RegisterHealthServer(g, s.health)

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for _, name := range serviceNames {
		s.health.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	}

	s.logger.Info().
		Str("operation", "register_services").
		Int("services", len(serviceNames)).
		Msg("Registered OTel Arrow services")
}

// Drain marks the server as shutting down. New calls are refused and the
// health service reports NOT_SERVING.
func (s *IngestServer) Drain() {
	if s.draining.Swap(true) {
		return
	}
	s.health.Shutdown()
	s.logger.Info().
		Int64("active_sessions", s.active.Load()).
		Msg("Draining ingest server")
}

// Draining reports whether Drain was called
func (s *IngestServer) Draining() bool {
	return s.draining.Load()
}

// ActiveSessions returns the number of calls in progress
func (s *IngestServer) ActiveSessions() int64 {
	return s.active.Load()
}

// TotalSessions returns the number of calls accepted since start
func (s *IngestServer) TotalSessions() int64 {
	return s.total.Load()
}

// Uptime returns the time since the server was created
func (s *IngestServer) Uptime() time.Duration {
	return time.Since(s.started)
}

// batchStream is the server side of one Arrow call, whatever the signal
type batchStream interface {
	Send(*arrowpb.BatchStatus) error
	Recv() (*arrowpb.BatchArrowRecords, error)
	grpc.ServerStream
}

func (s *IngestServer) serve(signal ingest.Signal, stream batchStream) error {
	if s.draining.Load() {
		return status.Error(codes.Unavailable, "server is shutting down")
	}

	ctx := stream.Context()
	peerAddr := "unknown"
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		peerAddr = p.Addr.String()
	}

	s.active.Add(1)
	s.total.Add(1)
	defer s.active.Add(-1)

	session := ingest.NewSession(signal, peerAddr, s.router, s.session, s.events, s.logger)
	t := &streamTransport{stream: stream, signal: signal, received: s.received}

	err := session.Run(ctx, t)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}

// streamTransport adapts an Arrow call to ingest.Transport
type streamTransport struct {
	stream   batchStream
	signal   ingest.Signal
	received ReceiveRecorder
}

func (t *streamTransport) Recv() (*ingest.Unit, error) {
	batch, err := t.stream.Recv()
	if err != nil {
		return nil, err
	}
	if t.received != nil {
		t.received.RecordBytesReceived(t.signal, proto.Size(batch))
	}
	return toUnit(batch), nil
}

func (t *streamTransport) Send(st *ingest.Status) error {
	return t.stream.Send(toBatchStatus(st))
}

func toUnit(batch *arrowpb.BatchArrowRecords) *ingest.Unit {
	unit := &ingest.Unit{
		ID:       batch.GetBatchId(),
		Payloads: make([]ingest.Payload, 0, len(batch.GetArrowPayloads())),
	}
	for _, p := range batch.GetArrowPayloads() {
		unit.Payloads = append(unit.Payloads, ingest.Payload{
			SchemaID: p.GetSchemaId(),
			Type:     ingest.PayloadType(p.GetType()),
			Record:   p.GetRecord(),
		})
	}
	return unit
}

// toBatchStatus maps a unit status onto the wire. NoData is accepted work,
// so it is reported as OK with its diagnostic. Malformed payloads are
// INVALID_ARGUMENT; storage and transport failures are UNAVAILABLE.
func toBatchStatus(st *ingest.Status) *arrowpb.BatchStatus {
	out := &arrowpb.BatchStatus{
		BatchId:       st.UnitID,
		StatusCode:    arrowpb.StatusCode_OK,
		StatusMessage: st.Message,
	}
	if st.Code == ingest.StatusError {
		switch st.Reason {
		case ingest.ReasonInvalid:
			out.StatusCode = arrowpb.StatusCode_INVALID_ARGUMENT
		default:
			out.StatusCode = arrowpb.StatusCode_UNAVAILABLE
		}
	}
	return out
}

type logsService struct {
	arrowpb.UnimplementedArrowLogsServiceServer
	s *IngestServer
}

func (l *logsService) ArrowLogs(stream arrowpb.ArrowLogsService_ArrowLogsServer) error {
	return l.s.serve(ingest.SignalLogs, stream)
}

type metricsService struct {
	arrowpb.UnimplementedArrowMetricsServiceServer
	s *IngestServer
}

func (m *metricsService) ArrowMetrics(stream arrowpb.ArrowMetricsService_ArrowMetricsServer) error {
	return m.s.serve(ingest.SignalMetrics, stream)
}

type tracesService struct {
	arrowpb.UnimplementedArrowTracesServiceServer
	s *IngestServer
}

func (t *tracesService) ArrowTraces(stream arrowpb.ArrowTracesService_ArrowTracesServer) error {
	return t.s.serve(ingest.SignalTraces, stream)
}
