package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/google/uuid"
	"github.com/withObsrvr/telemetry-arrow-ingest/decoder"
	"github.com/withObsrvr/telemetry-arrow-ingest/logging"
	"golang.org/x/sync/errgroup"
)

// Transport is one bidirectional call. Recv returns io.EOF once the peer has
// finished sending and must return when the call ends. Run may return while a
// Recv is still blocked, for example after a failed Send.
type Transport interface {
	Recv() (*Unit, error)
	Send(*Status) error
}

// State is the lifecycle state of a Session.
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// SessionConfig tunes one session.
type SessionConfig struct {
	// InboundQueue bounds units read ahead of processing.
	InboundQueue int
	// OutboundQueue bounds statuses waiting to be sent.
	OutboundQueue int
	// DecodeConcurrency bounds schema ids of one unit processed in parallel.
	DecodeConcurrency int
	// MaxBufferedBytes bounds the bytes a decoder holds for one message.
	MaxBufferedBytes int64
	// AllowCrossUnitFragments lets an IPC message continue in a later unit.
	AllowCrossUnitFragments bool
	Allocator               memory.Allocator
}

// DefaultSessionConfig returns the settings used when none are given.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		InboundQueue:      4,
		OutboundQueue:     16,
		DecodeConcurrency: 4,
		MaxBufferedBytes:  256 << 20,
		Allocator:         memory.DefaultAllocator,
	}
}

// Session drives one call: it decodes every payload with the decoder of its
// schema id, routes decoded batches to storage and sends one Status per unit
// in arrival order. Decoder state lives only as long as the session.
type Session struct {
	info   SessionInfo
	cfg    SessionConfig
	router *Router
	events EventSink
	logger *logging.ComponentLogger

	state    atomic.Int32
	decoders map[string]*decoder.Decoder

	// closed when the transport fails while the session is open
	aborted  chan struct{}
	abortErr error

	units    atomic.Int64
	payloads atomic.Int64
	statsMu  sync.Mutex
	statuses map[StatusCode]int64
}

type ack struct {
	status  Status
	started time.Time
}

// NewSession creates a session for signal. peer is informational.
func NewSession(signal Signal, peer string, router *Router, cfg SessionConfig, events EventSink, logger *logging.ComponentLogger) *Session {
	if events == nil {
		events = NopEventSink{}
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if cfg.Allocator == nil {
		cfg.Allocator = memory.DefaultAllocator
	}
	if cfg.InboundQueue < 0 {
		cfg.InboundQueue = 0
	}
	if cfg.OutboundQueue < 0 {
		cfg.OutboundQueue = 0
	}
	if cfg.DecodeConcurrency <= 0 {
		cfg.DecodeConcurrency = 1
	}

	info := SessionInfo{ID: uuid.NewString(), Signal: signal, Peer: peer}
	return &Session{
		info:     info,
		cfg:      cfg,
		router:   router,
		events:   events,
		logger:   logger.With("session_id", info.ID),
		decoders: make(map[string]*decoder.Decoder),
		aborted:  make(chan struct{}),
		statuses: make(map[StatusCode]int64),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.info.ID }

// Info returns the identity of the session.
func (s *Session) Info() SessionInfo { return s.info }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Run processes the call until the peer finishes sending, the transport fails
// or ctx is cancelled. A Session runs once.
//
// On end of input every unit already read is processed and acknowledged and
// Run returns nil. On a receive failure the unit in progress is acknowledged
// with an Error, units not yet started are dropped and the failure is
// returned. On cancellation nothing more is sent and ctx's error is returned.
func (s *Session) Run(ctx context.Context, t Transport) (err error) {
	if s.State() != StateOpen {
		return fmt.Errorf("session %s already %s", s.info.ID, s.State())
	}

	start := time.Now()
	s.events.SessionOpened(s.info)
	defer func() {
		s.close()
		s.events.SessionClosed(s.info, s.stats(time.Since(start)), err)
	}()

	inbound := make(chan *Unit, s.cfg.InboundQueue)
	outbound := make(chan ack, s.cfg.OutboundQueue)

	recv := make(chan received)
	stop := make(chan struct{})
	defer close(stop)
	go receive(t, recv, stop)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(inbound)
		return s.readLoop(gctx, recv, inbound)
	})

	g.Go(func() error {
		defer close(outbound)
		return s.processLoop(gctx, inbound, outbound)
	})

	g.Go(func() error {
		return s.writeLoop(gctx, t, outbound)
	})

	err = g.Wait()
	switch {
	case ctx.Err() != nil:
		err = ctx.Err()
	case s.abortErr != nil:
		err = s.abortErr
	}
	return err
}

type received struct {
	unit *Unit
	err  error
}

// receive pumps t.Recv into out until Recv fails or stop is closed. It is not
// part of Run's group: a Recv blocked on an idle peer returns only when the
// call ends, which happens after Run has returned.
func receive(t Transport, out chan<- received, stop <-chan struct{}) {
	for {
		unit, err := t.Recv()
		select {
		case out <- received{unit: unit, err: err}:
		case <-stop:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) readLoop(ctx context.Context, recv <-chan received, inbound chan<- *Unit) error {
	for {
		var r received
		select {
		case r = <-recv:
		case <-ctx.Done():
			return ctx.Err()
		}
		unit, err := r.unit, r.err
		if err != nil {
			s.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
			switch {
			case errors.Is(err, io.EOF):
				s.logger.Debug().Msg("Peer finished sending")
				return nil
			case ctx.Err() != nil:
				return ctx.Err()
			}
			s.abortErr = fmt.Errorf("receive: %w", err)
			close(s.aborted)
			return nil
		}

		select {
		case inbound <- unit:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) isAborted() bool {
	select {
	case <-s.aborted:
		return true
	default:
		return false
	}
}

func (s *Session) processLoop(ctx context.Context, inbound <-chan *Unit, outbound chan<- ack) error {
	for {
		var (
			unit *Unit
			ok   bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case unit, ok = <-inbound:
		}
		if !ok {
			return nil
		}
		if s.isAborted() {
			// units not started when the transport failed get no status
			return nil
		}

		started := time.Now()
		st, complete := s.processUnit(ctx, unit)
		if !complete {
			return ctx.Err()
		}

		select {
		case outbound <- ack{status: st, started: started}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// processUnit returns the unit's Status, or false when ctx was cancelled
// before every payload was processed.
func (s *Session) processUnit(ctx context.Context, unit *Unit) (Status, bool) {
	s.units.Add(1)
	s.payloads.Add(int64(len(unit.Payloads)))

	if len(unit.Payloads) == 0 {
		return Acknowledge(unit.ID, nil), true
	}

	outcomes := make([]Outcome, len(unit.Payloads))
	done := make([]bool, len(unit.Payloads))

	// payloads of one schema id stay in arrival order on one goroutine
	groups := make(map[string][]int)
	var order []string
	for i, p := range unit.Payloads {
		if _, ok := groups[p.SchemaID]; !ok {
			order = append(order, p.SchemaID)
		}
		groups[p.SchemaID] = append(groups[p.SchemaID], i)
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.DecodeConcurrency)
	for _, schemaID := range order {
		dec := s.decoder(schemaID)
		idx := groups[schemaID]
		g.Go(func() error {
			s.processGroup(ctx, unit, dec, idx, outcomes, done)
			return nil
		})
	}
	g.Wait()

	if ctx.Err() != nil {
		return Status{}, false
	}
	for _, ok := range done {
		if !ok {
			return interrupted(unit.ID), true
		}
	}
	return Acknowledge(unit.ID, outcomes), true
}

func (s *Session) decoder(schemaID string) *decoder.Decoder {
	dec, ok := s.decoders[schemaID]
	if !ok {
		dec = decoder.New(schemaID,
			decoder.WithAllocator(s.cfg.Allocator),
			decoder.WithMaxBufferedBytes(s.cfg.MaxBufferedBytes),
		)
		s.decoders[schemaID] = dec
		s.logger.Debug().
			Str("schema_id", schemaID).
			Msg("Created decoder")
	}
	return dec
}

func (s *Session) processGroup(ctx context.Context, unit *Unit, dec *decoder.Decoder, idx []int, outcomes []Outcome, done []bool) {
	for k, i := range idx {
		if ctx.Err() != nil || s.isAborted() {
			return
		}

		p := unit.Payloads[i]
		o := s.processPayload(ctx, dec, p)

		last := k == len(idx)-1
		if last && !s.cfg.AllowCrossUnitFragments && dec.Err() == nil {
			if err := dec.CheckBoundary(); err != nil {
				s.events.DecodeError(s.info, p.SchemaID, p.Type, err)
				detail := "decode: " + decodeDetail(err)
				if o.Code == StatusError {
					o.Detail += "; " + detail
				} else {
					o.Code = StatusError
					o.Detail = detail
				}
				o.Reason = ReasonInvalid
			}
		}

		outcomes[i] = o
		done[i] = true
		s.events.PayloadProcessed(s.info, o)
	}
}

func (s *Session) processPayload(ctx context.Context, dec *decoder.Decoder, p Payload) Outcome {
	o := Outcome{SchemaID: p.SchemaID, Type: p.Type}

	// unsupported payloads are still decoded to keep the stream aligned
	records, err := dec.Decode(p.Record)
	if err != nil {
		s.events.DecodeError(s.info, p.SchemaID, p.Type, err)
		o.Code = StatusError
		o.Reason = ReasonInvalid
		o.Detail = "decode: " + decodeDetail(err)
		return o
	}
	defer func() {
		for _, rec := range records {
			rec.Release()
		}
	}()

	if !s.info.Signal.Accepts(p.Type) {
		o.Code = StatusError
		o.Reason = ReasonInvalid
		o.Detail = fmt.Sprintf("unsupported payload type %s for %s", p.Type, s.info.Signal)
		return o
	}

	if len(records) == 0 {
		o.Code = StatusNoData
		if n := dec.Pending(); n > 0 {
			o.Detail = fmt.Sprintf("no record batch completed, %d bytes buffered", n)
		} else {
			o.Detail = "no record batch"
		}
		return o
	}

	for _, rec := range records {
		if err := s.router.Route(ctx, s.info.Signal, p.SchemaID, p.Type, rec); err != nil {
			o.Code = StatusError
			o.Reason = storageReason(err)
			o.Detail = err.Error()
			return o
		}
		o.Batches++
		o.Rows += rec.NumRows()
	}

	o.Code = StatusOK
	o.Detail = messageOK
	return o
}

// decodeDetail drops the schema id prefix the diagnostic already carries.
func decodeDetail(err error) string {
	var de *decoder.Error
	if errors.As(err, &de) {
		return de.Err.Error()
	}
	return err.Error()
}

func (s *Session) writeLoop(ctx context.Context, t Transport, outbound <-chan ack) error {
	for {
		var (
			a  ack
			ok bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a, ok = <-outbound:
		}
		if !ok {
			return nil
		}

		if err := t.Send(&a.status); err != nil {
			return fmt.Errorf("send status for unit %d: %w", a.status.UnitID, err)
		}

		s.statsMu.Lock()
		s.statuses[a.status.Code]++
		s.statsMu.Unlock()
		s.events.UnitAcknowledged(s.info, a.status, time.Since(a.started))
	}
}

// close discards all decoder state.
func (s *Session) close() {
	s.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
	for _, dec := range s.decoders {
		dec.Release()
	}
	s.decoders = nil
	s.state.Store(int32(StateClosed))
}

func (s *Session) stats(elapsed time.Duration) SessionStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	statuses := make(map[StatusCode]int64, len(s.statuses))
	for code, n := range s.statuses {
		statuses[code] = n
	}
	return SessionStats{
		Units:    s.units.Load(),
		Payloads: s.payloads.Load(),
		Statuses: statuses,
		Duration: elapsed,
	}
}
