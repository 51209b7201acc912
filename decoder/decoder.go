// Package decoder reassembles fragmented Arrow IPC streams into record batches.
//
// A Decoder owns the state of one logical stream, identified by a schema id:
// buffered partial message bytes, the established schema and the dictionaries
// received so far. Fragments must be fed in wire order and a Decoder must not
// be used from more than one goroutine at a time.
package decoder

import (
	"errors"
	"fmt"
	"strings"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/ipc"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

// Decoder is the stateful decoder for one schema id.
type Decoder struct {
	schemaID    string
	mem         memory.Allocator
	maxBuffered int64

	buf        []byte
	schema     *arrow.Schema
	dictFields int
	stream     *streamState
	batches    int64
	err        *Error
}

// streamState covers one IPC stream, from its schema message to its
// end-of-stream marker.
type streamState struct {
	queue *messageQueue
	rdr   *ipc.Reader
	dicts int
}

func (s *streamState) release() {
	if s.rdr != nil {
		// the reader owns the queue
		s.rdr.Release()
		return
	}
	s.queue.Release()
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithAllocator sets the allocator used for decoded record batches.
func WithAllocator(mem memory.Allocator) Option {
	return func(d *Decoder) {
		d.mem = mem
	}
}

// WithMaxBufferedBytes bounds the size of a single message and of the partial
// bytes held between fragments. Zero means unbounded.
func WithMaxBufferedBytes(n int64) Option {
	return func(d *Decoder) {
		d.maxBuffered = n
	}
}

// New creates an empty decoder for schemaID.
func New(schemaID string, opts ...Option) *Decoder {
	d := &Decoder{
		schemaID: schemaID,
		mem:      memory.DefaultAllocator,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SchemaID returns the schema id this decoder serves.
func (d *Decoder) SchemaID() string { return d.schemaID }

// Schema returns the established schema, or nil before the first schema message.
func (d *Decoder) Schema() *arrow.Schema { return d.schema }

// Pending returns the number of bytes held for an incomplete message.
func (d *Decoder) Pending() int { return len(d.buf) }

// Batches returns the number of record batches produced so far.
func (d *Decoder) Batches() int64 { return d.batches }

// Err returns the poisoning error, or nil while the decoder is healthy.
func (d *Decoder) Err() error {
	if d.err == nil {
		return nil
	}
	return d.err
}

// Decode appends fragment to the stream and returns every record batch it
// completes, in stream order. No batches and a nil error means the fragment
// was consumed without completing a record batch.
//
// The caller owns the returned records and must release them. On error no
// records are returned and the decoder stays poisoned.
func (d *Decoder) Decode(fragment []byte) (records []arrow.Record, err error) {
	if d.err != nil {
		return nil, d.err
	}

	defer func() {
		if r := recover(); r != nil {
			err = d.poison(fmt.Errorf("%w: decoder panic: %v", ErrCorruptFrame, r))
		}
		if err != nil {
			for _, rec := range records {
				rec.Release()
			}
			records = nil
		}
	}()

	d.buf = append(d.buf, fragment...)

	off := 0
	for {
		f, n, ok, ferr := nextFrame(d.buf[off:], d.maxBuffered)
		if ferr != nil {
			return records, d.poison(ferr)
		}
		if !ok {
			break
		}
		off += n

		rec, herr := d.handle(f)
		if herr != nil {
			return records, herr
		}
		if rec != nil {
			records = append(records, rec)
		}
	}

	if off > 0 {
		d.buf = append(d.buf[:0], d.buf[off:]...)
	}
	if d.maxBuffered > 0 && int64(len(d.buf)) > d.maxBuffered {
		return records, d.poison(fmt.Errorf("%w: %d bytes pending", ErrBufferLimit, len(d.buf)))
	}

	d.batches += int64(len(records))
	return records, nil
}

// CheckBoundary reports an error, and poisons the decoder, when bytes of an
// incomplete message are still buffered. Callers that forbid messages spanning
// units call it after the last payload of a unit.
func (d *Decoder) CheckBoundary() error {
	if d.err != nil {
		return d.err
	}
	if len(d.buf) > 0 {
		return d.poison(fmt.Errorf("%w: %d bytes of an incomplete message at end of unit", ErrTruncated, len(d.buf)))
	}
	return nil
}

// Release frees the dictionaries and reader state held by the decoder.
func (d *Decoder) Release() {
	d.endStream()
	d.buf = nil
}

func (d *Decoder) handle(f frame) (arrow.Record, error) {
	if f.eos {
		d.endStream()
		return nil, nil
	}

	switch f.msgType {
	case ipc.MessageSchema:
		return nil, d.onSchema(f)

	case ipc.MessageDictionaryBatch:
		if d.stream == nil {
			return nil, d.poison(fmt.Errorf("%w: dictionary batch", ErrMissingSchema))
		}
		d.stream.queue.push(f.toMessage())
		d.stream.dicts++
		return nil, nil

	case ipc.MessageRecordBatch:
		return d.onRecordBatch(f)
	}

	return nil, d.poison(fmt.Errorf("%w: unexpected message type %v", ErrCorruptFrame, f.msgType))
}

func (d *Decoder) onSchema(f frame) error {
	schema, err := readSchema(f, d.mem)
	if err != nil {
		return d.poison(fmt.Errorf("%w: %v", ErrCorruptFrame, err))
	}

	if d.schema == nil {
		d.schema = schema
		d.dictFields = countDictionaries(schema)
	} else if !d.schema.Equal(schema) {
		return d.poison(fmt.Errorf("%w: established %s, received %s", ErrSchemaRedefined, d.schema, schema))
	}

	if d.stream != nil {
		// repeated schema inside the current stream
		return nil
	}
	d.stream = &streamState{queue: newMessageQueue(f.toMessage())}
	return nil
}

func (d *Decoder) onRecordBatch(f frame) (arrow.Record, error) {
	s := d.stream
	if s == nil {
		return nil, d.poison(fmt.Errorf("%w: record batch", ErrMissingSchema))
	}
	if s.rdr == nil && s.dicts < d.dictFields {
		return nil, d.poison(fmt.Errorf("%w: schema declares %d dictionaries, stream sent %d",
			ErrMissingDictionary, d.dictFields, s.dicts))
	}

	s.queue.push(f.toMessage())

	if s.rdr == nil {
		rdr, err := ipc.NewReaderFromMessageReader(s.queue, ipc.WithAllocator(d.mem))
		if err != nil {
			return nil, d.poison(fmt.Errorf("%w: %v", ErrCorruptFrame, err))
		}
		s.rdr = rdr
	}

	if !s.rdr.Next() {
		err := s.rdr.Err()
		if err == nil {
			err = errors.New("reader returned no record")
		}
		kind := ErrCorruptFrame
		if strings.Contains(strings.ToLower(err.Error()), "dictionar") {
			kind = ErrMissingDictionary
		}
		return nil, d.poison(fmt.Errorf("%w: %v", kind, err))
	}

	rec := s.rdr.Record()
	rec.Retain()
	return rec, nil
}

func (d *Decoder) endStream() {
	if d.stream != nil {
		d.stream.release()
		d.stream = nil
	}
}

func (d *Decoder) poison(err error) error {
	d.err = &Error{SchemaID: d.schemaID, Err: err}
	d.endStream()
	d.buf = nil
	return d.err
}

// readSchema decodes a schema message on its own.
func readSchema(f frame, mem memory.Allocator) (*arrow.Schema, error) {
	q := newMessageQueue(f.toMessage())
	rdr, err := ipc.NewReaderFromMessageReader(q, ipc.WithAllocator(mem))
	if err != nil {
		q.Release()
		return nil, err
	}
	defer rdr.Release()
	return rdr.Schema(), nil
}

type fieldLister interface {
	Fields() []arrow.Field
}

// countDictionaries returns how many dictionary batches must precede the
// first record batch of a stream with this schema.
func countDictionaries(schema *arrow.Schema) int {
	n := 0
	for _, f := range schema.Fields() {
		n += dictionariesIn(f.Type)
	}
	return n
}

func dictionariesIn(dt arrow.DataType) int {
	switch t := dt.(type) {
	case *arrow.DictionaryType:
		return 1 + dictionariesIn(t.ValueType)
	case fieldLister:
		n := 0
		for _, f := range t.Fields() {
			n += dictionariesIn(f.Type)
		}
		return n
	}
	return 0
}
