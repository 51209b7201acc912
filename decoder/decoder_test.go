package decoder

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/ipc"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func logsSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Uint16},
		{Name: "time_unix_nano", Type: arrow.FixedWidthTypes.Timestamp_ns, Nullable: true},
		{Name: "severity_text", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "dropped_attributes_count", Type: arrow.PrimitiveTypes.Uint32},
	}, nil)
}

func buildLogs(mem memory.Allocator, start, n int) arrow.Record {
	b := array.NewRecordBuilder(mem, logsSchema())
	defer b.Release()

	for i := start; i < start+n; i++ {
		b.Field(0).(*array.Uint16Builder).Append(uint16(i))
		b.Field(1).(*array.TimestampBuilder).Append(arrow.Timestamp(1_700_000_000_000_000_000 + int64(i)))
		if i%3 == 0 {
			b.Field(2).(*array.StringBuilder).AppendNull()
		} else {
			b.Field(2).(*array.StringBuilder).Append("INFO")
		}
		b.Field(3).(*array.Uint32Builder).Append(uint32(i % 5))
	}
	return b.NewRecord()
}

func encodeStream(t *testing.T, mem memory.Allocator, schema *arrow.Schema, recs ...arrow.Record) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	for _, rec := range recs {
		require.NoError(t, w.Write(rec))
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// splitMessages cuts an encoded stream at message boundaries.
func splitMessages(t *testing.T, stream []byte) [][]byte {
	t.Helper()
	var out [][]byte
	for len(stream) > 0 {
		_, n, ok, err := nextFrame(stream, 0)
		require.NoError(t, err)
		require.True(t, ok)
		out = append(out, stream[:n])
		stream = stream[n:]
	}
	return out
}

func releaseAll(recs []arrow.Record) {
	for _, rec := range recs {
		rec.Release()
	}
}

func decodeChunks(t *testing.T, dec *Decoder, chunks [][]byte) []arrow.Record {
	t.Helper()
	var out []arrow.Record
	for _, c := range chunks {
		recs, err := dec.Decode(c)
		require.NoError(t, err)
		out = append(out, recs...)
	}
	return out
}

func assertRecordsEqual(t *testing.T, want, got []arrow.Record) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, want[i].Schema().Equal(got[i].Schema()), "schema %d", i)
		assert.True(t, array.RecordEqual(want[i], got[i]), "record %d: want %v got %v", i, want[i], got[i])
	}
}

func TestRoundTripSingleFragment(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	r1 := buildLogs(mem, 0, 10)
	defer r1.Release()
	r2 := buildLogs(mem, 10, 4)
	defer r2.Release()
	stream := encodeStream(t, mem, logsSchema(), r1, r2)

	dec := New("s1", WithAllocator(mem))
	defer dec.Release()

	got, err := dec.Decode(stream)
	require.NoError(t, err)
	defer releaseAll(got)

	assertRecordsEqual(t, []arrow.Record{r1, r2}, got)
	assert.True(t, logsSchema().Equal(dec.Schema()))
	assert.Equal(t, 0, dec.Pending())
	assert.Equal(t, int64(2), dec.Batches())
	assert.NoError(t, dec.Err())
}

func TestFragmentationInvariance(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	want := []arrow.Record{buildLogs(mem, 0, 7), buildLogs(mem, 7, 1), buildLogs(mem, 8, 20)}
	defer releaseAll(want)
	stream := encodeStream(t, mem, logsSchema(), want...)

	chunkings := map[string][][]byte{}
	for _, size := range []int{1, 3, 7, 8, 64, 1000} {
		var chunks [][]byte
		for i := 0; i < len(stream); i += size {
			end := min(i+size, len(stream))
			chunks = append(chunks, stream[i:end])
		}
		chunkings[fmt.Sprintf("fixed_%d", size)] = chunks
	}

	rng := rand.New(rand.NewSource(42))
	var random [][]byte
	for rest := stream; len(rest) > 0; {
		n := min(1+rng.Intn(97), len(rest))
		random = append(random, rest[:n])
		rest = rest[n:]
	}
	chunkings["random"] = random
	chunkings["messages"] = splitMessages(t, stream)

	for name, chunks := range chunkings {
		t.Run(name, func(t *testing.T) {
			dec := New("s1", WithAllocator(mem))
			defer dec.Release()

			got := decodeChunks(t, dec, chunks)
			defer releaseAll(got)

			assertRecordsEqual(t, want, got)
			assert.NoError(t, dec.CheckBoundary())
		})
	}
}

func TestSchemaOnlyFragmentProducesNothing(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	rec := buildLogs(mem, 0, 3)
	defer rec.Release()
	msgs := splitMessages(t, encodeStream(t, mem, logsSchema(), rec))
	require.Len(t, msgs, 3) // schema, batch, end-of-stream

	dec := New("s1", WithAllocator(mem))
	defer dec.Release()

	got, err := dec.Decode(msgs[0])
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, dec.CheckBoundary())
	assert.NotNil(t, dec.Schema())

	got, err = dec.Decode(msgs[1])
	require.NoError(t, err)
	defer releaseAll(got)
	assertRecordsEqual(t, []arrow.Record{rec}, got)
}

func TestTruncatedMessagePoisonsAtBoundary(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	rec := buildLogs(mem, 0, 16)
	defer rec.Release()
	stream := encodeStream(t, mem, logsSchema(), rec)
	msgs := splitMessages(t, stream)

	dec := New("s1", WithAllocator(mem))
	defer dec.Release()

	partial := append(append([]byte{}, msgs[0]...), msgs[1][:len(msgs[1])/2]...)
	got, err := dec.Decode(partial)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Greater(t, dec.Pending(), 0)

	err = dec.CheckBoundary()
	require.ErrorIs(t, err, ErrTruncated)

	var decErr *Error
	require.True(t, errors.As(err, &decErr))
	assert.Equal(t, "s1", decErr.SchemaID)

	// the rest of the message arrives later: still poisoned
	got, err = dec.Decode(msgs[1][len(msgs[1])/2:])
	assert.ErrorIs(t, err, ErrTruncated)
	assert.Empty(t, got)

	_, err = dec.Decode(stream)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestCorruptFramePoisons(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{
			name:  "negative metadata length",
			input: []byte{0xff, 0xff, 0xff, 0xff, 0xf0, 0xff, 0xff, 0xff},
		},
		{
			name:  "garbage metadata",
			input: append([]byte{0xff, 0xff, 0xff, 0xff, 0x10, 0x00, 0x00, 0x00}, bytes.Repeat([]byte{0xab}, 16)...),
		},
		{
			name:  "metadata too short",
			input: []byte{0xff, 0xff, 0xff, 0xff, 0x04, 0x00, 0x00, 0x00, 0x01, 0x02, 0x03, 0x04},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
			defer mem.AssertSize(t, 0)

			dec := New("bad", WithAllocator(mem))
			defer dec.Release()

			_, err := dec.Decode(tt.input)
			require.ErrorIs(t, err, ErrCorruptFrame)

			rec := buildLogs(mem, 0, 2)
			defer rec.Release()
			_, err = dec.Decode(encodeStream(t, mem, logsSchema(), rec))
			assert.ErrorIs(t, err, ErrCorruptFrame, "a poisoned decoder never resynchronizes")
			assert.Error(t, dec.Err())
		})
	}
}

func TestLegacyFramingWithoutContinuationMarker(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	rec := buildLogs(mem, 0, 5)
	defer rec.Release()

	// rewrite each message with the pre-0.15 four byte length prefix
	var legacy []byte
	for _, msg := range splitMessages(t, encodeStream(t, mem, logsSchema(), rec)) {
		legacy = append(legacy, msg[4:]...)
	}

	dec := New("legacy", WithAllocator(mem))
	defer dec.Release()

	got, err := dec.Decode(legacy)
	require.NoError(t, err)
	defer releaseAll(got)
	assertRecordsEqual(t, []arrow.Record{rec}, got)
}

func TestSchemaRedefinitionPoisons(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	rec := buildLogs(mem, 0, 2)
	defer rec.Release()

	other := arrow.NewSchema([]arrow.Field{{Name: "trace_id", Type: &arrow.FixedSizeBinaryType{ByteWidth: 16}}}, nil)

	dec := New("s1", WithAllocator(mem))
	defer dec.Release()

	got, err := dec.Decode(encodeStream(t, mem, logsSchema(), rec))
	require.NoError(t, err)
	releaseAll(got)

	_, err = dec.Decode(encodeStream(t, mem, other))
	require.ErrorIs(t, err, ErrSchemaRedefined)

	_, err = dec.Decode(encodeStream(t, mem, logsSchema(), rec))
	assert.ErrorIs(t, err, ErrSchemaRedefined)
}

func TestNewStreamWithSameSchemaContinues(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	r1 := buildLogs(mem, 0, 2)
	defer r1.Release()
	r2 := buildLogs(mem, 2, 3)
	defer r2.Release()

	dec := New("s1", WithAllocator(mem))
	defer dec.Release()

	input := append(encodeStream(t, mem, logsSchema(), r1), encodeStream(t, mem, logsSchema(), r2)...)
	got, err := dec.Decode(input)
	require.NoError(t, err)
	defer releaseAll(got)

	assertRecordsEqual(t, []arrow.Record{r1, r2}, got)
}

func TestRepeatedSchemaMessageIgnored(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	rec := buildLogs(mem, 0, 4)
	defer rec.Release()
	msgs := splitMessages(t, encodeStream(t, mem, logsSchema(), rec))

	dec := New("s1", WithAllocator(mem))
	defer dec.Release()

	got := decodeChunks(t, dec, [][]byte{msgs[0], msgs[0], msgs[1]})
	defer releaseAll(got)
	assertRecordsEqual(t, []arrow.Record{rec}, got)
}

func TestRecordBatchBeforeSchema(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	rec := buildLogs(mem, 0, 4)
	defer rec.Release()
	msgs := splitMessages(t, encodeStream(t, mem, logsSchema(), rec))

	dec := New("s1", WithAllocator(mem))
	defer dec.Release()

	_, err := dec.Decode(msgs[1])
	assert.ErrorIs(t, err, ErrMissingSchema)
}

func dictSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Uint32},
		{Name: "name", Type: &arrow.DictionaryType{IndexType: arrow.PrimitiveTypes.Uint16, ValueType: arrow.BinaryTypes.String}},
	}, nil)
}

func buildSpans(mem memory.Allocator, names ...string) arrow.Record {
	b := array.NewRecordBuilder(mem, dictSchema())
	defer b.Release()

	for i, name := range names {
		b.Field(0).(*array.Uint32Builder).Append(uint32(i))
		if err := b.Field(1).(*array.BinaryDictionaryBuilder).AppendString(name); err != nil {
			panic(err)
		}
	}
	return b.NewRecord()
}

func TestDictionaryEncodedColumns(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	rec := buildSpans(mem, "GET /", "GET /", "POST /login", "GET /")
	defer rec.Release()
	stream := encodeStream(t, mem, dictSchema(), rec)

	dec := New("spans", WithAllocator(mem))
	defer dec.Release()

	// byte at a time across the dictionary batch
	var chunks [][]byte
	for i := range stream {
		chunks = append(chunks, stream[i:i+1])
	}
	got := decodeChunks(t, dec, chunks)
	defer releaseAll(got)
	assertRecordsEqual(t, []arrow.Record{rec}, got)
}

func TestMissingDictionaryPoisons(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	rec := buildSpans(mem, "a", "b")
	defer rec.Release()
	msgs := splitMessages(t, encodeStream(t, mem, dictSchema(), rec))
	require.Len(t, msgs, 4) // schema, dictionary, batch, end-of-stream

	dec := New("spans", WithAllocator(mem))
	defer dec.Release()

	_, err := dec.Decode(append(append([]byte{}, msgs[0]...), msgs[2]...))
	require.ErrorIs(t, err, ErrMissingDictionary)

	_, err = dec.Decode(msgs[1])
	assert.ErrorIs(t, err, ErrMissingDictionary)
}

func TestBufferLimit(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	rec := buildLogs(mem, 0, 256)
	defer rec.Release()
	stream := encodeStream(t, mem, logsSchema(), rec)

	dec := New("s1", WithAllocator(mem), WithMaxBufferedBytes(1024))
	defer dec.Release()

	_, err := dec.Decode(stream[:len(stream)/2])
	require.ErrorIs(t, err, ErrBufferLimit)
}

func TestDecodersAreIndependent(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	rec := buildLogs(mem, 0, 3)
	defer rec.Release()
	stream := encodeStream(t, mem, logsSchema(), rec)

	a := New("a", WithAllocator(mem))
	defer a.Release()
	b := New("b", WithAllocator(mem))
	defer b.Release()

	_, err := a.Decode([]byte{0xff, 0xff, 0xff, 0xff, 0xf0, 0xff, 0xff, 0xff})
	require.Error(t, err)

	got, err := b.Decode(stream)
	require.NoError(t, err)
	defer releaseAll(got)
	assertRecordsEqual(t, []arrow.Record{rec}, got)
}

func TestCountDictionariesWalksNestedTypes(t *testing.T) {
	dict := &arrow.DictionaryType{IndexType: arrow.PrimitiveTypes.Int32, ValueType: arrow.BinaryTypes.String}
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "plain", Type: arrow.PrimitiveTypes.Int64},
		{Name: "top", Type: dict},
		{Name: "list", Type: arrow.ListOf(dict)},
		{Name: "attrs", Type: arrow.StructOf(
			arrow.Field{Name: "key", Type: dict},
			arrow.Field{Name: "int", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		)},
	}, nil)

	assert.Equal(t, 3, countDictionaries(schema))
	assert.Equal(t, 0, countDictionaries(logsSchema()))
}
