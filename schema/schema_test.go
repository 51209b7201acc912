package schema

import (
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableName(t *testing.T) {
	tests := []struct {
		signal, payloadType, schemaID string
		want                          string
	}{
		{"logs", "LOGS", "s1", "logs_logs_s1"},
		{"traces", "SPAN_ATTRS", "0:a-b.c", "traces_span_attrs_0_a_b_c"},
		{"metrics", "RESOURCE_ATTRS", "", "metrics_resource_attrs__"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TableName(tt.signal, tt.payloadType, tt.schemaID))
	}

	long := strings.Repeat("x", 100)
	a := TableName("logs", "LOGS", long+"a")
	b := TableName("logs", "LOGS", long+"b")
	assert.LessOrEqual(t, len(a), maxIdentifierLength)
	assert.NotEqual(t, a, b)
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"plain"`, QuoteIdent("plain"))
	assert.Equal(t, `"we""ird"`, QuoteIdent(`we"ird`))
}

func TestFingerprint(t *testing.T) {
	a := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Uint16},
		{Name: "body", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
	md := arrow.NewMetadata([]string{"origin"}, []string{"test"})
	sameWithMetadata := arrow.NewSchema(a.Fields(), &md)
	renamed := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Uint16},
		{Name: "text", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
	notNull := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Uint16},
		{Name: "body", Type: arrow.BinaryTypes.String},
	}, nil)

	fp := Fingerprint(a)
	assert.Len(t, fp, 64)
	assert.Equal(t, fp, Fingerprint(sameWithMetadata))
	assert.NotEqual(t, fp, Fingerprint(renamed))
	assert.NotEqual(t, fp, Fingerprint(notNull))
}

func otelLikeSchema() *arrow.Schema {
	dictString := &arrow.DictionaryType{IndexType: arrow.PrimitiveTypes.Uint16, ValueType: arrow.BinaryTypes.String}
	return arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Uint16},
		{Name: "time_unix_nano", Type: arrow.FixedWidthTypes.Timestamp_ns},
		{Name: "trace_id", Type: &arrow.FixedSizeBinaryType{ByteWidth: 16}, Nullable: true},
		{Name: "severity_text", Type: dictString, Nullable: true},
		{Name: "body", Type: arrow.StructOf(
			arrow.Field{Name: "type", Type: arrow.PrimitiveTypes.Uint8},
			arrow.Field{Name: "str", Type: arrow.BinaryTypes.String, Nullable: true},
		), Nullable: true},
		{Name: "tags", Type: arrow.ListOf(arrow.BinaryTypes.String), Nullable: true},
		{Name: "labels", Type: arrow.MapOf(arrow.BinaryTypes.String, arrow.PrimitiveTypes.Int64), Nullable: true},
		{Name: "count", Type: arrow.PrimitiveTypes.Uint64},
	}, nil)
}

func TestCreateTableSQLDuckDB(t *testing.T) {
	sql, err := CreateTableSQL(DuckDB, "logs_logs_s1", otelLikeSchema())
	require.NoError(t, err)

	assert.Contains(t, sql, `CREATE TABLE IF NOT EXISTS "logs_logs_s1"`)
	assert.Contains(t, sql, `"id" USMALLINT NOT NULL`)
	assert.Contains(t, sql, `"time_unix_nano" TIMESTAMP_NS NOT NULL`)
	assert.Contains(t, sql, `"trace_id" BLOB,`)
	assert.Contains(t, sql, `"severity_text" VARCHAR,`)
	assert.Contains(t, sql, `"body" STRUCT("type" UTINYINT, "str" VARCHAR)`)
	assert.Contains(t, sql, `"tags" VARCHAR[]`)
	assert.Contains(t, sql, `"labels" STRUCT("key" VARCHAR, "value" BIGINT)[]`)
	assert.Contains(t, sql, `"count" UBIGINT NOT NULL`)
}

func TestCreateTableSQLPostgres(t *testing.T) {
	sql, err := CreateTableSQL(Postgres, "logs_logs_s1", otelLikeSchema())
	require.NoError(t, err)

	assert.Contains(t, sql, `"id" INTEGER NOT NULL`)
	assert.Contains(t, sql, `"time_unix_nano" TIMESTAMPTZ NOT NULL`)
	assert.Contains(t, sql, `"trace_id" BYTEA`)
	assert.Contains(t, sql, `"severity_text" TEXT`)
	assert.Contains(t, sql, `"body" JSONB`)
	assert.Contains(t, sql, `"labels" JSONB`)
	assert.Contains(t, sql, `"count" NUMERIC(20, 0) NOT NULL`)
}

func TestCreateTableSQLRejectsUnsupported(t *testing.T) {
	s := arrow.NewSchema([]arrow.Field{
		{Name: "u", Type: arrow.SparseUnionOf([]arrow.Field{{Name: "a", Type: arrow.PrimitiveTypes.Int32}}, []arrow.UnionTypeCode{0})},
	}, nil)

	for _, d := range []Dialect{DuckDB, Postgres} {
		_, err := CreateTableSQL(d, "t", s)
		assert.ErrorIs(t, err, ErrUnsupportedType, d.String())
	}

	_, err := CreateTableSQL(DuckDB, "t", arrow.NewSchema(nil, nil))
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestRowValues(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	b := array.NewRecordBuilder(mem, otelLikeSchema())
	defer b.Release()

	ts := time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)
	traceID := []byte("0123456789abcdef")

	b.Field(0).(*array.Uint16Builder).Append(7)
	b.Field(1).(*array.TimestampBuilder).Append(arrow.Timestamp(ts.UnixNano()))
	b.Field(2).(*array.FixedSizeBinaryBuilder).Append(traceID)
	require.NoError(t, b.Field(3).(*array.BinaryDictionaryBuilder).AppendString("WARN"))

	body := b.Field(4).(*array.StructBuilder)
	body.Append(true)
	body.FieldBuilder(0).(*array.Uint8Builder).Append(1)
	body.FieldBuilder(1).(*array.StringBuilder).Append("disk full")

	tags := b.Field(5).(*array.ListBuilder)
	tags.Append(true)
	tags.ValueBuilder().(*array.StringBuilder).AppendValues([]string{"a", "b"}, nil)

	labels := b.Field(6).(*array.MapBuilder)
	labels.Append(true)
	labels.KeyBuilder().(*array.StringBuilder).Append("retries")
	labels.ItemBuilder().(*array.Int64Builder).Append(3)

	b.Field(7).(*array.Uint64Builder).Append(1 << 63)

	// second row: nulls everywhere they are allowed
	b.Field(0).(*array.Uint16Builder).Append(8)
	b.Field(1).(*array.TimestampBuilder).Append(0)
	b.Field(2).AppendNull()
	b.Field(3).AppendNull()
	b.Field(4).AppendNull()
	b.Field(5).AppendNull()
	b.Field(6).AppendNull()
	b.Field(7).(*array.Uint64Builder).Append(0)

	rec := b.NewRecord()
	defer rec.Release()

	row, err := Row(rec, 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), row[0])
	assert.Equal(t, ts, row[1])
	assert.Equal(t, traceID, row[2])
	assert.Equal(t, "WARN", row[3])
	assert.Equal(t, map[string]any{"type": uint8(1), "str": "disk full"}, row[4])
	assert.Equal(t, []any{"a", "b"}, row[5])
	assert.Equal(t, []any{map[string]any{"key": "retries", "value": int64(3)}}, row[6])
	assert.Equal(t, uint64(1<<63), row[7])

	row, err = Row(rec, 1)
	require.NoError(t, err)
	assert.Equal(t, uint16(8), row[0])
	for c := 2; c <= 6; c++ {
		assert.Nil(t, row[c], "column %d", c)
	}

	assert.Equal(t, []string{"id", "time_unix_nano", "trace_id", "severity_text", "body", "tags", "labels", "count"},
		ColumnNames(rec.Schema()))
}
