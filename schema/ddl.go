package schema

import (
	"errors"
	"fmt"
	"strings"

	"github.com/apache/arrow/go/v17/arrow"
)

// ErrUnsupportedType reports an Arrow type with no column mapping
var ErrUnsupportedType = errors.New("unsupported arrow type")

// Dialect selects the SQL type vocabulary
type Dialect int

const (
	DuckDB Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "duckdb"
}

// ColumnType maps an Arrow type to a column type of dialect d.
func ColumnType(d Dialect, dt arrow.DataType) (string, error) {
	if d == Postgres {
		return postgresType(dt)
	}
	return duckdbType(dt)
}

// CreateTableSQL renders CREATE TABLE IF NOT EXISTS for s.
func CreateTableSQL(d Dialect, table string, s *arrow.Schema) (string, error) {
	if s.NumFields() == 0 {
		return "", fmt.Errorf("%w: schema without columns", ErrUnsupportedType)
	}

	cols := make([]string, 0, s.NumFields())
	for _, f := range s.Fields() {
		typ, err := ColumnType(d, f.Type)
		if err != nil {
			return "", fmt.Errorf("column %q: %w", f.Name, err)
		}
		col := QuoteIdent(f.Name) + " " + typ
		if !f.Nullable {
			col += " NOT NULL"
		}
		cols = append(cols, col)
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", QuoteIdent(table), strings.Join(cols, ",\n\t")), nil
}

// CatalogTable records the schema each ingest table was created with.
const CatalogTable = "_ingest_tables"

// CatalogSQL renders the catalog table definition.
func CatalogSQL(d Dialect) string {
	ts := "TIMESTAMP"
	if d == Postgres {
		ts = "TIMESTAMPTZ"
	}
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	table_name VARCHAR PRIMARY KEY,
	signal VARCHAR NOT NULL,
	payload_type VARCHAR NOT NULL,
	schema_id VARCHAR NOT NULL,
	fingerprint VARCHAR NOT NULL,
	arrow_schema VARCHAR NOT NULL,
	created_at %s NOT NULL DEFAULT CURRENT_TIMESTAMP
)`, CatalogTable, ts)
}

func duckdbType(dt arrow.DataType) (string, error) {
	switch t := dt.(type) {
	case *arrow.BooleanType:
		return "BOOLEAN", nil
	case *arrow.Int8Type:
		return "TINYINT", nil
	case *arrow.Int16Type:
		return "SMALLINT", nil
	case *arrow.Int32Type:
		return "INTEGER", nil
	case *arrow.Int64Type:
		return "BIGINT", nil
	case *arrow.Uint8Type:
		return "UTINYINT", nil
	case *arrow.Uint16Type:
		return "USMALLINT", nil
	case *arrow.Uint32Type:
		return "UINTEGER", nil
	case *arrow.Uint64Type:
		return "UBIGINT", nil
	case *arrow.Float16Type, *arrow.Float32Type:
		return "FLOAT", nil
	case *arrow.Float64Type:
		return "DOUBLE", nil
	case *arrow.StringType, *arrow.LargeStringType:
		return "VARCHAR", nil
	case *arrow.BinaryType, *arrow.LargeBinaryType, *arrow.FixedSizeBinaryType:
		return "BLOB", nil
	case *arrow.TimestampType:
		if t.Unit == arrow.Nanosecond {
			return "TIMESTAMP_NS", nil
		}
		return "TIMESTAMP", nil
	case *arrow.Date32Type, *arrow.Date64Type:
		return "DATE", nil
	case *arrow.DurationType, *arrow.Time32Type, *arrow.Time64Type:
		// raw units of the arrow type
		return "BIGINT", nil
	case *arrow.DictionaryType:
		return duckdbType(t.ValueType)
	case *arrow.MapType:
		k, err := duckdbType(t.KeyType())
		if err != nil {
			return "", err
		}
		v, err := duckdbType(t.ItemType())
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("STRUCT(\"key\" %s, \"value\" %s)[]", k, v), nil
	case *arrow.ListType:
		return duckdbListOf(t.Elem())
	case *arrow.LargeListType:
		return duckdbListOf(t.Elem())
	case *arrow.FixedSizeListType:
		return duckdbListOf(t.Elem())
	case *arrow.StructType:
		if t.NumFields() == 0 {
			return "", fmt.Errorf("%w: empty struct", ErrUnsupportedType)
		}
		parts := make([]string, 0, t.NumFields())
		for _, f := range t.Fields() {
			ft, err := duckdbType(f.Type)
			if err != nil {
				return "", fmt.Errorf("struct field %q: %w", f.Name, err)
			}
			parts = append(parts, QuoteIdent(f.Name)+" "+ft)
		}
		return "STRUCT(" + strings.Join(parts, ", ") + ")", nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedType, dt)
}

func duckdbListOf(elem arrow.DataType) (string, error) {
	e, err := duckdbType(elem)
	if err != nil {
		return "", err
	}
	return e + "[]", nil
}

func postgresType(dt arrow.DataType) (string, error) {
	switch t := dt.(type) {
	case *arrow.BooleanType:
		return "BOOLEAN", nil
	case *arrow.Int8Type, *arrow.Int16Type, *arrow.Uint8Type:
		return "SMALLINT", nil
	case *arrow.Int32Type, *arrow.Uint16Type:
		return "INTEGER", nil
	case *arrow.Int64Type, *arrow.Uint32Type:
		return "BIGINT", nil
	case *arrow.Uint64Type:
		return "NUMERIC(20, 0)", nil
	case *arrow.Float16Type, *arrow.Float32Type:
		return "REAL", nil
	case *arrow.Float64Type:
		return "DOUBLE PRECISION", nil
	case *arrow.StringType, *arrow.LargeStringType:
		return "TEXT", nil
	case *arrow.BinaryType, *arrow.LargeBinaryType, *arrow.FixedSizeBinaryType:
		return "BYTEA", nil
	case *arrow.TimestampType:
		if t.TimeZone != "" {
			return "TIMESTAMPTZ", nil
		}
		return "TIMESTAMP", nil
	case *arrow.Date32Type, *arrow.Date64Type:
		return "DATE", nil
	case *arrow.DurationType, *arrow.Time32Type, *arrow.Time64Type:
		return "BIGINT", nil
	case *arrow.DictionaryType:
		return postgresType(t.ValueType)
	case *arrow.ListType, *arrow.LargeListType, *arrow.FixedSizeListType, *arrow.StructType, *arrow.MapType:
		// nested values are stored as JSON documents
		if err := checkNested(dt); err != nil {
			return "", err
		}
		return "JSONB", nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedType, dt)
}

// checkNested rejects nested types whose leaves have no mapping.
func checkNested(dt arrow.DataType) error {
	_, err := duckdbType(dt)
	return err
}
