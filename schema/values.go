package schema

import (
	"fmt"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
)

// Value returns element i of arr as a plain Go value: nil for nulls, Go
// scalars for primitives, time.Time for dates and timestamps, []any for lists,
// map[string]any for structs and a []any of {"key","value"} maps for maps.
// Dictionary arrays yield the referenced dictionary value.
func Value(arr arrow.Array, i int) (any, error) {
	if arr.IsNull(i) {
		return nil, nil
	}

	switch a := arr.(type) {
	case *array.Boolean:
		return a.Value(i), nil
	case *array.Int8:
		return a.Value(i), nil
	case *array.Int16:
		return a.Value(i), nil
	case *array.Int32:
		return a.Value(i), nil
	case *array.Int64:
		return a.Value(i), nil
	case *array.Uint8:
		return a.Value(i), nil
	case *array.Uint16:
		return a.Value(i), nil
	case *array.Uint32:
		return a.Value(i), nil
	case *array.Uint64:
		return a.Value(i), nil
	case *array.Float16:
		return a.Value(i).Float32(), nil
	case *array.Float32:
		return a.Value(i), nil
	case *array.Float64:
		return a.Value(i), nil
	case *array.String:
		return a.Value(i), nil
	case *array.LargeString:
		return a.Value(i), nil
	case *array.Binary:
		return cloneBytes(a.Value(i)), nil
	case *array.LargeBinary:
		return cloneBytes(a.Value(i)), nil
	case *array.FixedSizeBinary:
		return cloneBytes(a.Value(i)), nil
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return a.Value(i).ToTime(unit).UTC(), nil
	case *array.Date32:
		return a.Value(i).ToTime().UTC(), nil
	case *array.Date64:
		return a.Value(i).ToTime().UTC(), nil
	case *array.Duration:
		return int64(a.Value(i)), nil
	case *array.Time32:
		return int64(a.Value(i)), nil
	case *array.Time64:
		return int64(a.Value(i)), nil
	case *array.Dictionary:
		return Value(a.Dictionary(), a.GetValueIndex(i))
	case *array.Map:
		return mapValue(a, i)
	case *array.List:
		start, end := a.ValueOffsets(i)
		return listValue(a.ListValues(), int(start), int(end))
	case *array.LargeList:
		start, end := a.ValueOffsets(i)
		return listValue(a.ListValues(), int(start), int(end))
	case *array.FixedSizeList:
		n := int(a.DataType().(*arrow.FixedSizeListType).Len())
		start := (a.Offset() + i) * n
		return listValue(a.ListValues(), start, start+n)
	case *array.Struct:
		st := a.DataType().(*arrow.StructType)
		out := make(map[string]any, st.NumFields())
		for j, f := range st.Fields() {
			v, err := Value(a.Field(j), i)
			if err != nil {
				return nil, fmt.Errorf("struct field %q: %w", f.Name, err)
			}
			out[f.Name] = v
		}
		return out, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, arr.DataType())
}

func listValue(values arrow.Array, start, end int) ([]any, error) {
	out := make([]any, 0, end-start)
	for j := start; j < end; j++ {
		v, err := Value(values, j)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func mapValue(m *array.Map, i int) ([]any, error) {
	start, end := m.ValueOffsets(i)
	keys, items := m.Keys(), m.Items()

	out := make([]any, 0, end-start)
	for j := int(start); j < int(end); j++ {
		k, err := Value(keys, j)
		if err != nil {
			return nil, err
		}
		v, err := Value(items, j)
		if err != nil {
			return nil, err
		}
		out = append(out, map[string]any{"key": k, "value": v})
	}
	return out, nil
}

// Row returns the values of row i of rec, one per column.
func Row(rec arrow.Record, i int) ([]any, error) {
	row := make([]any, rec.NumCols())
	for c, col := range rec.Columns() {
		v, err := Value(col, i)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", rec.ColumnName(c), err)
		}
		row[c] = v
	}
	return row, nil
}

// ColumnNames returns the field names of s in order.
func ColumnNames(s *arrow.Schema) []string {
	names := make([]string, s.NumFields())
	for i, f := range s.Fields() {
		names[i] = f.Name
	}
	return names
}

func cloneBytes(b []byte) []byte {
	return append([]byte(nil), b...)
}
