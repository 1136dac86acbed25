// Package frame holds the tabular value passed through the datalink engine,
// the conversion boundary into it, and the pure operations on it:
// normalization, fingerprinting and sampling.
package frame

import (
	"fmt"
	"time"
)

// DType is the column type tag recorded for a dataset.
type DType string

const (
	Bool     DType = "bool"
	Int64    DType = "int64"
	Float64  DType = "float64"
	String   DType = "string"
	Datetime DType = "datetime"
	Duration DType = "duration"
	Category DType = "category"
	Object   DType = "object"
)

// Valid reports whether t is a known dtype.
func (t DType) Valid() bool {
	switch t {
	case Bool, Int64, Float64, String, Datetime, Duration, Category, Object:
		return true
	}
	return false
}

// Column is a named, typed sequence of cells. Cells are nil, bool, int64,
// float64, string, time.Time or time.Duration.
type Column struct {
	Name   string `json:"name"`
	Type   DType  `json:"type"`
	Values []any  `json:"values"`
}

// Frame is a column-oriented table. A nil Index means the default
// positional index 0..n-1.
type Frame struct {
	Columns []Column `json:"columns"`
	Index   []any    `json:"index,omitempty"`
}

// NumRows returns the row count.
func (f *Frame) NumRows() int {
	if f == nil {
		return 0
	}
	if len(f.Columns) == 0 {
		return len(f.Index)
	}
	return len(f.Columns[0].Values)
}

// NumCols returns the column count.
func (f *Frame) NumCols() int {
	if f == nil {
		return 0
	}
	return len(f.Columns)
}

// DefaultIndex reports whether the index is positional.
func (f *Frame) DefaultIndex() bool {
	if f.Index == nil {
		return true
	}
	for i, v := range f.Index {
		n, ok := v.(int64)
		if !ok || n != int64(i) {
			return false
		}
	}
	return true
}

// Column returns the column named name.
func (f *Frame) Column(name string) (*Column, bool) {
	for i := range f.Columns {
		if f.Columns[i].Name == name {
			return &f.Columns[i], true
		}
	}
	return nil, false
}

// ColumnNames returns the column names in order.
func (f *Frame) ColumnNames() []string {
	names := make([]string, len(f.Columns))
	for i, c := range f.Columns {
		names[i] = c.Name
	}
	return names
}

// DTypes returns the dtype of every column.
func (f *Frame) DTypes() map[string]DType {
	out := make(map[string]DType, len(f.Columns))
	for _, c := range f.Columns {
		out[c.Name] = c.Type
	}
	return out
}

// Validate checks that all columns have the same length as the index.
func (f *Frame) Validate() error {
	n := f.NumRows()
	for _, c := range f.Columns {
		if len(c.Values) != n {
			return fmt.Errorf("column %q has %d values, expected %d", c.Name, len(c.Values), n)
		}
	}
	if f.Index != nil && len(f.Index) != n {
		return fmt.Errorf("index has %d values, expected %d", len(f.Index), n)
	}
	return nil
}

// Clone returns a copy that shares no slices with f.
func (f *Frame) Clone() *Frame {
	out := &Frame{Columns: make([]Column, len(f.Columns))}
	for i, c := range f.Columns {
		out.Columns[i] = Column{Name: c.Name, Type: c.Type, Values: append([]any(nil), c.Values...)}
	}
	if f.Index != nil {
		out.Index = append([]any(nil), f.Index...)
	}
	return out
}

// Take returns a new frame holding the given rows in order. The result is
// indexed by the source index, or by source positions when that is default.
func (f *Frame) Take(rows []int) *Frame {
	out := &Frame{Columns: make([]Column, len(f.Columns))}
	for i, c := range f.Columns {
		vals := make([]any, len(rows))
		for j, r := range rows {
			vals[j] = c.Values[r]
		}
		out.Columns[i] = Column{Name: c.Name, Type: c.Type, Values: vals}
	}
	out.Index = make([]any, len(rows))
	for j, r := range rows {
		if f.Index != nil {
			out.Index[j] = f.Index[r]
		} else {
			out.Index[j] = int64(r)
		}
	}
	return out
}

// Row returns row i as a map keyed by column name.
func (f *Frame) Row(i int) map[string]any {
	row := make(map[string]any, len(f.Columns))
	for _, c := range f.Columns {
		row[c.Name] = c.Values[i]
	}
	return row
}

// Records returns every row as a map, the shape the JSON formatters consume.
func (f *Frame) Records() []map[string]any {
	n := f.NumRows()
	out := make([]map[string]any, n)
	for i := 0; i < n; i++ {
		out[i] = f.Row(i)
	}
	return out
}

// IndexValues returns the index, materializing the positional default.
func (f *Frame) IndexValues() []any {
	if f.Index != nil {
		return f.Index
	}
	n := f.NumRows()
	idx := make([]any, n)
	for i := range idx {
		idx[i] = int64(i)
	}
	return idx
}

// InferDType returns the dtype that fits every non-null value.
func InferDType(values []any) DType {
	var t DType
	for _, v := range values {
		vt, ok := valueDType(v)
		if !ok {
			continue
		}
		switch {
		case t == "":
			t = vt
		case t == vt:
		case (t == Int64 && vt == Float64) || (t == Float64 && vt == Int64):
			t = Float64
		default:
			return Object
		}
	}
	if t == "" {
		return Object
	}
	return t
}

func valueDType(v any) (DType, bool) {
	switch v.(type) {
	case nil:
		return "", false
	case bool:
		return Bool, true
	case int64:
		return Int64, true
	case float64:
		return Float64, true
	case string:
		return String, true
	case time.Time:
		return Datetime, true
	case time.Duration:
		return Duration, true
	}
	return Object, true
}
