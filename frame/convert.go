package frame

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
)

// Records is a row-oriented table with an explicit column order.
type Records struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"records"`
}

// ToFrame converts a supported tabular value into a Frame. The input is
// never modified; the returned frame owns its slices.
func ToFrame(v any) (*Frame, error) {
	switch t := v.(type) {
	case nil:
		return nil, fmt.Errorf("cannot convert nil to a frame")
	case *Frame:
		if t == nil {
			return nil, fmt.Errorf("cannot convert nil frame")
		}
		out := t.Clone()
		return out, out.Validate()
	case Frame:
		out := t.Clone()
		return out, out.Validate()
	case Records:
		return fromRecords(t.Columns, t.Rows)
	case *Records:
		return fromRecords(t.Columns, t.Rows)
	case []map[string]any:
		return fromRecords(nil, t)
	case map[string][]any:
		return fromColumns(t)
	case arrow.Record:
		return FromArrow(t)
	}
	return nil, fmt.Errorf("unsupported tabular value of type %T", v)
}

func fromRecords(columns []string, rows []map[string]any) (*Frame, error) {
	if columns == nil {
		seen := map[string]bool{}
		for _, row := range rows {
			for k := range row {
				if !seen[k] {
					seen[k] = true
					columns = append(columns, k)
				}
			}
		}
		sort.Strings(columns)
	}
	f := &Frame{Columns: make([]Column, len(columns))}
	for i, name := range columns {
		vals := make([]any, len(rows))
		for j, row := range rows {
			cell, err := Canonical(row[name])
			if err != nil {
				return nil, fmt.Errorf("column %q row %d: %w", name, j, err)
			}
			vals[j] = cell
		}
		f.Columns[i] = Column{Name: name, Type: InferDType(vals), Values: vals}
	}
	return f, nil
}

func fromColumns(cols map[string][]any) (*Frame, error) {
	names := make([]string, 0, len(cols))
	for k := range cols {
		names = append(names, k)
	}
	sort.Strings(names)
	f := &Frame{Columns: make([]Column, len(names))}
	for i, name := range names {
		vals := make([]any, len(cols[name]))
		for j, v := range cols[name] {
			cell, err := Canonical(v)
			if err != nil {
				return nil, fmt.Errorf("column %q row %d: %w", name, j, err)
			}
			vals[j] = cell
		}
		f.Columns[i] = Column{Name: name, Type: InferDType(vals), Values: vals}
	}
	return f, f.Validate()
}

// Canonical maps a Go value onto the cell vocabulary of Frame.
func Canonical(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, int64, float64, string, time.Time, time.Duration:
		return t, nil
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint:
		return fromUnsigned(uint64(t)), nil
	case uint64:
		return fromUnsigned(t), nil
	case float32:
		return float64(t), nil
	case *time.Time:
		if t == nil {
			return nil, nil
		}
		return *t, nil
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", t.String())
		}
		return f, nil
	case fmt.Stringer:
		return t.String(), nil
	case []any, map[string]any:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	return fmt.Sprint(v), nil
}

// fromUnsigned keeps values above math.MaxInt64 as float64 instead of
// wrapping them negative.
func fromUnsigned(n uint64) any {
	if n > math.MaxInt64 {
		return float64(n)
	}
	return int64(n)
}
