package frame

import (
	"fmt"
	"strconv"
	"time"
)

// IndexColumn is the column a non-default index is materialized into.
const IndexColumn = "index"

// Normalize returns the storable form of f:
//   - category and object columns become strings
//   - duration columns become int64 nanoseconds
//   - datetime columns holding non-UTC offsets become RFC3339Nano strings
//   - a non-default index becomes a leading "index" column
//   - column names are made unique
//
// The original dtypes are not kept; callers record them beforehand.
func Normalize(f *Frame) (*Frame, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	out := &Frame{}
	if !f.DefaultIndex() {
		vals := make([]any, len(f.Index))
		for i, v := range f.Index {
			c, err := Canonical(v)
			if err != nil {
				return nil, fmt.Errorf("index row %d: %w", i, err)
			}
			vals[i] = c
		}
		idx := Column{Name: IndexColumn, Type: InferDType(vals), Values: vals}
		out.Columns = append(out.Columns, normalizeColumn(idx))
	}
	for _, c := range f.Columns {
		out.Columns = append(out.Columns, normalizeColumn(c))
	}
	dedupeNames(out.Columns)
	return out, nil
}

func normalizeColumn(c Column) Column {
	vals := make([]any, len(c.Values))
	switch c.Type {
	case Category, Object:
		for i, v := range c.Values {
			vals[i] = stringify(v)
		}
		return Column{Name: c.Name, Type: String, Values: vals}
	case Duration:
		for i, v := range c.Values {
			if d, ok := v.(time.Duration); ok {
				vals[i] = int64(d)
			} else {
				vals[i] = nil
			}
		}
		return Column{Name: c.Name, Type: Int64, Values: vals}
	case Datetime:
		if !hasOffsets(c.Values) {
			for i, v := range c.Values {
				if t, ok := v.(time.Time); ok {
					vals[i] = t.UTC()
				}
			}
			return Column{Name: c.Name, Type: Datetime, Values: vals}
		}
		for i, v := range c.Values {
			if t, ok := v.(time.Time); ok {
				vals[i] = t.Format(time.RFC3339Nano)
			}
		}
		return Column{Name: c.Name, Type: String, Values: vals}
	case Float64:
		for i, v := range c.Values {
			switch n := v.(type) {
			case int64:
				vals[i] = float64(n)
			default:
				vals[i] = v
			}
		}
		return Column{Name: c.Name, Type: Float64, Values: vals}
	}
	copy(vals, c.Values)
	return Column{Name: c.Name, Type: c.Type, Values: vals}
}

func hasOffsets(values []any) bool {
	for _, v := range values {
		if t, ok := v.(time.Time); ok {
			if _, off := t.Zone(); off != 0 {
				return true
			}
		}
	}
	return false
}

func stringify(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case time.Time:
		return t.Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}

func dedupeNames(cols []Column) {
	seen := make(map[string]int, len(cols))
	for i := range cols {
		name := cols[i].Name
		if name == "" {
			name = "unnamed"
		}
		n := seen[name]
		seen[name] = n + 1
		if n > 0 {
			for {
				candidate := fmt.Sprintf("%s.%d", name, n)
				if _, taken := seen[candidate]; !taken {
					name = candidate
					seen[name] = 1
					break
				}
				n++
			}
		}
		cols[i].Name = name
	}
}
