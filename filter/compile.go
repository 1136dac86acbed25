package filter

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gigapi/gigapi-datalink/core"
	"github.com/gigapi/gigapi-datalink/frame"
)

// Predicate is a compiled WHERE condition.
type Predicate = core.Predicate

// Compile turns clauses into one conjunctive predicate over a table with the
// given stored schema. Every clause must name a column of the schema with a
// compatible type; any invalid clause fails the whole compile. An empty
// clause list matches every row.
func Compile(clauses []Clause, schema map[string]frame.DType) (Predicate, error) {
	if len(clauses) == 0 {
		return core.AlwaysTrue, nil
	}
	parts := make([]string, 0, len(clauses))
	var args []any
	for _, c := range clauses {
		if c == nil {
			return Predicate{}, &core.InvalidFilterError{Reason: "nil clause"}
		}
		// Clauses built in Go skip ParseClause; run them through it so
		// both paths share one set of rules.
		parsed, err := ParseClause(c.Wire())
		if err != nil {
			return Predicate{}, err
		}
		w := parsed.Wire()
		stored, ok := schema[w.Column]
		if !ok {
			return Predicate{}, &core.InvalidFilterError{Column: w.Column, Operator: string(w.Operator), Reason: "column does not exist"}
		}
		if !compatible(w.Type, stored) {
			return Predicate{}, &core.InvalidFilterError{
				Column:   w.Column,
				Operator: string(w.Operator),
				Reason:   fmt.Sprintf("%s filter does not apply to a %s column", w.Type, stored),
			}
		}
		col := quoteIdent(w.Column)
		if w.Type == TagDatetime && stored == frame.String {
			col = fmt.Sprintf("TRY_CAST(%s AS TIMESTAMP)", col)
		}
		sql, a := parsed.compile(col)
		parts = append(parts, "("+sql+")")
		args = append(args, a...)
	}
	return Predicate{SQL: strings.Join(parts, " AND "), Args: args}, nil
}

func compatible(tag TypeTag, stored frame.DType) bool {
	switch tag {
	case TagBoolean:
		return stored == frame.Bool
	case TagInteger, TagNumber:
		return stored == frame.Int64 || stored == frame.Float64
	case TagString:
		return stored == frame.String
	case TagDatetime:
		// offset-aware datetimes are stored as strings
		return stored == frame.Datetime || stored == frame.String
	}
	return false
}

var datetimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

func coerce(tag TypeTag, v any) (any, error) {
	if v == nil {
		return nil, fmt.Errorf("missing %s value", tag)
	}
	switch tag {
	case TagBoolean:
		switch t := v.(type) {
		case bool:
			return t, nil
		case string:
			b, err := strconv.ParseBool(t)
			if err != nil {
				return nil, fmt.Errorf("%q is not a boolean", t)
			}
			return b, nil
		}
	case TagInteger:
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		if f != math.Trunc(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%v is not an integer", v)
		}
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				return i, nil
			}
		}
		if i, ok := v.(int64); ok {
			return i, nil
		}
		return int64(f), nil
	case TagNumber:
		return toFloat(v)
	case TagString:
		switch t := v.(type) {
		case string:
			return t, nil
		case json.Number:
			return t.String(), nil
		case bool, int, int64, float64:
			return fmt.Sprint(t), nil
		}
	case TagDatetime:
		switch t := v.(type) {
		case time.Time:
			return t.UTC(), nil
		case string:
			for _, layout := range datetimeLayouts {
				if ts, err := time.Parse(layout, t); err == nil {
					return ts.UTC(), nil
				}
			}
			return nil, fmt.Errorf("%q is not a datetime", t)
		case json.Number, float64, int64, int:
			// epoch milliseconds, as sent by chart brushes
			ms, err := toFloat(t)
			if err != nil {
				return nil, err
			}
			return time.UnixMilli(int64(ms)).UTC(), nil
		}
	}
	return nil, fmt.Errorf("cannot use %T as %s", v, tag)
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) {
			return 0, fmt.Errorf("NaN is not a number")
		}
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", t)
		}
		return f, nil
	}
	return 0, fmt.Errorf("cannot use %T as a number", v)
}

func less(a, b any) bool {
	switch x := a.(type) {
	case int64:
		y, ok := b.(int64)
		return ok && x < y
	case float64:
		y, ok := b.(float64)
		return ok && x < y
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Before(y)
	}
	return false
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
