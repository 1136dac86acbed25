// Package filter turns structured filter clauses into store predicates.
package filter

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gigapi/gigapi-datalink/core"
)

// TypeTag is the value type a clause was built for.
type TypeTag string

const (
	TagBoolean  TypeTag = "boolean"
	TagDatetime TypeTag = "datetime"
	TagInteger  TypeTag = "integer"
	TagNumber   TypeTag = "number"
	TagString   TypeTag = "string"
)

func (t TypeTag) valid() bool {
	switch t {
	case TagBoolean, TagDatetime, TagInteger, TagNumber, TagString:
		return true
	}
	return false
}

func (t TypeTag) ordered() bool {
	return t == TagInteger || t == TagNumber || t == TagDatetime
}

// Operator names a clause comparison.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpBetween  Operator = "between"
	OpContains Operator = "contains"
	OpIn       Operator = "in"
)

var compareSQL = map[Operator]string{
	OpGt:  ">",
	OpGte: ">=",
	OpLt:  "<",
	OpLte: "<=",
}

// WireClause is the JSON shape of a clause as sent by the frontend.
type WireClause struct {
	Column   string   `json:"column"`
	Type     TypeTag  `json:"type"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// UnmarshalJSON accepts "values" as an alias of "value" and keeps numbers
// exact.
func (w *WireClause) UnmarshalJSON(data []byte) error {
	var raw struct {
		Column   string          `json:"column"`
		Type     TypeTag         `json:"type"`
		Operator Operator        `json:"operator"`
		Value    json.RawMessage `json:"value"`
		Values   json.RawMessage `json:"values"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	w.Column, w.Type, w.Operator, w.Value = raw.Column, raw.Type, raw.Operator, nil
	val := raw.Value
	if len(val) == 0 {
		val = raw.Values
	}
	if len(val) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(val))
	dec.UseNumber()
	return dec.Decode(&w.Value)
}

// Clause is one typed filter condition. Clauses combine with AND.
type Clause interface {
	ColumnName() string
	Wire() WireClause
	compile(col string) (string, []any)
}

// Eq matches rows equal to Value. A nil Value matches nulls.
type Eq struct {
	Column string
	Tag    TypeTag
	Value  any
}

// Ne matches rows distinct from Value, including nulls when Value is not nil.
type Ne struct {
	Column string
	Tag    TypeTag
	Value  any
}

// Compare is an ordered comparison: gt, gte, lt or lte.
type Compare struct {
	Column string
	Tag    TypeTag
	Op     Operator
	Value  any
}

// Between is an inclusive range.
type Between struct {
	Column string
	Tag    TypeTag
	Low    any
	High   any
}

// Contains is a substring match on a string column.
type Contains struct {
	Column    string
	Substring string
}

// In matches any of Values. An empty set matches nothing.
type In struct {
	Column string
	Tag    TypeTag
	Values []any
}

func (c Eq) ColumnName() string       { return c.Column }
func (c Ne) ColumnName() string       { return c.Column }
func (c Compare) ColumnName() string  { return c.Column }
func (c Between) ColumnName() string  { return c.Column }
func (c Contains) ColumnName() string { return c.Column }
func (c In) ColumnName() string       { return c.Column }

func (c Eq) Wire() WireClause {
	return WireClause{Column: c.Column, Type: c.Tag, Operator: OpEq, Value: c.Value}
}

func (c Ne) Wire() WireClause {
	return WireClause{Column: c.Column, Type: c.Tag, Operator: OpNe, Value: c.Value}
}

func (c Compare) Wire() WireClause {
	return WireClause{Column: c.Column, Type: c.Tag, Operator: c.Op, Value: c.Value}
}

func (c Between) Wire() WireClause {
	return WireClause{Column: c.Column, Type: c.Tag, Operator: OpBetween, Value: []any{c.Low, c.High}}
}

func (c Contains) Wire() WireClause {
	return WireClause{Column: c.Column, Type: TagString, Operator: OpContains, Value: c.Substring}
}

func (c In) Wire() WireClause {
	return WireClause{Column: c.Column, Type: c.Tag, Operator: OpIn, Value: c.Values}
}

func (c Eq) compile(col string) (string, []any) {
	if c.Value == nil {
		return col + " IS NULL", nil
	}
	return col + " = ?", []any{c.Value}
}

func (c Ne) compile(col string) (string, []any) {
	if c.Value == nil {
		return col + " IS NOT NULL", nil
	}
	return col + " IS DISTINCT FROM ?", []any{c.Value}
}

func (c Compare) compile(col string) (string, []any) {
	return fmt.Sprintf("%s %s ?", col, compareSQL[c.Op]), []any{c.Value}
}

func (c Between) compile(col string) (string, []any) {
	return col + " BETWEEN ? AND ?", []any{c.Low, c.High}
}

func (c Contains) compile(col string) (string, []any) {
	return fmt.Sprintf("contains(%s, ?)", col), []any{c.Substring}
}

func (c In) compile(col string) (string, []any) {
	if len(c.Values) == 0 {
		return "FALSE", nil
	}
	marks := make([]byte, 0, 3*len(c.Values))
	for i := range c.Values {
		if i > 0 {
			marks = append(marks, ", "...)
		}
		marks = append(marks, '?')
	}
	args := make([]any, len(c.Values))
	copy(args, c.Values)
	return fmt.Sprintf("%s IN (%s)", col, marks), args
}

// ParseClause validates the shape of w and returns its typed variant.
// Values are coerced to the type tag here; column existence and stored
// type compatibility are checked by Compile.
func ParseClause(w WireClause) (Clause, error) {
	invalid := func(format string, args ...any) error {
		return &core.InvalidFilterError{Column: w.Column, Operator: string(w.Operator), Reason: fmt.Sprintf(format, args...)}
	}
	if w.Column == "" {
		return nil, invalid("missing column")
	}
	if !w.Type.valid() {
		return nil, invalid("unknown type %q", w.Type)
	}

	switch w.Operator {
	case OpEq, OpNe:
		var v any
		if w.Value != nil {
			var err error
			if v, err = coerce(w.Type, w.Value); err != nil {
				return nil, invalid("%v", err)
			}
		}
		if w.Operator == OpEq {
			return Eq{Column: w.Column, Tag: w.Type, Value: v}, nil
		}
		return Ne{Column: w.Column, Tag: w.Type, Value: v}, nil

	case OpGt, OpGte, OpLt, OpLte:
		if !w.Type.ordered() {
			return nil, invalid("comparison needs an integer, number or datetime value, got %s", w.Type)
		}
		v, err := coerce(w.Type, w.Value)
		if err != nil {
			return nil, invalid("%v", err)
		}
		return Compare{Column: w.Column, Tag: w.Type, Op: w.Operator, Value: v}, nil

	case OpBetween:
		vals, ok := w.Value.([]any)
		if !ok || len(vals) != 2 {
			return nil, invalid("between needs exactly two values")
		}
		if !w.Type.ordered() {
			return nil, invalid("between needs an integer, number or datetime value, got %s", w.Type)
		}
		lo, err := coerce(w.Type, vals[0])
		if err != nil {
			return nil, invalid("lower bound: %v", err)
		}
		hi, err := coerce(w.Type, vals[1])
		if err != nil {
			return nil, invalid("upper bound: %v", err)
		}
		if less(hi, lo) {
			return nil, invalid("lower bound %v is greater than upper bound %v", lo, hi)
		}
		return Between{Column: w.Column, Tag: w.Type, Low: lo, High: hi}, nil

	case OpContains:
		if w.Type != TagString {
			return nil, invalid("contains needs a string value, got %s", w.Type)
		}
		s, ok := w.Value.(string)
		if !ok {
			return nil, invalid("contains needs a string value, got %T", w.Value)
		}
		return Contains{Column: w.Column, Substring: s}, nil

	case OpIn:
		vals, ok := w.Value.([]any)
		if !ok {
			return nil, invalid("in needs a list of values")
		}
		set := make([]any, 0, len(vals))
		for i, raw := range vals {
			v, err := coerce(w.Type, raw)
			if err != nil {
				return nil, invalid("value %d: %v", i, err)
			}
			set = append(set, v)
		}
		return In{Column: w.Column, Tag: w.Type, Values: set}, nil
	}
	return nil, invalid("unknown operator %q", w.Operator)
}

// ParseClauses parses every clause, failing on the first invalid one.
func ParseClauses(ws []WireClause) ([]Clause, error) {
	out := make([]Clause, 0, len(ws))
	for _, w := range ws {
		c, err := ParseClause(w)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Wire converts clauses back to their JSON shape.
func Wire(clauses []Clause) []WireClause {
	out := make([]WireClause, len(clauses))
	for i, c := range clauses {
		out[i] = c.Wire()
	}
	return out
}
