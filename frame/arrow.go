package frame

import (
	"fmt"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
)

var timestampType = &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}

// ArrowType maps a dtype to the arrow type used on the wire. Category and
// object columns travel as strings.
func ArrowType(t DType) arrow.DataType {
	switch t {
	case Bool:
		return arrow.FixedWidthTypes.Boolean
	case Int64:
		return arrow.PrimitiveTypes.Int64
	case Float64:
		return arrow.PrimitiveTypes.Float64
	case Datetime:
		return timestampType
	case Duration:
		return arrow.FixedWidthTypes.Duration_ns
	}
	return arrow.BinaryTypes.String
}

// ToArrow converts f into an arrow record. The caller releases it.
func ToArrow(f *Frame) (arrow.Record, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	allocator := memory.DefaultAllocator
	fields := make([]arrow.Field, len(f.Columns))
	arrays := make([]arrow.Array, len(f.Columns))
	defer func() {
		for _, a := range arrays {
			if a != nil {
				a.Release()
			}
		}
	}()

	for i, c := range f.Columns {
		fields[i] = arrow.Field{Name: c.Name, Type: ArrowType(c.Type), Nullable: true}
		builder := array.NewBuilder(allocator, fields[i].Type)
		for _, val := range c.Values {
			if val == nil {
				builder.AppendNull()
				continue
			}
			switch b := builder.(type) {
			case *array.BooleanBuilder:
				v, ok := val.(bool)
				if !ok {
					builder.Release()
					return nil, fmt.Errorf("column %q: %T is not bool", c.Name, val)
				}
				b.Append(v)
			case *array.Int64Builder:
				v, ok := val.(int64)
				if !ok {
					builder.Release()
					return nil, fmt.Errorf("column %q: %T is not int64", c.Name, val)
				}
				b.Append(v)
			case *array.Float64Builder:
				switch v := val.(type) {
				case float64:
					b.Append(v)
				case int64:
					b.Append(float64(v))
				default:
					builder.Release()
					return nil, fmt.Errorf("column %q: %T is not float64", c.Name, val)
				}
			case *array.TimestampBuilder:
				v, ok := val.(time.Time)
				if !ok {
					builder.Release()
					return nil, fmt.Errorf("column %q: %T is not a time", c.Name, val)
				}
				b.Append(arrow.Timestamp(v.UTC().UnixMicro()))
			case *array.DurationBuilder:
				v, ok := val.(time.Duration)
				if !ok {
					builder.Release()
					return nil, fmt.Errorf("column %q: %T is not a duration", c.Name, val)
				}
				b.Append(arrow.Duration(v))
			case *array.StringBuilder:
				b.Append(stringify(val).(string))
			}
		}
		arrays[i] = builder.NewArray()
		builder.Release()
	}

	schema := arrow.NewSchema(fields, nil)
	return array.NewRecord(schema, arrays, int64(f.NumRows())), nil
}

// FromArrow converts an arrow record into a Frame.
func FromArrow(rec arrow.Record) (*Frame, error) {
	f := &Frame{Columns: make([]Column, rec.NumCols())}
	n := int(rec.NumRows())
	for i := 0; i < int(rec.NumCols()); i++ {
		field := rec.Schema().Field(i)
		col := rec.Column(i)
		vals := make([]any, n)
		var dtype DType
		switch a := col.(type) {
		case *array.Boolean:
			dtype = Bool
			for r := 0; r < n; r++ {
				if !a.IsNull(r) {
					vals[r] = a.Value(r)
				}
			}
		case *array.Int64:
			dtype = Int64
			for r := 0; r < n; r++ {
				if !a.IsNull(r) {
					vals[r] = a.Value(r)
				}
			}
		case *array.Int32:
			dtype = Int64
			for r := 0; r < n; r++ {
				if !a.IsNull(r) {
					vals[r] = int64(a.Value(r))
				}
			}
		case *array.Float64:
			dtype = Float64
			for r := 0; r < n; r++ {
				if !a.IsNull(r) {
					vals[r] = a.Value(r)
				}
			}
		case *array.Float32:
			dtype = Float64
			for r := 0; r < n; r++ {
				if !a.IsNull(r) {
					vals[r] = float64(a.Value(r))
				}
			}
		case *array.String:
			dtype = String
			for r := 0; r < n; r++ {
				if !a.IsNull(r) {
					vals[r] = a.Value(r)
				}
			}
		case *array.Timestamp:
			dtype = Datetime
			unit := field.Type.(*arrow.TimestampType).Unit
			for r := 0; r < n; r++ {
				if !a.IsNull(r) {
					vals[r] = a.Value(r).ToTime(unit).UTC()
				}
			}
		case *array.Duration:
			dtype = Duration
			unit := field.Type.(*arrow.DurationType).Unit
			for r := 0; r < n; r++ {
				if !a.IsNull(r) {
					vals[r] = time.Duration(a.Value(r)) * unit.Multiplier()
				}
			}
		case *array.Dictionary:
			dtype = Category
			dict, ok := a.Dictionary().(*array.String)
			if !ok {
				return nil, fmt.Errorf("column %q: unsupported dictionary values %s", field.Name, a.Dictionary().DataType())
			}
			for r := 0; r < n; r++ {
				if !a.IsNull(r) {
					vals[r] = dict.Value(a.GetValueIndex(r))
				}
			}
		default:
			return nil, fmt.Errorf("column %q: unsupported arrow type %s", field.Name, field.Type)
		}
		f.Columns[i] = Column{Name: field.Name, Type: dtype, Values: vals}
	}
	return f, nil
}
