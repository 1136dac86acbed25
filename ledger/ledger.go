// Package ledger remembers the column types a dataset had before it was
// normalized for storage, and casts query results back to them.
package ledger

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/gigapi/gigapi-datalink/core"
	"github.com/gigapi/gigapi-datalink/frame"
)

// Ledger maps display id -> column -> original dtype.
type Ledger struct {
	mu      sync.RWMutex
	entries map[string]map[string]frame.DType
}

func New() *Ledger {
	return &Ledger{entries: make(map[string]map[string]frame.DType)}
}

// Record stores dtypes for displayID. Columns already recorded keep their
// first value.
func (l *Ledger) Record(displayID string, dtypes map[string]frame.DType) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[displayID]
	if !ok {
		entry = make(map[string]frame.DType, len(dtypes))
		l.entries[displayID] = entry
	}
	for col, t := range dtypes {
		if _, exists := entry[col]; !exists {
			entry[col] = t
		}
	}
}

// DTypes returns a copy of the recorded dtypes for displayID.
func (l *Ledger) DTypes(displayID string) (map[string]frame.DType, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.entries[displayID]
	if !ok {
		return nil, false
	}
	out := make(map[string]frame.DType, len(entry))
	for k, v := range entry {
		out[k] = v
	}
	return out, true
}

// Forget drops displayID. Only teardown and eviction call it.
func (l *Ledger) Forget(displayID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, displayID)
}

// Restore casts every column of f back to the dtype recorded for displayID.
// Columns that cannot be cast are left as queried and reported as warnings.
// f is not modified.
func (l *Ledger) Restore(ctx context.Context, displayID string, f *frame.Frame) (*frame.Frame, []core.TypeRestoreWarning) {
	dtypes, ok := l.DTypes(displayID)
	if !ok {
		return f, nil
	}
	out := &frame.Frame{Columns: make([]frame.Column, len(f.Columns)), Index: f.Index}
	var warnings []core.TypeRestoreWarning
	for i, c := range f.Columns {
		want, recorded := dtypes[c.Name]
		if !recorded || want == c.Type {
			out.Columns[i] = c
			continue
		}
		restored, err := cast(c, want)
		if err != nil {
			w := core.TypeRestoreWarning{Column: c.Name, From: string(c.Type), To: string(want), Reason: err.Error()}
			core.Warnf(ctx, "display %s: %s", displayID, w)
			warnings = append(warnings, w)
			out.Columns[i] = c
			continue
		}
		out.Columns[i] = restored
	}
	return out, warnings
}

func cast(c frame.Column, to frame.DType) (frame.Column, error) {
	conv, err := converter(c.Type, to)
	if err != nil {
		return c, err
	}
	vals := make([]any, len(c.Values))
	for i, v := range c.Values {
		if v == nil {
			continue
		}
		out, err := conv(v)
		if err != nil {
			return c, fmt.Errorf("row %d: %w", i, err)
		}
		vals[i] = out
	}
	return frame.Column{Name: c.Name, Type: to, Values: vals}, nil
}

type convertFn func(v any) (any, error)

func converter(from, to frame.DType) (convertFn, error) {
	switch to {
	case frame.Category, frame.Object, frame.String:
		if from == frame.String {
			return identity, nil
		}
		return toString, nil
	case frame.Datetime:
		if from == frame.String {
			return parseTime, nil
		}
	case frame.Duration:
		if from == frame.Int64 {
			return intToDuration, nil
		}
		if from == frame.String {
			return func(v any) (any, error) { return time.ParseDuration(fmt.Sprint(v)) }, nil
		}
	case frame.Int64:
		switch from {
		case frame.Float64:
			return floatToInt, nil
		case frame.String:
			return func(v any) (any, error) { return strconv.ParseInt(fmt.Sprint(v), 10, 64) }, nil
		}
	case frame.Float64:
		switch from {
		case frame.Int64:
			return intToFloat, nil
		case frame.String:
			return func(v any) (any, error) { return strconv.ParseFloat(fmt.Sprint(v), 64) }, nil
		}
	case frame.Bool:
		switch from {
		case frame.String:
			return func(v any) (any, error) { return strconv.ParseBool(fmt.Sprint(v)) }, nil
		case frame.Int64:
			return intToBool, nil
		}
	}
	return nil, fmt.Errorf("no conversion from %s to %s", from, to)
}

func identity(v any) (any, error) { return v, nil }

func toString(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case time.Time:
		return t.Format(time.RFC3339Nano), nil
	}
	return fmt.Sprint(v), nil
}

func floatToInt(v any) (any, error) {
	f, ok := v.(float64)
	if !ok {
		return nil, fmt.Errorf("%T is not a float", v)
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
		return nil, fmt.Errorf("%v is not integral", f)
	}
	return int64(f), nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("%T is not a string", v)
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return nil, fmt.Errorf("unparsable time %q", s)
}

func intToDuration(v any) (any, error) {
	n, err := asInt64(v)
	return time.Duration(n), err
}

func intToFloat(v any) (any, error) {
	n, err := asInt64(v)
	return float64(n), err
}

func intToBool(v any) (any, error) {
	n, err := asInt64(v)
	return n != 0, err
}

func asInt64(v any) (int64, error) {
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("%T is not an integer", v)
	}
	return n, nil
}
