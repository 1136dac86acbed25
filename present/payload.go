// Package present builds the payloads sent to the presentation layer and
// defines the collaborators the engine hands them to.
package present

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/gigapi/gigapi-datalink/filter"
	"github.com/gigapi/gigapi-datalink/frame"
)

const DefaultMediaType = "application/vnd.dex.v1+json"

// Payload is one display or display update.
type Payload struct {
	DisplayID string         `json:"display_id"`
	Update    bool           `json:"update"`
	MediaType string         `json:"media_type"`
	Data      map[string]any `json:"data"`
	Metadata  map[string]any `json:"metadata"`
}

// Presenter shows payloads to the user.
type Presenter interface {
	Display(ctx context.Context, p Payload) error
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(ctx context.Context, p Payload) error

func (f PresenterFunc) Display(ctx context.Context, p Payload) error { return f(ctx, p) }

// Discard drops every payload.
var Discard Presenter = PresenterFunc(func(context.Context, Payload) error { return nil })

// Recorder keeps the last payload sent for each display id.
type Recorder struct {
	mu   sync.RWMutex
	last map[string]Payload
	next Presenter
}

// NewRecorder records payloads and forwards them to next, which may be nil.
func NewRecorder(next Presenter) *Recorder {
	return &Recorder{last: make(map[string]Payload), next: next}
}

func (r *Recorder) Display(ctx context.Context, p Payload) error {
	r.mu.Lock()
	r.last[p.DisplayID] = p
	r.mu.Unlock()
	if r.next != nil {
		return r.next.Display(ctx, p)
	}
	return nil
}

// Last returns the most recent payload of displayID.
func (r *Recorder) Last(displayID string) (Payload, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.last[displayID]
	return p, ok
}

// Forget drops the payload of displayID.
func (r *Recorder) Forget(displayID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.last, displayID)
}

// Options tunes Build.
type Options struct {
	MediaType        string
	Update           bool
	DefaultIndexUsed bool
	AppliedFilters   []filter.WireClause
}

// FieldType maps a dtype to its table schema field type.
func FieldType(t frame.DType) string {
	switch t {
	case frame.Int64:
		return "integer"
	case frame.Float64:
		return "number"
	case frame.Bool:
		return "boolean"
	case frame.Datetime:
		return "datetime"
	case frame.Duration:
		return "duration"
	}
	return "string"
}

// Build renders f as a table schema payload. Data is column-major with
// the index first.
func Build(f *frame.Frame, displayID string, desc frame.SampleDescriptor, opts Options) Payload {
	if opts.MediaType == "" {
		opts.MediaType = DefaultMediaType
	}

	indexName := frame.IndexColumn
	if _, taken := f.Column(indexName); taken {
		indexName = "level_0"
	}
	fields := make([]map[string]any, 0, f.NumCols()+1)
	fields = append(fields, map[string]any{"name": indexName, "type": "integer"})
	data := make([][]any, 0, f.NumCols()+1)
	data = append(data, jsonCells(f.IndexValues()))
	for _, c := range f.Columns {
		fields = append(fields, map[string]any{"name": c.Name, "type": FieldType(c.Type)})
		data = append(data, jsonCells(c.Values))
	}

	datalink := map[string]any{"display_id": displayID}
	body := map[string]any{
		"schema": map[string]any{
			"fields":     fields,
			"primaryKey": []string{indexName},
		},
		"data":     data,
		"datalink": datalink,
	}

	applied := opts.AppliedFilters
	if applied == nil {
		applied = []filter.WireClause{}
	}
	metadata := map[string]any{
		"datalink": map[string]any{
			"display_id": displayID,
			"dataframe_info": map[string]any{
				"default_index_used": opts.DefaultIndexUsed,
				"orig_num_rows":      desc.OrigRows,
				"orig_num_cols":      desc.OrigCols,
				"truncated_num_rows": desc.SampledRows,
				"truncated_num_cols": desc.SampledCols,
				"truncation_applied": desc.Truncated,
				"sampling_method":    desc.Method,
			},
			"applied_filters": applied,
		},
	}

	return Payload{
		DisplayID: displayID,
		Update:    opts.Update,
		MediaType: opts.MediaType,
		Data:      body,
		Metadata:  metadata,
	}
}

// jsonCells replaces values JSON cannot carry.
func jsonCells(values []any) []any {
	out := make([]any, len(values))
	for i, v := range values {
		switch t := v.(type) {
		case float64:
			if math.IsNaN(t) || math.IsInf(t, 0) {
				continue
			}
			out[i] = t
		case time.Time:
			out[i] = t.Format(time.RFC3339Nano)
		case time.Duration:
			out[i] = int64(t)
		default:
			out[i] = v
		}
	}
	return out
}
