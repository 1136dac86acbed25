// Package registry maps dataset fingerprints to display ids and the store
// table holding each display lineage.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/simplelru"

	"github.com/gigapi/gigapi-datalink/core"
	"github.com/gigapi/gigapi-datalink/filter"
	"github.com/gigapi/gigapi-datalink/frame"
)

// State is the persistence state of a display lineage.
type State int

const (
	StatePending State = iota
	StateReady
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Record is what the registry knows about one fingerprint.
type Record struct {
	DisplayID      string
	Fingerprint    frame.Digest
	TableName      string
	OriginalDTypes map[string]frame.DType
	AppliedFilters []filter.WireClause
	Metadata       map[string]any
	CreatedAt      time.Time
	// SubsetOf is the lineage root fingerprint, empty for the root itself.
	SubsetOf frame.Digest
}

// Options configures a Registry.
type Options struct {
	// MaxDisplays bounds the number of live display lineages; the least
	// recently used one is evicted past it. Zero or less is unbounded.
	MaxDisplays int
	// OnEvict is called, without registry locks held, with every record of
	// an evicted lineage, root first.
	OnEvict func(records []Record)
	// IDs mints display ids. Defaults to UUIDv7 strings.
	IDs func() string
}

type display struct {
	id           string
	table        string
	root         frame.Digest
	fingerprints []frame.Digest
	state        State
	err          error
	ready        chan struct{}
	// source is the normalized frame kept until it is persisted.
	source   *frame.Frame
	dropping bool
}

// Registry is safe for concurrent use.
type Registry struct {
	opts Options

	mu       sync.Mutex
	records  map[frame.Digest]*Record
	displays *simplelru.LRU // display id -> *display
	evicted  [][]Record
}

const unbounded = 1 << 30

func New(opts Options) *Registry {
	if opts.IDs == nil {
		opts.IDs = func() string { return uuid.Must(uuid.NewV7()).String() }
	}
	size := opts.MaxDisplays
	if size <= 0 {
		size = unbounded
	}
	r := &Registry{opts: opts, records: make(map[frame.Digest]*Record)}
	r.displays, _ = simplelru.NewLRU(size, r.onEvict)
	return r
}

// TableName derives the store table of a lineage from its root fingerprint.
func TableName(fp frame.Digest) string {
	s := string(fp)
	if len(s) > 24 {
		s = s[:24]
	}
	return "dx_" + s
}

// called by the LRU with r.mu held
func (r *Registry) onEvict(_ interface{}, value interface{}) {
	d := value.(*display)
	removed := r.forget(d)
	if !d.dropping {
		r.evicted = append(r.evicted, removed)
	}
}

func (r *Registry) forget(d *display) []Record {
	out := make([]Record, 0, len(d.fingerprints))
	for _, fp := range d.fingerprints {
		if rec, ok := r.records[fp]; ok {
			out = append(out, *rec)
			delete(r.records, fp)
		}
	}
	if d.state == StatePending {
		d.state = StateDegraded
		d.err = &core.UnknownDisplayError{DisplayID: d.id}
		close(d.ready)
	}
	d.source = nil
	return out
}

// unlock releases r.mu and reports evictions collected while it was held.
func (r *Registry) unlock() {
	evicted := r.evicted
	r.evicted = nil
	r.mu.Unlock()
	if r.opts.OnEvict == nil {
		return
	}
	for _, recs := range evicted {
		r.opts.OnEvict(recs)
	}
}

func (r *Registry) display(id string) (*display, bool) {
	v, ok := r.displays.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*display), true
}

// ResolveOrRegister returns the record of fp, registering a new display
// lineage when fp has not been seen. isUpdate is true exactly when fp was
// already known. A new lineage starts pending and keeps f until it is
// marked persisted.
func (r *Registry) ResolveOrRegister(fp frame.Digest, f *frame.Frame) (rec *Record, isUpdate bool) {
	r.mu.Lock()
	defer r.unlock()

	if existing, ok := r.records[fp]; ok {
		r.displays.Get(existing.DisplayID)
		out := *existing
		return &out, true
	}

	d := &display{
		id:           r.opts.IDs(),
		table:        TableName(fp),
		root:         fp,
		fingerprints: []frame.Digest{fp},
		state:        StatePending,
		ready:        make(chan struct{}),
		source:       f,
	}
	created := &Record{
		DisplayID:   d.id,
		Fingerprint: fp,
		TableName:   d.table,
		CreatedAt:   time.Now().UTC(),
	}
	r.records[fp] = created
	r.displays.Add(d.id, d)
	out := *created
	return &out, false
}

// LinkSubset records fp as a derived subset of the lineage of displayID.
// A fingerprint already known keeps its existing display.
func (r *Registry) LinkSubset(fp frame.Digest, displayID string, filters []filter.WireClause) (*Record, error) {
	r.mu.Lock()
	defer r.unlock()

	if existing, ok := r.records[fp]; ok {
		out := *existing
		return &out, nil
	}
	d, ok := r.display(displayID)
	if !ok {
		return nil, &core.UnknownDisplayError{DisplayID: displayID}
	}
	linked := &Record{
		DisplayID:      d.id,
		Fingerprint:    fp,
		TableName:      d.table,
		AppliedFilters: filters,
		CreatedAt:      time.Now().UTC(),
		SubsetOf:       d.root,
	}
	if root, ok := r.records[d.root]; ok {
		linked.OriginalDTypes = root.OriginalDTypes
	}
	r.records[fp] = linked
	d.fingerprints = append(d.fingerprints, fp)
	out := *linked
	return &out, nil
}

// SetOriginalDTypes records the pre-normalization dtypes of fp unless it
// already has them.
func (r *Registry) SetOriginalDTypes(fp frame.Digest, dtypes map[string]frame.DType) {
	r.mu.Lock()
	defer r.unlock()
	if rec, ok := r.records[fp]; ok && rec.OriginalDTypes == nil {
		rec.OriginalDTypes = dtypes
	}
}

// SetMetadata replaces the metadata of fp.
func (r *Registry) SetMetadata(fp frame.Digest, md map[string]any) {
	r.mu.Lock()
	defer r.unlock()
	if rec, ok := r.records[fp]; ok {
		rec.Metadata = md
	}
}

// Lookup returns the lineage root record of displayID.
func (r *Registry) Lookup(displayID string) (*Record, error) {
	r.mu.Lock()
	defer r.unlock()
	d, ok := r.display(displayID)
	if !ok {
		return nil, &core.UnknownDisplayError{DisplayID: displayID}
	}
	rec, ok := r.records[d.root]
	if !ok {
		return nil, &core.UnknownDisplayError{DisplayID: displayID}
	}
	out := *rec
	return &out, nil
}

// ByFingerprint returns the record of fp.
func (r *Registry) ByFingerprint(fp frame.Digest) (*Record, bool) {
	r.mu.Lock()
	defer r.unlock()
	rec, ok := r.records[fp]
	if !ok {
		return nil, false
	}
	r.displays.Get(rec.DisplayID)
	out := *rec
	return &out, true
}

// State reports the persistence state of displayID and, when degraded, the
// failure that caused it.
func (r *Registry) State(displayID string) (State, error) {
	r.mu.Lock()
	defer r.unlock()
	d, ok := r.display(displayID)
	if !ok {
		return 0, &core.UnknownDisplayError{DisplayID: displayID}
	}
	return d.state, d.err
}

// Source returns the normalized frame of a lineage that is not persisted yet.
func (r *Registry) Source(displayID string) (*frame.Frame, bool) {
	r.mu.Lock()
	defer r.unlock()
	d, ok := r.display(displayID)
	if !ok || d.source == nil {
		return nil, false
	}
	return d.source, true
}

// MarkPersisted makes displayID ready and releases its retained frame.
func (r *Registry) MarkPersisted(displayID string) {
	r.mu.Lock()
	defer r.unlock()
	d, ok := r.display(displayID)
	if !ok {
		return
	}
	d.state, d.err, d.source = StateReady, nil, nil
	closeOnce(d.ready)
}

// MarkDegraded records a persistence failure for displayID. The retained
// frame is kept for a later retry.
func (r *Registry) MarkDegraded(displayID string, err error) {
	r.mu.Lock()
	defer r.unlock()
	d, ok := r.display(displayID)
	if !ok {
		return
	}
	d.state, d.err = StateDegraded, err
	closeOnce(d.ready)
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// Wait blocks until the first persistence attempt of displayID completes.
// It returns the failure when the display is degraded.
func (r *Registry) Wait(ctx context.Context, displayID string) error {
	r.mu.Lock()
	d, ok := r.display(displayID)
	r.unlock()
	if !ok {
		return &core.UnknownDisplayError{DisplayID: displayID}
	}
	select {
	case <-d.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.mu.Lock()
	defer r.unlock()
	if d.state == StateDegraded {
		return d.err
	}
	return nil
}

// Restore loads previously persisted records. Roots become ready displays;
// subsets whose root is unknown are skipped and returned.
func (r *Registry) Restore(records []Record) (skipped []Record) {
	sorted := make([]Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SubsetOf == "" && sorted[j].SubsetOf != ""
	})

	r.mu.Lock()
	defer r.unlock()
	for _, rec := range sorted {
		rec := rec
		if _, ok := r.records[rec.Fingerprint]; ok {
			continue
		}
		if rec.SubsetOf == "" {
			ready := make(chan struct{})
			close(ready)
			r.displays.Add(rec.DisplayID, &display{
				id:           rec.DisplayID,
				table:        rec.TableName,
				root:         rec.Fingerprint,
				fingerprints: []frame.Digest{rec.Fingerprint},
				state:        StateReady,
				ready:        ready,
			})
			r.records[rec.Fingerprint] = &rec
			continue
		}
		d, ok := r.display(rec.DisplayID)
		if !ok || d.root != rec.SubsetOf {
			skipped = append(skipped, rec)
			continue
		}
		d.fingerprints = append(d.fingerprints, rec.Fingerprint)
		r.records[rec.Fingerprint] = &rec
	}
	return skipped
}

// Records returns every known record, oldest first.
func (r *Registry) Records() []Record {
	r.mu.Lock()
	defer r.unlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out
}

// Len returns the number of live display lineages.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.unlock()
	return r.displays.Len()
}

// Remove drops the lineage of displayID and returns its records. OnEvict is
// not called.
func (r *Registry) Remove(displayID string) []Record {
	r.mu.Lock()
	defer r.unlock()
	v, ok := r.displays.Peek(displayID)
	if !ok {
		return nil
	}
	d := v.(*display)
	d.dropping = true
	removed := r.forget(d)
	r.displays.Remove(displayID)
	return removed
}
