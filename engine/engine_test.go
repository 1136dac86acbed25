package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigapi/gigapi-datalink/config"
	"github.com/gigapi/gigapi-datalink/core"
	"github.com/gigapi/gigapi-datalink/filter"
	"github.com/gigapi/gigapi-datalink/frame"
	"github.com/gigapi/gigapi-datalink/present"
	"github.com/gigapi/gigapi-datalink/registry"
)

func newEngine(t *testing.T, tune func(*config.Settings)) (*Engine, *present.Recorder) {
	t.Helper()
	settings := config.Default()
	if tune != nil {
		tune(settings)
	}
	rec := present.NewRecorder(nil)
	e, err := Open(context.Background(), settings, rec)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, rec
}

func people(n int) *frame.Frame {
	names := make([]any, n)
	ages := make([]any, n)
	for i := 0; i < n; i++ {
		names[i] = fmt.Sprintf("p%d", i)
		ages[i] = int64(20 + i)
	}
	return &frame.Frame{Columns: []frame.Column{
		{Name: "name", Type: frame.String, Values: names},
		{Name: "age", Type: frame.Int64, Values: ages},
	}}
}

func ageBetween(lo, hi int) []filter.Clause {
	return []filter.Clause{filter.Between{Column: "age", Tag: filter.TagInteger, Low: lo, High: hi}}
}

func TestRenderRegistersOnce(t *testing.T) {
	ctx := context.Background()
	e, rec := newEngine(t, nil)

	first, err := e.Render(ctx, people(5))
	require.NoError(t, err)
	assert.False(t, first.Update)
	assert.NotEmpty(t, first.DisplayID)

	tables, err := e.Store().ListTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{registry.TableName(first.Fingerprint)}, tables)

	second, err := e.Render(ctx, people(5))
	require.NoError(t, err)
	assert.True(t, second.Update)
	assert.Equal(t, first.DisplayID, second.DisplayID)

	last, ok := rec.Last(first.DisplayID)
	require.True(t, ok)
	assert.True(t, last.Update)

	third, err := e.Render(ctx, people(6))
	require.NoError(t, err)
	assert.False(t, third.Update)
	assert.NotEqual(t, first.DisplayID, third.DisplayID)
}

func TestRenderSamples(t *testing.T) {
	e, _ := newEngine(t, func(s *config.Settings) {
		s.DisplayMaxRows = 10
		s.DisplayMaxColumns = 1
	})
	res, err := e.Render(context.Background(), people(100))
	require.NoError(t, err)
	assert.True(t, res.Descriptor.Truncated)
	assert.Equal(t, 100, res.Descriptor.OrigRows)
	assert.Equal(t, 10, res.Descriptor.SampledRows)
	assert.Equal(t, 1, res.Descriptor.SampledCols)
	assert.Equal(t, frame.SampleStride, res.Descriptor.Method)

	// the full dataset is still stored
	all, err := e.Resample(context.Background(), res.DisplayID, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 100, all.NumRows())
	assert.Equal(t, 2, all.NumCols())
}

func TestRenderWithoutDatalink(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, func(s *config.Settings) { s.EnableDatalink = false })
	res, err := e.Render(ctx, people(3))
	require.NoError(t, err)
	assert.NotEmpty(t, res.DisplayID)

	tables, err := e.Store().ListTables(ctx)
	require.NoError(t, err)
	assert.Empty(t, tables)
	_, err = e.Resample(ctx, res.DisplayID, nil, 0)
	assert.True(t, core.IsUnknownDisplay(err))
}

func TestResampleUnknownDisplay(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, nil)

	_, err := e.Resample(ctx, "nope", ageBetween(30, 40), 10)
	var ue *core.UnknownDisplayError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "nope", ue.DisplayID)

	tables, err := e.Store().ListTables(ctx)
	require.NoError(t, err)
	assert.Empty(t, tables, "no table is created for an unknown display")
}

func TestResampleFilters(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, nil)
	res, err := e.Render(ctx, people(30))
	require.NoError(t, err)

	got, err := e.Resample(ctx, res.DisplayID, ageBetween(30, 40), 0)
	require.NoError(t, err)
	require.Equal(t, 11, got.NumRows())
	age, _ := got.Column("age")
	for _, v := range age.Values {
		assert.GreaterOrEqual(t, v.(int64), int64(30))
		assert.LessOrEqual(t, v.(int64), int64(40))
	}

	limited, err := e.Resample(ctx, res.DisplayID, ageBetween(30, 40), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, limited.NumRows())

	_, err = e.Resample(ctx, res.DisplayID, []filter.Clause{filter.Contains{Column: "age", Substring: "3"}}, 0)
	var fe *core.InvalidFilterError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "age", fe.Column)
}

func TestResampleRestoresTypes(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, nil)
	zone := time.FixedZone("CEST", 2*3600)
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, zone)
	f := &frame.Frame{Columns: []frame.Column{
		{Name: "when", Type: frame.Datetime, Values: []any{ts, ts.Add(time.Hour)}},
		{Name: "kind", Type: frame.Category, Values: []any{"a", "b"}},
		{Name: "took", Type: frame.Duration, Values: []any{time.Second, 2 * time.Second}},
	}}
	res, err := e.Render(ctx, f)
	require.NoError(t, err)

	schema, err := e.Store().Schema(ctx, registry.TableName(res.Fingerprint))
	require.NoError(t, err)
	assert.Equal(t, frame.String, schema["when"], "offset datetimes are stored as text")

	got, err := e.Resample(ctx, res.DisplayID, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]frame.DType{
		"when": frame.Datetime,
		"kind": frame.Category,
		"took": frame.Duration,
	}, got.DTypes())
	when, _ := got.Column("when")
	assert.True(t, ts.Equal(when.Values[0].(time.Time)))
	took, _ := got.Column("took")
	assert.Equal(t, 2*time.Second, took.Values[1])
}

func TestAssignNameCollision(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, nil)
	res, err := e.Render(ctx, people(10))
	require.NoError(t, err)

	ns := present.NewMapNamespace()
	for _, want := range []string{"x", "x_1", "x_2"} {
		got, err := e.Assign(ctx, res.DisplayID, ageBetween(22, 24), 0, "x", ns)
		require.NoError(t, err)
		assert.Equal(t, want, got.Name)
		assert.Equal(t, 3, got.Rows)
	}
	v, ok := ns.Get("x_2")
	require.True(t, ok)
	assert.Equal(t, 3, v.(*frame.Frame).NumRows())

	_, err = e.Assign(ctx, "missing", nil, 0, "y", ns)
	assert.True(t, core.IsUnknownDisplay(err))
	assert.False(t, ns.Has("y"))
}

func TestConcurrentAssignNeverOverwrites(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, nil)
	res, err := e.Render(ctx, people(10))
	require.NoError(t, err)

	const workers = 16
	ns := present.NewMapNamespace()
	names := make(chan string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := e.Assign(ctx, res.DisplayID, nil, 0, "x", ns)
			if assert.NoError(t, err) {
				names <- got.Name
			}
		}()
	}
	wg.Wait()
	close(names)

	seen := make(map[string]bool)
	for name := range names {
		assert.False(t, seen[name], "name %s bound twice", name)
		seen[name] = true
	}
	assert.Len(t, seen, workers)
	assert.Len(t, ns.Names(), workers)
}

func TestDTypeChangesDisplay(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, nil)
	values := []any{"a", "b", "a"}

	asString, err := e.Render(ctx, &frame.Frame{Columns: []frame.Column{{Name: "k", Type: frame.String, Values: values}}})
	require.NoError(t, err)
	asCategory, err := e.Render(ctx, &frame.Frame{Columns: []frame.Column{{Name: "k", Type: frame.Category, Values: values}}})
	require.NoError(t, err)

	assert.False(t, asCategory.Update)
	assert.NotEqual(t, asString.DisplayID, asCategory.DisplayID)
	assert.NotEqual(t, asString.Fingerprint, asCategory.Fingerprint)

	got, err := e.Resample(ctx, asCategory.DisplayID, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, frame.Category, got.Columns[0].Type)
}

func TestQueryReportsRestoreWarnings(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, nil)
	res, err := e.Render(ctx, &frame.Frame{Columns: []frame.Column{
		{Name: "code", Type: frame.String, Values: []any{"7", "x7"}},
	}})
	require.NoError(t, err)
	// a recorded dtype the stored strings cannot satisfy
	e.ledger.Forget(res.DisplayID)
	e.ledger.Record(res.DisplayID, map[string]frame.DType{"code": frame.Int64})

	q, err := e.Query(ctx, res.DisplayID, nil, 0)
	require.NoError(t, err)
	require.Len(t, q.Warnings, 1)
	assert.Equal(t, "code", q.Warnings[0].Column)
	assert.Equal(t, frame.String, q.Data.Columns[0].Type)

	assigned, err := e.Assign(ctx, res.DisplayID, nil, 0, "codes", present.NewMapNamespace())
	require.NoError(t, err)
	assert.Len(t, assigned.Warnings, 1)

	shown, err := e.ResampleDisplay(ctx, res.DisplayID, nil, 0)
	require.NoError(t, err)
	assert.Len(t, shown.Warnings, 1)
}

func TestResampleDisplayLinksSubset(t *testing.T) {
	ctx := context.Background()
	e, rec := newEngine(t, nil)
	res, err := e.Render(ctx, people(10))
	require.NoError(t, err)

	updated, err := e.ResampleDisplay(ctx, res.DisplayID, ageBetween(22, 24), 0)
	require.NoError(t, err)
	assert.True(t, updated.Update)
	assert.Equal(t, res.DisplayID, updated.DisplayID)
	assert.Equal(t, 3, updated.Descriptor.OrigRows)

	last, ok := rec.Last(res.DisplayID)
	require.True(t, ok)
	assert.True(t, last.Update)

	sub, ok := e.Registry().ByFingerprint(updated.Fingerprint)
	require.True(t, ok)
	assert.Equal(t, res.Fingerprint, sub.SubsetOf)
	require.Len(t, sub.AppliedFilters, 1)
	assert.Equal(t, filter.OpBetween, sub.AppliedFilters[0].Operator)

	// the assigned subset renders into the same display
	ns := present.NewMapNamespace()
	assigned, err := e.Assign(ctx, res.DisplayID, ageBetween(22, 24), 0, "sub", ns)
	require.NoError(t, err)
	v, _ := ns.Get(assigned.Name)
	again, err := e.Render(ctx, v)
	require.NoError(t, err)
	assert.True(t, again.Update)
	assert.Equal(t, res.DisplayID, again.DisplayID)
}

func TestDegradedDisplay(t *testing.T) {
	ctx := context.Background()
	e, rec := newEngine(t, nil)
	bad := &frame.Frame{Columns: []frame.Column{
		{Name: "n", Type: frame.Int64, Values: []any{int64(1), "not a number"}},
	}}

	res, err := e.Render(ctx, bad)
	require.NoError(t, err, "a persistence failure does not fail the render")
	_, ok := rec.Last(res.DisplayID)
	assert.True(t, ok, "the sample is still emitted")

	state, _ := e.Registry().State(res.DisplayID)
	assert.Equal(t, registry.StateDegraded, state)

	_, err = e.Resample(ctx, res.DisplayID, nil, 0)
	var se *core.StorageError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Retryable())
}

func TestAsyncPersist(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, func(s *config.Settings) { s.AsyncPersist = true })
	res, err := e.Render(ctx, people(1000))
	require.NoError(t, err)

	got, err := e.Resample(ctx, res.DisplayID, ageBetween(20, 29), 0)
	require.NoError(t, err, "resample waits for the pending write")
	assert.Equal(t, 10, got.NumRows())
}

func TestEviction(t *testing.T) {
	ctx := context.Background()
	e, rec := newEngine(t, func(s *config.Settings) { s.MaxDisplays = 1 })
	first, err := e.Render(ctx, people(3))
	require.NoError(t, err)
	second, err := e.Render(ctx, people(4))
	require.NoError(t, err)

	_, err = e.Resample(ctx, first.DisplayID, nil, 0)
	assert.True(t, core.IsUnknownDisplay(err))
	_, ok := rec.Last(first.DisplayID)
	assert.False(t, ok)

	tables, err := e.Store().ListTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{registry.TableName(second.Fingerprint)}, tables)
}

func TestReopenRestoresDisplays(t *testing.T) {
	ctx := context.Background()
	settings := config.Default()
	settings.DataDir = t.TempDir()

	e, err := Open(ctx, settings, nil)
	require.NoError(t, err)
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.FixedZone("X", 3600))
	f := people(10)
	f.Columns = append(f.Columns, frame.Column{Name: "at", Type: frame.Datetime, Values: make([]any, 10)})
	f.Columns[2].Values[0] = ts
	res, err := e.Render(ctx, f)
	require.NoError(t, err)
	_, err = e.ResampleDisplay(ctx, res.DisplayID, ageBetween(20, 21), 0)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e, err = Open(ctx, settings, nil)
	require.NoError(t, err)
	defer e.Close()

	got, err := e.Resample(ctx, res.DisplayID, ageBetween(25, 26), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, got.NumRows())
	assert.Equal(t, frame.Datetime, got.DTypes()["at"], "ledger is rebuilt from lineage")
	assert.Len(t, e.Registry().Records(), 2)

	again, err := e.Render(ctx, f)
	require.NoError(t, err)
	assert.True(t, again.Update)
	assert.Equal(t, res.DisplayID, again.DisplayID)
}

func TestTeardown(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, nil)
	res, err := e.Render(ctx, people(3))
	require.NoError(t, err)
	_, err = e.Render(ctx, people(4))
	require.NoError(t, err)

	require.NoError(t, e.Teardown(ctx))
	tables, err := e.Store().ListTables(ctx)
	require.NoError(t, err)
	assert.Empty(t, tables)
	rows, err := e.Store().LoadLineage(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
	_, err = e.Resample(ctx, res.DisplayID, nil, 0)
	assert.True(t, core.IsUnknownDisplay(err))
}
