package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigapi/gigapi-datalink/core"
	"github.com/gigapi/gigapi-datalink/frame"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func peopleFrame() *frame.Frame {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return &frame.Frame{Columns: []frame.Column{
		{Name: "name", Type: frame.String, Values: []any{"ann", "bob", "cid", "dee"}},
		{Name: "age", Type: frame.Int64, Values: []any{int64(25), int64(30), int64(40), nil}},
		{Name: "score", Type: frame.Float64, Values: []any{1.5, 2.5, 3.5, 4.5}},
		{Name: "active", Type: frame.Bool, Values: []any{true, false, true, false}},
		{Name: "seen", Type: frame.Datetime, Values: []any{ts, ts.Add(time.Hour), nil, ts}},
	}}
}

func TestCreateAndQuery(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)

	exists, err := s.TableExists(ctx, "dx_people")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, s.CreateTable(ctx, "dx_people", peopleFrame()))

	exists, err = s.TableExists(ctx, "dx_people")
	require.NoError(t, err)
	assert.True(t, exists)

	all, err := s.Query(ctx, "dx_people", core.AlwaysTrue, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "age", "score", "active", "seen"}, all.ColumnNames())
	assert.Equal(t, 4, all.NumRows())
	assert.True(t, all.DefaultIndex())
	assert.Equal(t, int64(30), all.Columns[1].Values[1])
	assert.Nil(t, all.Columns[1].Values[3])
	assert.Equal(t, frame.Datetime, all.Columns[4].Type)
	assert.True(t, all.Columns[4].Values[1].(time.Time).Equal(time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)))

	some, err := s.Query(ctx, "dx_people", core.Predicate{SQL: `"age" >= ?`, Args: []any{int64(30)}}, 0)
	require.NoError(t, err)
	assert.Equal(t, []any{"bob", "cid"}, some.Columns[0].Values)
	assert.Equal(t, []any{int64(1), int64(2)}, some.Index)

	limited, err := s.Query(ctx, "dx_people", core.AlwaysTrue, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, limited.NumRows())
}

func TestCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	require.NoError(t, s.CreateTable(ctx, "dx_t", peopleFrame()))
	require.NoError(t, s.CreateTable(ctx, "dx_t", peopleFrame()))

	all, err := s.Query(ctx, "dx_t", core.AlwaysTrue, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, all.NumRows())
}

func TestConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.CreateTable(ctx, "dx_same", peopleFrame())
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}

	all, err := s.Query(ctx, "dx_same", core.AlwaysTrue, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, all.NumRows())

	tables, err := s.ListTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dx_same"}, tables)
}

func TestSchema(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	require.NoError(t, s.CreateTable(ctx, "dx_people", peopleFrame()))

	schema, err := s.Schema(ctx, "dx_people")
	require.NoError(t, err)
	assert.Equal(t, map[string]frame.DType{
		"name":   frame.String,
		"age":    frame.Int64,
		"score":  frame.Float64,
		"active": frame.Bool,
		"seen":   frame.Datetime,
	}, schema)

	_, err = s.Schema(ctx, "dx_missing")
	assert.True(t, core.IsStorage(err))
}

func TestQueryMissingTable(t *testing.T) {
	s := openMemory(t)
	_, err := s.Query(context.Background(), "dx_missing", core.AlwaysTrue, 0)
	require.Error(t, err)
	var se *core.StorageError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Retryable())
}

func TestDropTable(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	require.NoError(t, s.CreateTable(ctx, "dx_people", peopleFrame()))
	require.NoError(t, s.DropTable(ctx, "dx_people"))
	exists, err := s.TableExists(ctx, "dx_people")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLineage(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveLineage(ctx,
		LineageRow{
			Fingerprint: "fp1", DisplayID: "d1", TableName: "dx_fp1",
			DTypes:    map[string]frame.DType{"a": frame.Datetime},
			Metadata:  json.RawMessage(`{"x":1}`),
			CreatedAt: created,
		},
		LineageRow{
			Fingerprint: "fp2", DisplayID: "d1", TableName: "dx_fp1", SubsetOf: "fp1",
			Filters:   json.RawMessage(`[{"column":"a"}]`),
			CreatedAt: created.Add(time.Second),
		},
	))

	rows, err := s.LoadLineage(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "fp1", rows[0].Fingerprint)
	assert.Equal(t, frame.Datetime, rows[0].DTypes["a"])
	assert.JSONEq(t, `{"x":1}`, string(rows[0].Metadata))
	assert.Equal(t, "fp1", rows[1].SubsetOf)
	assert.JSONEq(t, `[{"column":"a"}]`, string(rows[1].Filters))

	require.NoError(t, s.DeleteLineage(ctx, "d1"))
	rows, err = s.LoadLineage(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewOsFs()
	dir := filepath.Join(t.TempDir(), "nested", "data")

	s, err := Open(ctx, Options{Fs: fs, DataDir: dir})
	require.NoError(t, err)
	require.NoError(t, s.CreateTable(ctx, "dx_people", peopleFrame()))
	require.NoError(t, s.Close())

	s, err = Open(ctx, Options{Fs: fs, DataDir: dir})
	require.NoError(t, err)
	exists, err := s.TableExists(ctx, "dx_people")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.Destroy())
	ok, err := afero.Exists(fs, filepath.Join(dir, "datalink.duckdb"))
	require.NoError(t, err)
	assert.False(t, ok)
}
