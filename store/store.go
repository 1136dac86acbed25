// store.go
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marcboeker/go-duckdb/v2"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"github.com/gigapi/gigapi-datalink/core"
	"github.com/gigapi/gigapi-datalink/frame"
)

// RowColumn holds the original row position of every stored row.
const RowColumn = "__dx_row"

// Ensure Store implements core.TableStore interface
var _ core.TableStore = (*Store)(nil)

// Options configures where the store keeps its database.
type Options struct {
	// Fs is used for the data directory and file teardown. Defaults to the OS filesystem.
	Fs afero.Fs
	// DataDir holds the database file. Empty means an in-memory database.
	DataDir string
	// DBFile is the database file name inside DataDir.
	DBFile string
}

// Store keeps one DuckDB table per display lineage
type Store struct {
	Options
	DB *sql.DB

	creates singleflight.Group
	locks   sync.Map // table name -> *sync.Mutex
	staging atomic.Int64
}

// New creates a Store; call Initialize before use
func New(opts Options) *Store {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.DBFile == "" {
		opts.DBFile = "datalink.duckdb"
	}
	return &Store{Options: opts}
}

// Open creates and initializes a Store
func Open(ctx context.Context, opts Options) (*Store, error) {
	s := New(opts)
	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the database file path, or "" for an in-memory store.
func (s *Store) Path() string {
	if s.DataDir == "" {
		return ""
	}
	return filepath.Join(s.DataDir, s.DBFile)
}

// Initialize sets up the DuckDB connection and the lineage table
func (s *Store) Initialize(ctx context.Context) error {
	if s.DataDir != "" {
		if err := s.Fs.MkdirAll(s.DataDir, 0o755); err != nil {
			return core.NewStorageError("init", "", fmt.Errorf("failed to create data dir: %w", err))
		}
	}
	connector, err := duckdb.NewConnector(s.Path(), nil)
	if err != nil {
		return core.NewStorageError("init", "", fmt.Errorf("failed to initialize DuckDB: %w", err))
	}
	s.DB = sql.OpenDB(connector)
	if err := s.initLineage(ctx); err != nil {
		s.DB.Close()
		return err
	}
	core.Debugf(ctx, "table store ready at %q", s.Path())
	return nil
}

func (s *Store) tableLock(name string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(name, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// CreateTable persists f under name. The rows are loaded into a staging table
// that is renamed to name in one transaction, so readers never observe a
// partially written table. Concurrent creates of the same name share one
// write; creating a table that already exists is a no-op.
func (s *Store) CreateTable(ctx context.Context, name string, f *frame.Frame) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	_, err, shared := s.creates.Do(name, func() (any, error) {
		mu := s.tableLock(name)
		mu.Lock()
		defer mu.Unlock()

		exists, err := s.TableExists(ctx, name)
		if err != nil {
			return nil, err
		}
		if exists {
			core.Debugf(ctx, "table %s already exists, skipping create", name)
			return nil, nil
		}
		return nil, s.writeTable(ctx, name, f)
	})
	if shared {
		core.Debugf(ctx, "create of %s coalesced with a concurrent writer", name)
	}
	return err
}

func (s *Store) writeTable(ctx context.Context, name string, f *frame.Frame) error {
	start := time.Now()
	staging := fmt.Sprintf("%s__staging_%d", name, s.staging.Add(1))

	conn, err := s.DB.Conn(ctx)
	if err != nil {
		return core.NewStorageError("create", name, err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, createTableSQL(staging, f)); err != nil {
		return core.NewStorageError("create", name, fmt.Errorf("failed to create staging table: %w", err))
	}
	dropStaging := func() {
		if _, err := conn.ExecContext(context.Background(), "DROP TABLE IF EXISTS "+quoteIdent(staging)); err != nil {
			core.Errorf(ctx, "failed to drop staging table %s: %v", staging, err)
		}
	}

	err = conn.Raw(func(driverConn any) error {
		appender, err := duckdb.NewAppenderFromConn(driverConn.(driver.Conn), "", staging)
		if err != nil {
			return err
		}
		row := make([]driver.Value, f.NumCols()+1)
		for r := 0; r < f.NumRows(); r++ {
			row[0] = int64(r)
			for c, col := range f.Columns {
				row[c+1] = storeValue(col.Type, col.Values[r])
			}
			if err := appender.AppendRow(row...); err != nil {
				appender.Close()
				return fmt.Errorf("row %d: %w", r, err)
			}
		}
		return appender.Close()
	})
	if err != nil {
		dropStaging()
		return core.NewStorageError("create", name, fmt.Errorf("failed to load rows: %w", err))
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		dropStaging()
		return core.NewStorageError("create", name, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quoteIdent(staging), quoteIdent(name))); err != nil {
		tx.Rollback()
		dropStaging()
		return core.NewStorageError("create", name, fmt.Errorf("failed to publish table: %w", err))
	}
	if err := tx.Commit(); err != nil {
		dropStaging()
		return core.NewStorageError("create", name, err)
	}
	core.Infof(ctx, "stored %d rows x %d cols in %s in %v", f.NumRows(), f.NumCols(), name, time.Since(start))
	return nil
}

// TableExists reports whether name has been published
func (s *Store) TableExists(ctx context.Context, name string) (bool, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx,
		"SELECT count(*) FROM information_schema.tables WHERE table_schema = 'main' AND table_name = ?", name).Scan(&n)
	if err != nil {
		return false, core.NewStorageError("exists", name, err)
	}
	return n > 0, nil
}

// ListTables returns the published data tables
func (s *Store) ListTables(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		"SELECT table_name FROM information_schema.tables WHERE table_schema = 'main' AND table_name NOT LIKE '%__staging_%' AND table_name <> ? ORDER BY table_name", lineageTable)
	if err != nil {
		return nil, core.NewStorageError("list", "", err)
	}
	defer rows.Close()
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, core.NewStorageError("list", "", err)
		}
		tables = append(tables, name)
	}
	return tables, core.NewStorageError("list", "", rows.Err())
}

// Schema returns the stored column types of name, without the row column
func (s *Store) Schema(ctx context.Context, name string) (map[string]frame.DType, error) {
	rows, err := s.DB.QueryContext(ctx,
		"SELECT column_name, data_type FROM information_schema.columns WHERE table_schema = 'main' AND table_name = ? ORDER BY ordinal_position", name)
	if err != nil {
		return nil, core.NewStorageError("schema", name, err)
	}
	defer rows.Close()
	schema := make(map[string]frame.DType)
	for rows.Next() {
		var col, typ string
		if err := rows.Scan(&col, &typ); err != nil {
			return nil, core.NewStorageError("schema", name, err)
		}
		if col == RowColumn {
			continue
		}
		schema[col] = dtypeOf(typ)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewStorageError("schema", name, err)
	}
	if len(schema) == 0 {
		return nil, core.NewStorageError("schema", name, fmt.Errorf("table not found"))
	}
	return schema, nil
}

// Query returns the rows of name matching pred in original order. The
// original row positions become the frame index.
func (s *Store) Query(ctx context.Context, name string, pred core.Predicate, limit int) (*frame.Frame, error) {
	if pred.SQL == "" {
		pred = core.AlwaysTrue
	}
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s ORDER BY %s", quoteIdent(name), pred.SQL, quoteIdent(RowColumn))
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	core.Debugf(ctx, "query: %s %v", query, pred.Args)

	start := time.Now()
	rows, err := s.DB.QueryContext(ctx, query, pred.Args...)
	if err != nil {
		return nil, core.NewStorageError("query", name, fmt.Errorf("query execution failed: %w", err))
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, core.NewStorageError("query", name, fmt.Errorf("failed to get columns: %w", err))
	}

	result := &frame.Frame{Index: []any{}}
	rowPos := -1
	for i, ct := range types {
		if ct.Name() == RowColumn {
			rowPos = i
			continue
		}
		result.Columns = append(result.Columns, frame.Column{Name: ct.Name(), Type: dtypeOf(ct.DatabaseTypeName()), Values: []any{}})
	}

	values := make([]any, len(types))
	valuePtrs := make([]any, len(types))
	for i := range values {
		valuePtrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, core.NewStorageError("query", name, fmt.Errorf("error scanning row: %w", err))
		}
		c := 0
		for i, val := range values {
			cell, err := frame.Canonical(val)
			if err != nil {
				return nil, core.NewStorageError("query", name, err)
			}
			if i == rowPos {
				result.Index = append(result.Index, cell)
				continue
			}
			result.Columns[c].Values = append(result.Columns[c].Values, cell)
			c++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewStorageError("query", name, fmt.Errorf("error iterating rows: %w", err))
	}
	if rowPos < 0 {
		result.Index = nil
	}
	core.Debugf(ctx, "got %d rows from %s in %v", result.NumRows(), name, time.Since(start))
	return result, nil
}

// DropTable removes name if present
func (s *Store) DropTable(ctx context.Context, name string) error {
	mu := s.tableLock(name)
	mu.Lock()
	defer mu.Unlock()
	_, err := s.DB.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(name))
	return core.NewStorageError("drop", name, err)
}

// Close releases resources
func (s *Store) Close() error {
	if s.DB != nil {
		return s.DB.Close()
	}
	return nil
}

// Destroy closes the store and removes its database files.
func (s *Store) Destroy() error {
	if err := s.Close(); err != nil {
		return err
	}
	path := s.Path()
	if path == "" {
		return nil
	}
	for _, p := range []string{path, path + ".wal"} {
		if err := s.Fs.Remove(p); err != nil {
			if exists, _ := afero.Exists(s.Fs, p); exists {
				return core.NewStorageError("destroy", "", err)
			}
		}
	}
	return nil
}

func createTableSQL(name string, f *frame.Frame) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (%s BIGINT", quoteIdent(name), quoteIdent(RowColumn))
	for _, c := range f.Columns {
		fmt.Fprintf(&b, ", %s %s", quoteIdent(c.Name), sqlType(c.Type))
	}
	b.WriteString(")")
	return b.String()
}

func sqlType(t frame.DType) string {
	switch t {
	case frame.Bool:
		return "BOOLEAN"
	case frame.Int64, frame.Duration:
		return "BIGINT"
	case frame.Float64:
		return "DOUBLE"
	case frame.Datetime:
		return "TIMESTAMP"
	}
	return "VARCHAR"
}

func dtypeOf(dbType string) frame.DType {
	switch t := strings.ToUpper(dbType); {
	case t == "BOOLEAN":
		return frame.Bool
	case t == "BIGINT", t == "INTEGER", t == "SMALLINT", t == "TINYINT", t == "UBIGINT", t == "UINTEGER", t == "USMALLINT", t == "UTINYINT":
		return frame.Int64
	case t == "DOUBLE", t == "FLOAT", t == "REAL", strings.HasPrefix(t, "DECIMAL"):
		return frame.Float64
	case strings.HasPrefix(t, "TIMESTAMP"), t == "DATE":
		return frame.Datetime
	}
	return frame.String
}

// storeValue coerces a cell to what the appender expects for the column type.
func storeValue(t frame.DType, v any) driver.Value {
	if v == nil {
		return nil
	}
	switch t {
	case frame.Duration:
		if d, ok := v.(time.Duration); ok {
			return int64(d)
		}
	case frame.Float64:
		if n, ok := v.(int64); ok {
			return float64(n)
		}
	case frame.String, frame.Category, frame.Object:
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return v
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
