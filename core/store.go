package core

import (
	"context"

	"github.com/gigapi/gigapi-datalink/frame"
)

// Predicate is a compiled WHERE condition with positional arguments.
type Predicate struct {
	SQL  string
	Args []any
}

// AlwaysTrue matches every row.
var AlwaysTrue = Predicate{SQL: "TRUE"}

// TableStore defines the persistent table storage used by the engine
type TableStore interface {
	// CreateTable persists f under name. Creating an existing table is a no-op.
	CreateTable(ctx context.Context, name string, f *frame.Frame) error

	// Query returns the rows of name matching pred, at most limit rows (limit <= 0: all)
	Query(ctx context.Context, name string, pred Predicate, limit int) (*frame.Frame, error)

	// TableExists reports whether name has been published
	TableExists(ctx context.Context, name string) (bool, error)

	// Schema returns the stored column types of name
	Schema(ctx context.Context, name string) (map[string]frame.DType, error)

	// DropTable removes name if present
	DropTable(ctx context.Context, name string) error

	// Close releases resources
	Close() error
}
