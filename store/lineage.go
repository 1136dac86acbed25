package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gigapi/gigapi-datalink/core"
	"github.com/gigapi/gigapi-datalink/frame"
)

const lineageTable = "__dx_lineage"

// LineageRow is the persisted form of one fingerprint -> display mapping.
// Filters and Metadata are opaque JSON owned by the registry.
type LineageRow struct {
	Fingerprint string
	DisplayID   string
	TableName   string
	SubsetOf    string
	DTypes      map[string]frame.DType
	Filters     json.RawMessage
	Metadata    json.RawMessage
	CreatedAt   time.Time
}

func (s *Store) initLineage(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		fingerprint VARCHAR PRIMARY KEY,
		display_id VARCHAR NOT NULL,
		table_name VARCHAR NOT NULL,
		subset_of VARCHAR,
		dtypes VARCHAR,
		filters VARCHAR,
		metadata VARCHAR,
		created_at TIMESTAMP
	)`, quoteIdent(lineageTable)))
	return core.NewStorageError("init", lineageTable, err)
}

// SaveLineage upserts rows.
func (s *Store) SaveLineage(ctx context.Context, rows ...LineageRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return core.NewStorageError("save lineage", lineageTable, err)
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT OR REPLACE INTO %s VALUES (?, ?, ?, ?, ?, ?, ?, ?)", quoteIdent(lineageTable)))
	if err != nil {
		tx.Rollback()
		return core.NewStorageError("save lineage", lineageTable, err)
	}
	defer stmt.Close()
	for _, r := range rows {
		dtypes, err := json.Marshal(r.DTypes)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to encode dtypes: %w", err)
		}
		_, err = stmt.ExecContext(ctx, r.Fingerprint, r.DisplayID, r.TableName, r.SubsetOf,
			string(dtypes), rawString(r.Filters), rawString(r.Metadata), r.CreatedAt.UTC())
		if err != nil {
			tx.Rollback()
			return core.NewStorageError("save lineage", lineageTable, err)
		}
	}
	return core.NewStorageError("save lineage", lineageTable, tx.Commit())
}

// DeleteLineage removes every row of displayID.
func (s *Store) DeleteLineage(ctx context.Context, displayID string) error {
	_, err := s.DB.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE display_id = ?", quoteIdent(lineageTable)), displayID)
	return core.NewStorageError("delete lineage", lineageTable, err)
}

// LoadLineage returns every persisted row, oldest first.
func (s *Store) LoadLineage(ctx context.Context) ([]LineageRow, error) {
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(
		"SELECT fingerprint, display_id, table_name, subset_of, dtypes, filters, metadata, created_at FROM %s ORDER BY created_at, fingerprint",
		quoteIdent(lineageTable)))
	if err != nil {
		return nil, core.NewStorageError("load lineage", lineageTable, err)
	}
	defer rows.Close()

	var out []LineageRow
	for rows.Next() {
		var (
			r                                  LineageRow
			subsetOf, dtypes, filters, metadata *string
			createdAt                          *time.Time
		)
		if err := rows.Scan(&r.Fingerprint, &r.DisplayID, &r.TableName, &subsetOf, &dtypes, &filters, &metadata, &createdAt); err != nil {
			return nil, core.NewStorageError("load lineage", lineageTable, err)
		}
		if subsetOf != nil {
			r.SubsetOf = *subsetOf
		}
		if dtypes != nil && *dtypes != "" {
			if err := json.Unmarshal([]byte(*dtypes), &r.DTypes); err != nil {
				return nil, fmt.Errorf("lineage %s: bad dtypes: %w", r.Fingerprint, err)
			}
		}
		if filters != nil && *filters != "" {
			r.Filters = json.RawMessage(*filters)
		}
		if metadata != nil && *metadata != "" {
			r.Metadata = json.RawMessage(*metadata)
		}
		if createdAt != nil {
			r.CreatedAt = *createdAt
		}
		out = append(out, r)
	}
	return out, core.NewStorageError("load lineage", lineageTable, rows.Err())
}

func rawString(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
