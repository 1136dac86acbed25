// Package engine owns the display registry, type ledger and table store of
// one datalink session and implements render, resample and assignment on
// top of them.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gigapi/gigapi-datalink/config"
	"github.com/gigapi/gigapi-datalink/core"
	"github.com/gigapi/gigapi-datalink/filter"
	"github.com/gigapi/gigapi-datalink/frame"
	"github.com/gigapi/gigapi-datalink/ledger"
	"github.com/gigapi/gigapi-datalink/present"
	"github.com/gigapi/gigapi-datalink/registry"
	"github.com/gigapi/gigapi-datalink/store"
)

// Engine is safe for concurrent use.
type Engine struct {
	Settings *config.Settings

	store     *store.Store
	registry  *registry.Registry
	ledger    *ledger.Ledger
	presenter present.Presenter

	persists sync.WaitGroup
}

// Open builds an engine and restores the displays persisted in its store.
// A nil presenter discards payloads.
func Open(ctx context.Context, settings *config.Settings, presenter present.Presenter) (*Engine, error) {
	if settings == nil {
		settings = config.Default()
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if presenter == nil {
		presenter = present.Discard
	}
	s, err := store.Open(ctx, store.Options{DataDir: settings.DataDir, DBFile: settings.DBFile})
	if err != nil {
		return nil, err
	}
	e := &Engine{
		Settings:  settings,
		store:     s,
		ledger:    ledger.New(),
		presenter: presenter,
	}
	e.registry = registry.New(registry.Options{
		MaxDisplays: settings.MaxDisplays,
		OnEvict:     e.evict,
	})
	if err := e.restore(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return e, nil
}

// Store exposes the table store, mainly for inspection.
func (e *Engine) Store() *store.Store { return e.store }

// Registry exposes the display registry.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// restore rebuilds registry and ledger from the lineage table and drops
// tables no lineage refers to.
func (e *Engine) restore(ctx context.Context) error {
	rows, err := e.store.LoadLineage(ctx)
	if err != nil {
		return err
	}
	tables, err := e.store.ListTables(ctx)
	if err != nil {
		return err
	}
	live := make(map[string]bool, len(tables))
	for _, t := range tables {
		live[t] = false
	}

	records := make([]registry.Record, 0, len(rows))
	for _, row := range rows {
		if _, ok := live[row.TableName]; !ok {
			core.Warnf(ctx, "lineage %s refers to missing table %s, skipping", row.Fingerprint, row.TableName)
			continue
		}
		rec, err := recordFromLineage(row)
		if err != nil {
			core.Warnf(ctx, "skipping lineage %s: %v", row.Fingerprint, err)
			continue
		}
		records = append(records, rec)
	}
	skipped := e.registry.Restore(records)
	for _, rec := range skipped {
		core.Warnf(ctx, "lineage %s has no root, skipping", rec.Fingerprint)
	}

	for _, rec := range e.registry.Records() {
		live[rec.TableName] = true
		if rec.SubsetOf == "" {
			e.ledger.Record(rec.DisplayID, rec.OriginalDTypes)
		}
	}
	for table, used := range live {
		if used {
			continue
		}
		core.Infof(ctx, "dropping orphaned table %s", table)
		if err := e.store.DropTable(ctx, table); err != nil {
			return err
		}
	}
	if n := e.registry.Len(); n > 0 {
		core.Infof(ctx, "restored %d displays", n)
	}
	return nil
}

// evict runs after the registry dropped a lineage to stay under its bound.
func (e *Engine) evict(records []registry.Record) {
	if len(records) == 0 {
		return
	}
	ctx := core.WithDefaultLogger(context.Background(), "evict")
	e.release(ctx, records[0].DisplayID, records[0].TableName)
}

func (e *Engine) release(ctx context.Context, displayID, table string) error {
	core.Debugf(ctx, "releasing display %s (%s)", displayID, table)
	e.ledger.Forget(displayID)
	if f, ok := e.presenter.(interface{ Forget(string) }); ok {
		f.Forget(displayID)
	}
	err := e.store.DropTable(ctx, table)
	if lerr := e.store.DeleteLineage(ctx, displayID); err == nil {
		err = lerr
	}
	if err != nil {
		core.Errorf(ctx, "failed to release display %s: %v", displayID, err)
	}
	return err
}

// Teardown drops every display, its table and its lineage.
func (e *Engine) Teardown(ctx context.Context) error {
	e.persists.Wait()
	var firstErr error
	for _, rec := range e.registry.Records() {
		if rec.SubsetOf != "" {
			continue
		}
		e.registry.Remove(rec.DisplayID)
		if err := e.release(ctx, rec.DisplayID, rec.TableName); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close waits for pending persistence and closes the store.
func (e *Engine) Close() error {
	e.persists.Wait()
	return e.store.Close()
}

func (e *Engine) saveLineage(ctx context.Context, recs ...registry.Record) error {
	rows := make([]store.LineageRow, 0, len(recs))
	for _, rec := range recs {
		row, err := lineageRow(rec)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	return e.store.SaveLineage(ctx, rows...)
}

func lineageRow(rec registry.Record) (store.LineageRow, error) {
	row := store.LineageRow{
		Fingerprint: string(rec.Fingerprint),
		DisplayID:   rec.DisplayID,
		TableName:   rec.TableName,
		SubsetOf:    string(rec.SubsetOf),
		DTypes:      rec.OriginalDTypes,
		CreatedAt:   rec.CreatedAt,
	}
	if len(rec.AppliedFilters) > 0 {
		raw, err := json.Marshal(rec.AppliedFilters)
		if err != nil {
			return row, fmt.Errorf("failed to encode filters: %w", err)
		}
		row.Filters = raw
	}
	if rec.Metadata != nil {
		raw, err := json.Marshal(rec.Metadata)
		if err != nil {
			return row, fmt.Errorf("failed to encode metadata: %w", err)
		}
		row.Metadata = raw
	}
	return row, nil
}

func recordFromLineage(row store.LineageRow) (registry.Record, error) {
	rec := registry.Record{
		DisplayID:      row.DisplayID,
		Fingerprint:    frame.Digest(row.Fingerprint),
		TableName:      row.TableName,
		OriginalDTypes: row.DTypes,
		CreatedAt:      row.CreatedAt,
		SubsetOf:       frame.Digest(row.SubsetOf),
	}
	if len(row.Filters) > 0 {
		var filters []filter.WireClause
		if err := json.Unmarshal(row.Filters, &filters); err != nil {
			return rec, fmt.Errorf("bad filters: %w", err)
		}
		rec.AppliedFilters = filters
	}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &rec.Metadata); err != nil {
			return rec, fmt.Errorf("bad metadata: %w", err)
		}
	}
	return rec, nil
}
