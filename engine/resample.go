package engine

import (
	"context"
	"fmt"

	"github.com/gigapi/gigapi-datalink/core"
	"github.com/gigapi/gigapi-datalink/filter"
	"github.com/gigapi/gigapi-datalink/frame"
	"github.com/gigapi/gigapi-datalink/present"
	"github.com/gigapi/gigapi-datalink/registry"
)

// QueryResult is the data of one resample and the columns that could not be
// cast back to their original type.
type QueryResult struct {
	Data     *frame.Frame
	Warnings []core.TypeRestoreWarning
}

// Query queries the full dataset behind displayID with clauses and at most
// limit rows (limit <= 0: no limit), restoring the original column types.
// It waits for a pending first persistence and retries a failed one before
// giving up with a storage error.
func (e *Engine) Query(ctx context.Context, displayID string, clauses []filter.Clause, limit int) (*QueryResult, error) {
	rec, err := e.registry.Lookup(displayID)
	if err != nil {
		return nil, err
	}
	if err := e.ready(ctx, displayID); err != nil {
		return nil, err
	}

	schema, err := e.store.Schema(ctx, rec.TableName)
	if err != nil {
		return nil, err
	}
	pred, err := filter.Compile(clauses, schema)
	if err != nil {
		return nil, err
	}
	result, err := e.store.Query(ctx, rec.TableName, pred, limit)
	if err != nil {
		return nil, err
	}
	restored, warnings := e.ledger.Restore(ctx, displayID, result)
	core.Debugf(ctx, "resampled %s: %d rows, %d restore warnings", displayID, restored.NumRows(), len(warnings))
	return &QueryResult{Data: restored, Warnings: warnings}, nil
}

// Resample is Query without the restore warnings.
func (e *Engine) Resample(ctx context.Context, displayID string, clauses []filter.Clause, limit int) (*frame.Frame, error) {
	res, err := e.Query(ctx, displayID, clauses, limit)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

func (e *Engine) ready(ctx context.Context, displayID string) error {
	err := e.registry.Wait(ctx, displayID)
	if err == nil || !core.IsStorage(err) {
		return err
	}
	if state, _ := e.registry.State(displayID); state != registry.StateDegraded {
		return err
	}
	if rerr := e.RetryPersist(ctx, displayID); rerr != nil {
		return core.NewStorageError("resample", "", fmt.Errorf("display %s is degraded: %w", displayID, rerr))
	}
	return nil
}

// ResampleDisplay resamples displayID and shows the result as an update of
// the same display. The result's fingerprint joins the display lineage with
// the applied filters, so rendering that subset again updates this display.
func (e *Engine) ResampleDisplay(ctx context.Context, displayID string, clauses []filter.Clause, limit int) (*RenderResult, error) {
	q, err := e.Query(ctx, displayID, clauses, limit)
	if err != nil {
		return nil, err
	}
	data := q.Data
	norm, err := frame.Normalize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize: %w", err)
	}
	wire := filter.Wire(clauses)
	fp := frame.SourceFingerprint(data, norm)
	rec, err := e.registry.LinkSubset(fp, displayID, wire)
	if err != nil {
		return nil, err
	}

	res := e.emit(data, displayID, true, data.DefaultIndex(), wire)
	res.Fingerprint = fp
	res.Warnings = q.Warnings
	e.registry.SetMetadata(fp, res.Payload.Metadata)
	if rec.SubsetOf != "" {
		rec.Metadata = res.Payload.Metadata
		if err := e.saveLineage(ctx, *rec); err != nil {
			core.Warnf(ctx, "failed to save lineage of subset %s: %v", fp, err)
		}
	}
	if err := e.presenter.Display(ctx, res.Payload); err != nil {
		return res, fmt.Errorf("failed to display %s: %w", displayID, err)
	}
	return res, nil
}

// AssignResult reports where an assignment was bound.
type AssignResult struct {
	Name     string
	Rows     int
	Warnings []core.TypeRestoreWarning
}

// Assign resamples displayID and binds the result in ns under name, or under
// the first free name_N when name is taken.
func (e *Engine) Assign(ctx context.Context, displayID string, clauses []filter.Clause, limit int, name string, ns present.Namespace) (*AssignResult, error) {
	if name == "" {
		return nil, fmt.Errorf("variable name must not be empty")
	}
	if ns == nil {
		return nil, fmt.Errorf("no namespace to assign into")
	}
	q, err := e.Query(ctx, displayID, clauses, limit)
	if err != nil {
		return nil, err
	}
	final := ns.Bind(name, q.Data)
	core.Infof(ctx, "assigned %d-row frame from %s to %s", q.Data.NumRows(), displayID, final)
	return &AssignResult{Name: final, Rows: q.Data.NumRows(), Warnings: q.Warnings}, nil
}
