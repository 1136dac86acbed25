package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gigapi/gigapi-datalink/core"
	"github.com/gigapi/gigapi-datalink/filter"
	"github.com/gigapi/gigapi-datalink/frame"
	"github.com/gigapi/gigapi-datalink/present"
	"github.com/gigapi/gigapi-datalink/registry"
)

// RenderResult describes one emitted display.
type RenderResult struct {
	DisplayID   string
	Fingerprint frame.Digest
	// Update is true when an existing display was updated in place.
	Update     bool
	Descriptor frame.SampleDescriptor
	Payload    present.Payload
	// Warnings lists columns a resample could not cast back.
	Warnings []core.TypeRestoreWarning
}

// Render shows v through the presenter. A dataset seen before updates its
// existing display; a new one gets a display id and is persisted in full,
// after the sample has been emitted. A persistence failure does not fail
// the render, it marks the display degraded.
func (e *Engine) Render(ctx context.Context, v any) (*RenderResult, error) {
	start := time.Now()
	f, err := frame.ToFrame(v)
	if err != nil {
		return nil, err
	}
	origDTypes := f.DTypes()
	defaultIndex := f.DefaultIndex()
	norm, err := frame.Normalize(f)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize: %w", err)
	}

	if !e.Settings.EnableDatalink {
		id := uuid.Must(uuid.NewV7()).String()
		res := e.emit(norm, id, false, defaultIndex, nil)
		return res, e.presenter.Display(ctx, res.Payload)
	}

	fp := frame.SourceFingerprint(f, norm)
	rec, isUpdate := e.registry.ResolveOrRegister(fp, norm)
	e.registry.SetOriginalDTypes(fp, origDTypes)
	e.ledger.Record(rec.DisplayID, origDTypes)

	res := e.emit(norm, rec.DisplayID, isUpdate, defaultIndex, rec.AppliedFilters)
	res.Fingerprint = fp
	e.registry.SetMetadata(fp, res.Payload.Metadata)
	displayErr := e.presenter.Display(ctx, res.Payload)

	if !isUpdate {
		if e.Settings.AsyncPersist {
			e.persists.Add(1)
			go func() {
				defer e.persists.Done()
				e.persist(context.WithoutCancel(ctx), rec.DisplayID)
			}()
		} else {
			e.persist(ctx, rec.DisplayID)
		}
	}
	core.Debugf(ctx, "rendered display %s (update=%v, %d rows) in %v", rec.DisplayID, isUpdate, norm.NumRows(), time.Since(start))
	if displayErr != nil {
		return res, fmt.Errorf("failed to display %s: %w", rec.DisplayID, displayErr)
	}
	return res, nil
}

func (e *Engine) emit(f *frame.Frame, displayID string, update, defaultIndex bool, filters []filter.WireClause) *RenderResult {
	sample, desc := frame.Sample(f, e.Settings.DisplayMaxRows, e.Settings.DisplayMaxColumns, e.Settings.Sampling())
	opts := present.Options{
		MediaType:        e.Settings.MediaType,
		Update:           update,
		DefaultIndexUsed: defaultIndex,
		AppliedFilters:   filters,
	}
	return &RenderResult{
		DisplayID:  displayID,
		Update:     update,
		Descriptor: desc,
		Payload:    present.Build(sample, displayID, desc, opts),
	}
}

// persist writes the retained frame of displayID and its lineage, then marks
// it ready. Failures mark it degraded and are returned.
func (e *Engine) persist(ctx context.Context, displayID string) error {
	src, ok := e.registry.Source(displayID)
	if !ok {
		return nil
	}
	rec, err := e.registry.Lookup(displayID)
	if err != nil {
		return err
	}
	if err := e.store.CreateTable(ctx, rec.TableName, src); err != nil {
		core.Errorf(ctx, "display %s degraded: %v", displayID, err)
		e.registry.MarkDegraded(displayID, err)
		return err
	}
	if err := e.saveLineage(ctx, *rec); err != nil {
		// the table is usable in this process; only a restart loses it
		core.Warnf(ctx, "failed to save lineage of %s: %v", displayID, err)
	}
	e.registry.MarkPersisted(displayID)

	// evicted while the table was being written
	if _, err := e.registry.Lookup(displayID); core.IsUnknownDisplay(err) {
		return e.release(ctx, displayID, rec.TableName)
	}
	return nil
}

// RetryPersist retries persistence of a degraded display. It is a no-op for
// displays that are already persisted.
func (e *Engine) RetryPersist(ctx context.Context, displayID string) error {
	state, err := e.registry.State(displayID)
	if core.IsUnknownDisplay(err) {
		return err
	}
	switch state {
	case registry.StateReady:
		return nil
	case registry.StatePending:
		return e.registry.Wait(ctx, displayID)
	}
	if _, ok := e.registry.Source(displayID); !ok {
		return core.NewStorageError("retry", "", fmt.Errorf("display %s has no data left to persist", displayID))
	}
	core.Infof(ctx, "retrying persistence of display %s", displayID)
	return e.persist(ctx, displayID)
}
