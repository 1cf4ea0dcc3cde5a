package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/pagekeep/pagekeep/internal/schema"
	"github.com/pagekeep/pagekeep/internal/store"
)

// ops is the storage access layer shared by both translators. It
// enforces the two load-bearing invariants:
//
//   - every write is scoped to the boundary-asserted user id, never to
//     anything the client supplied;
//   - every staged mutation is paired with exactly one change-log row,
//     and the whole accumulation commits as one atomic batch.
//
// Reads run immediately; writes are staged and land together in flush.
type ops struct {
	store  store.Store
	user   string
	device string
	now    func() int64
	steps  []store.BatchStep
}

func newOps(st store.Store, user, device string, now func() int64) *ops {
	return &ops{store: st, user: user, device: device, now: now}
}

// scoped injects the user id into a filter, defense-in-depth against a
// translator forgetting to scope a query.
func (o *ops) scoped(filter store.Filter) store.Filter {
	out := store.Filter{"user": o.user}
	for k, v := range filter {
		out[k] = v
	}
	return out
}

func (o *ops) findOne(ctx context.Context, collection string, filter store.Filter) (map[string]any, error) {
	return o.store.FindObject(ctx, collection, o.scoped(filter))
}

func (o *ops) findMany(ctx context.Context, collection string, filter store.Filter, opts *store.FindOptions) ([]map[string]any, error) {
	return o.store.FindObjects(ctx, collection, o.scoped(filter), opts)
}

// logStep builds the change-log create step paired with a mutation.
func (o *ops) logStep(changeType, collection string, objectID any, info map[string]any, backrefFrom int) store.BatchStep {
	fields := map[string]any{
		"type":        changeType,
		"collection":  collection,
		"createdWhen": o.now(),
		"user":        o.user,
		"device":      o.device,
	}
	if objectID != nil {
		fields["objectId"] = objectID
	}
	if info != nil {
		fields["info"] = info
	}
	step := store.CreateStep{Collection: schema.CollChangeLog, Fields: fields}
	if backrefFrom >= 0 {
		step.Backrefs = []store.Backref{{Field: "objectId", FromStep: backrefFrom}}
	}
	return store.BatchStep{Create: &step}
}

// stageCreate stages an entity insert plus its create log row. Ownership
// fields are forced; a server create timestamp is stamped unless the
// translator mapped a client-provided one onto the field already.
// The returned index can be wired into later steps as a backref target.
func (o *ops) stageCreate(collection string, fields map[string]any, backrefs ...store.Backref) int {
	entity := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		entity[k] = v
	}
	entity["user"] = o.user
	entity["createdByDevice"] = o.device
	if _, ok := entity["createdWhen"]; !ok {
		entity["createdWhen"] = o.now()
	}

	idx := len(o.steps)
	o.steps = append(o.steps, store.BatchStep{Create: &store.CreateStep{
		Collection: collection,
		Fields:     entity,
		Backrefs:   backrefs,
	}})
	o.steps = append(o.steps, o.logStep(schema.ChangeCreate, collection, nil, nil, idx))
	return idx
}

// stageUpdateByID stages a field update plus its modify log row.
func (o *ops) stageUpdateByID(collection, id string, updates map[string]any) {
	changed := make(map[string]any, len(updates)+1)
	for k, v := range updates {
		changed[k] = v
	}
	changed["updatedWhen"] = o.now()

	o.steps = append(o.steps, store.BatchStep{Update: &store.UpdateStep{
		Collection: collection,
		Filter:     o.scoped(store.Filter{store.IDField: id}),
		Updates:    changed,
	}})
	o.steps = append(o.steps, o.logStep(schema.ChangeModify, collection, id, nil, -1))
}

// deleteRef names one row to remove. Info carries the client-visible
// matcher stored on the delete log row, so a later download can still
// emit a client-shaped delete after the row itself is gone. Rows with
// no client-facing shape (cascade children) pass nil info.
type deleteRef struct {
	collection string
	id         string
	info       map[string]any
}

// stageDelete stages row removals, each paired with a delete log row.
func (o *ops) stageDelete(refs ...deleteRef) {
	for _, ref := range refs {
		o.steps = append(o.steps, store.BatchStep{Delete: &store.DeleteStep{
			Collection: ref.collection,
			Filter:     o.scoped(store.Filter{store.IDField: ref.id}),
		}})
		o.steps = append(o.steps, o.logStep(schema.ChangeDelete, ref.collection, ref.id, ref.info, -1))
	}
}

// flush commits everything staged as one atomic batch. A flush with no
// staged steps is a no-op, not an error: replayed deletes land here.
func (o *ops) flush(ctx context.Context) (*store.BatchResult, error) {
	if len(o.steps) == 0 {
		return &store.BatchResult{}, nil
	}
	steps := o.steps
	o.steps = nil
	res, err := o.store.ExecuteBatch(ctx, steps)
	if err != nil {
		return nil, fmt.Errorf("failed to commit update batch: %w", err)
	}
	return res, nil
}

// findOrStageCreate looks an entity up by natural key and stages a
// create when absent. Returns the existing row (nil if staged) and the
// step index of the staged create (-1 if the row already existed).
func (o *ops) findOrStageCreate(ctx context.Context, collection string, key store.Filter, fields map[string]any, backrefs ...store.Backref) (map[string]any, int, error) {
	existing, err := o.findOne(ctx, collection, key)
	if err == nil {
		return existing, -1, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, -1, err
	}
	return nil, o.stageCreate(collection, fields, backrefs...), nil
}
