// Package store defines the generic object-storage contract the sync
// layer is written against: create/find/update/delete over named
// collections, plus an atomic multi-step batch whose later steps may
// reference the generated ids of earlier steps.
//
// Two backends implement the contract: memstore (in-memory reference,
// used by the hub and tests) and sqlitestore (embedded SQLite, or a
// remote libSQL database for hosted deployments).
package store

import (
	"context"
	"errors"
)

// IDField is the generated primary key present on every stored object.
const IDField = "id"

// ErrNotFound is returned by FindObject when no object matches.
var ErrNotFound = errors.New("object not found")

// CondOp is a comparison operator usable in filter values.
type CondOp string

const (
	OpEq  CondOp = "eq"
	OpGt  CondOp = "gt"
	OpGte CondOp = "gte"
	OpLt  CondOp = "lt"
)

// Cond wraps a filter value with a non-equality comparison.
type Cond struct {
	Op    CondOp
	Value any
}

// Gt matches fields strictly greater than v.
func Gt(v any) Cond { return Cond{Op: OpGt, Value: v} }

// Lt matches fields strictly less than v.
func Lt(v any) Cond { return Cond{Op: OpLt, Value: v} }

// Filter selects objects by field value. Plain values match by equality;
// Cond values apply their operator. All entries must match (AND).
type Filter map[string]any

// Order names a sort field for FindObjects.
type Order struct {
	Field string
	Desc  bool
}

// FindOptions bound and order a FindObjects result set.
type FindOptions struct {
	Limit int
	Order []Order
}

// CreateStep inserts one object inside a batch. Backrefs patch fields
// with generated ids from earlier steps before the insert runs.
type CreateStep struct {
	Collection string
	Fields     map[string]any
	Backrefs   []Backref
}

// Backref wires the generated id of an earlier batch step into a field
// of this step, resolving the "id is not known yet" ordering problem
// without splitting the batch.
type Backref struct {
	Field    string
	FromStep int
}

// UpdateStep modifies all matching objects inside a batch.
type UpdateStep struct {
	Collection string
	Filter     Filter
	Updates    map[string]any
}

// DeleteStep removes all matching objects inside a batch.
type DeleteStep struct {
	Collection string
	Filter     Filter
}

// BatchStep is one operation in an atomic batch. Exactly one of the
// three fields is set.
type BatchStep struct {
	Create *CreateStep
	Update *UpdateStep
	Delete *DeleteStep
}

// BatchResult holds per-step outcomes: the created object for create
// steps, nil for update and delete steps.
type BatchResult struct {
	Objects []map[string]any
}

// Store is the abstract object store the translation layer runs on.
//
// Implementations must apply ExecuteBatch atomically: either every step
// lands or none does. This is what makes "entity write + log row" an
// indivisible unit, so no compensating-transaction logic exists anywhere
// above this interface.
type Store interface {
	// CreateObject inserts fields as a new object, generating an id if
	// the caller did not provide one, and returns the stored object.
	CreateObject(ctx context.Context, collection string, fields map[string]any) (map[string]any, error)

	// FindObject returns the first object matching filter, or ErrNotFound.
	FindObject(ctx context.Context, collection string, filter Filter) (map[string]any, error)

	// FindObjects returns all matching objects, honoring opts.
	FindObjects(ctx context.Context, collection string, filter Filter, opts *FindOptions) ([]map[string]any, error)

	// UpdateObjects applies updates to every matching object.
	UpdateObjects(ctx context.Context, collection string, filter Filter, updates map[string]any) error

	// DeleteObjects removes every matching object.
	DeleteObjects(ctx context.Context, collection string, filter Filter) error

	// ExecuteBatch runs steps in order inside one atomic unit.
	ExecuteBatch(ctx context.Context, steps []BatchStep) (*BatchResult, error)
}
