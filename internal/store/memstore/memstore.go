// Package memstore is the in-memory reference implementation of the
// object store contract. It backs the in-process sync hub and the test
// suites; production deployments use sqlitestore.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pagekeep/pagekeep/internal/store"
)

// Store holds collections of objects in process memory. All methods are
// safe for concurrent use; every call observes and produces a consistent
// snapshot under one mutex, which also gives ExecuteBatch its atomicity.
type Store struct {
	mu   sync.RWMutex
	data map[string]map[string]map[string]any // collection -> id -> object
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{data: make(map[string]map[string]map[string]any)}
}

var _ store.Store = (*Store)(nil)

// CreateObject implements store.Store.
func (s *Store) CreateObject(ctx context.Context, collection string, fields map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, err := s.createLocked(collection, fields)
	if err != nil {
		return nil, err
	}
	return cloneObject(obj), nil
}

func (s *Store) createLocked(collection string, fields map[string]any) (map[string]any, error) {
	obj := cloneObject(fields)
	id, _ := obj[store.IDField].(string)
	if id == "" {
		id = uuid.NewString()
		obj[store.IDField] = id
	}
	coll := s.data[collection]
	if coll == nil {
		coll = make(map[string]map[string]any)
		s.data[collection] = coll
	}
	if _, exists := coll[id]; exists {
		return nil, fmt.Errorf("duplicate id %q in collection %q", id, collection)
	}
	coll[id] = obj
	return obj, nil
}

// FindObject implements store.Store.
func (s *Store) FindObject(ctx context.Context, collection string, filter store.Filter) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, obj := range s.data[collection] {
		if matches(obj, filter) {
			return cloneObject(obj), nil
		}
	}
	return nil, store.ErrNotFound
}

// FindObjects implements store.Store.
func (s *Store) FindObjects(ctx context.Context, collection string, filter store.Filter, opts *store.FindOptions) ([]map[string]any, error) {
	s.mu.RLock()
	var result []map[string]any
	for _, obj := range s.data[collection] {
		if matches(obj, filter) {
			result = append(result, cloneObject(obj))
		}
	}
	s.mu.RUnlock()

	if opts != nil && len(opts.Order) > 0 {
		sortObjects(result, opts.Order)
	}
	if opts != nil && opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// UpdateObjects implements store.Store.
func (s *Store) UpdateObjects(ctx context.Context, collection string, filter store.Filter, updates map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateLocked(collection, filter, updates)
	return nil
}

func (s *Store) updateLocked(collection string, filter store.Filter, updates map[string]any) {
	for _, obj := range s.data[collection] {
		if matches(obj, filter) {
			for k, v := range updates {
				obj[k] = cloneValue(v)
			}
		}
	}
}

// DeleteObjects implements store.Store.
func (s *Store) DeleteObjects(ctx context.Context, collection string, filter store.Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(collection, filter)
	return nil
}

func (s *Store) deleteLocked(collection string, filter store.Filter) {
	coll := s.data[collection]
	for id, obj := range coll {
		if matches(obj, filter) {
			delete(coll, id)
		}
	}
}

// ExecuteBatch implements store.Store. Steps run in order under the
// write lock; a failing step leaves earlier steps unapplied by staging
// every touched collection before the first mutation.
func (s *Store) ExecuteBatch(ctx context.Context, steps []store.BatchStep) (*store.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Stage clones of the collections this batch touches so a mid-batch
	// failure cannot leave a half-applied state.
	staged := make(map[string]map[string]map[string]any)
	stage := func(collection string) {
		if _, ok := staged[collection]; ok {
			return
		}
		clone := make(map[string]map[string]any, len(s.data[collection]))
		for id, obj := range s.data[collection] {
			clone[id] = obj
		}
		staged[collection] = clone
		s.data[collection] = clone
	}
	savepoint := make(map[string]map[string]map[string]any)
	for coll := range s.data {
		savepoint[coll] = s.data[coll]
	}

	result := &store.BatchResult{Objects: make([]map[string]any, len(steps))}
	for i, step := range steps {
		switch {
		case step.Create != nil:
			stage(step.Create.Collection)
			fields := cloneObject(step.Create.Fields)
			for _, ref := range step.Create.Backrefs {
				if ref.FromStep < 0 || ref.FromStep >= i || result.Objects[ref.FromStep] == nil {
					s.rollback(savepoint)
					return nil, fmt.Errorf("batch step %d: backref to invalid step %d", i, ref.FromStep)
				}
				fields[ref.Field] = result.Objects[ref.FromStep][store.IDField]
			}
			obj, err := s.createLocked(step.Create.Collection, fields)
			if err != nil {
				s.rollback(savepoint)
				return nil, fmt.Errorf("batch step %d: %w", i, err)
			}
			result.Objects[i] = cloneObject(obj)
		case step.Update != nil:
			stage(step.Update.Collection)
			// Clone matched objects before updating them in place, so the
			// savepoint still holds the originals.
			coll := s.data[step.Update.Collection]
			for id, obj := range coll {
				if matches(obj, step.Update.Filter) {
					updated := cloneObject(obj)
					for k, v := range step.Update.Updates {
						updated[k] = cloneValue(v)
					}
					coll[id] = updated
				}
			}
		case step.Delete != nil:
			stage(step.Delete.Collection)
			s.deleteLocked(step.Delete.Collection, step.Delete.Filter)
		default:
			s.rollback(savepoint)
			return nil, fmt.Errorf("batch step %d: empty step", i)
		}
	}
	return result, nil
}

func (s *Store) rollback(savepoint map[string]map[string]map[string]any) {
	for coll := range s.data {
		if _, ok := savepoint[coll]; !ok {
			delete(s.data, coll)
		}
	}
	for coll, objs := range savepoint {
		s.data[coll] = objs
	}
}

// matches reports whether obj satisfies every filter entry.
func matches(obj map[string]any, filter store.Filter) bool {
	for field, want := range filter {
		got, ok := obj[field]
		if cond, isCond := want.(store.Cond); isCond {
			if !ok || !compareCond(got, cond) {
				return false
			}
			continue
		}
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

func compareCond(got any, cond store.Cond) bool {
	switch cond.Op {
	case store.OpEq:
		return valuesEqual(got, cond.Value)
	case store.OpGt, store.OpGte, store.OpLt:
		a, aok := asFloat(got)
		b, bok := asFloat(cond.Value)
		if !aok || !bok {
			return false
		}
		switch cond.Op {
		case store.OpGt:
			return a > b
		case store.OpGte:
			return a >= b
		default:
			return a < b
		}
	}
	return false
}

// valuesEqual compares with numeric tolerance: JSON decoding produces
// float64 while Go call sites pass int64, and the two must match.
func valuesEqual(a, b any) bool {
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return af == bf
		}
		return false
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

func sortObjects(objs []map[string]any, order []store.Order) {
	sort.SliceStable(objs, func(i, j int) bool {
		for _, o := range order {
			a, b := objs[i][o.Field], objs[j][o.Field]
			c := compareValues(a, b)
			if c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func compareValues(a, b any) int {
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		}
	}
	return 0
}

func cloneObject(obj map[string]any) map[string]any {
	if obj == nil {
		return nil
	}
	clone := make(map[string]any, len(obj))
	for k, v := range obj {
		clone[k] = cloneValue(v)
	}
	return clone
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneObject(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	}
	return v
}
