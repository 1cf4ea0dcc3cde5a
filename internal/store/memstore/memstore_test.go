package memstore

import (
	"context"
	"testing"

	"github.com/pagekeep/pagekeep/internal/store"
)

func TestCreateAndFind(t *testing.T) {
	s := New()
	ctx := context.Background()

	obj, err := s.CreateObject(ctx, "things", map[string]any{"user": "u1", "name": "a"})
	if err != nil {
		t.Fatalf("CreateObject: %v", err)
	}
	if obj[store.IDField] == "" {
		t.Fatal("expected generated id")
	}

	found, err := s.FindObject(ctx, "things", store.Filter{"name": "a"})
	if err != nil {
		t.Fatalf("FindObject: %v", err)
	}
	if found[store.IDField] != obj[store.IDField] {
		t.Errorf("found wrong object: %v", found)
	}

	if _, err := s.FindObject(ctx, "things", store.Filter{"name": "missing"}); err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestNumericFilterTolerance(t *testing.T) {
	s := New()
	ctx := context.Background()

	// JSON decoding hands us float64; Go call sites use int64. Both must
	// hit the same row.
	if _, err := s.CreateObject(ctx, "things", map[string]any{"when": float64(100)}); err != nil {
		t.Fatalf("CreateObject: %v", err)
	}
	if _, err := s.FindObject(ctx, "things", store.Filter{"when": int64(100)}); err != nil {
		t.Errorf("int64 filter missed float64 field: %v", err)
	}
}

func TestFindObjectsOrderAndLimit(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, when := range []int64{30, 10, 20, 40} {
		if _, err := s.CreateObject(ctx, "log", map[string]any{"when": when}); err != nil {
			t.Fatalf("CreateObject: %v", err)
		}
	}

	objs, err := s.FindObjects(ctx, "log",
		store.Filter{"when": store.Gt(int64(10))},
		&store.FindOptions{Limit: 2, Order: []store.Order{{Field: "when"}}})
	if err != nil {
		t.Fatalf("FindObjects: %v", err)
	}
	if len(objs) != 2 {
		t.Fatalf("expected 2 objects, got %d", len(objs))
	}
	if objs[0]["when"].(int64) != 20 || objs[1]["when"].(int64) != 30 {
		t.Errorf("wrong order: %v", objs)
	}
}

func TestUpdateObjects(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.CreateObject(ctx, "things", map[string]any{"name": "a", "v": int64(1)}); err != nil {
		t.Fatalf("CreateObject: %v", err)
	}
	if err := s.UpdateObjects(ctx, "things", store.Filter{"name": "a"}, map[string]any{"v": int64(2)}); err != nil {
		t.Fatalf("UpdateObjects: %v", err)
	}
	obj, err := s.FindObject(ctx, "things", store.Filter{"name": "a"})
	if err != nil {
		t.Fatalf("FindObject: %v", err)
	}
	if obj["v"].(int64) != 2 {
		t.Errorf("update not applied: %v", obj)
	}
}

func TestBatchBackreference(t *testing.T) {
	s := New()
	ctx := context.Background()

	res, err := s.ExecuteBatch(ctx, []store.BatchStep{
		{Create: &store.CreateStep{Collection: "metadata", Fields: map[string]any{"title": "X"}}},
		{Create: &store.CreateStep{
			Collection: "log",
			Fields:     map[string]any{"type": "create"},
			Backrefs:   []store.Backref{{Field: "objectId", FromStep: 0}},
		}},
	})
	if err != nil {
		t.Fatalf("ExecuteBatch: %v", err)
	}

	metaID := res.Objects[0][store.IDField]
	if res.Objects[1]["objectId"] != metaID {
		t.Errorf("backref not resolved: log row %v, metadata id %v", res.Objects[1], metaID)
	}

	stored, err := s.FindObject(ctx, "log", store.Filter{"type": "create"})
	if err != nil {
		t.Fatalf("FindObject: %v", err)
	}
	if stored["objectId"] != metaID {
		t.Errorf("stored log row missing backref id: %v", stored)
	}
}

func TestBatchAtomicRollback(t *testing.T) {
	s := New()
	ctx := context.Background()

	// A forward backref is invalid and must abort the whole batch,
	// including the already-applied first step.
	_, err := s.ExecuteBatch(ctx, []store.BatchStep{
		{Create: &store.CreateStep{Collection: "metadata", Fields: map[string]any{"title": "X"}}},
		{Create: &store.CreateStep{
			Collection: "log",
			Fields:     map[string]any{"type": "create"},
			Backrefs:   []store.Backref{{Field: "objectId", FromStep: 5}},
		}},
	})
	if err == nil {
		t.Fatal("expected batch error")
	}

	if _, err := s.FindObject(ctx, "metadata", store.Filter{"title": "X"}); err != store.ErrNotFound {
		t.Errorf("first step leaked out of failed batch: %v", err)
	}
}

func TestBatchMixedSteps(t *testing.T) {
	s := New()
	ctx := context.Background()

	obj, err := s.CreateObject(ctx, "things", map[string]any{"name": "a", "v": int64(1)})
	if err != nil {
		t.Fatalf("CreateObject: %v", err)
	}

	if _, err := s.ExecuteBatch(ctx, []store.BatchStep{
		{Update: &store.UpdateStep{Collection: "things", Filter: store.Filter{"name": "a"}, Updates: map[string]any{"v": int64(2)}}},
		{Delete: &store.DeleteStep{Collection: "other", Filter: store.Filter{"name": "zzz"}}},
		{Create: &store.CreateStep{Collection: "log", Fields: map[string]any{"objectId": obj[store.IDField]}}},
	}); err != nil {
		t.Fatalf("ExecuteBatch: %v", err)
	}

	updated, err := s.FindObject(ctx, "things", store.Filter{"name": "a"})
	if err != nil {
		t.Fatalf("FindObject: %v", err)
	}
	if updated["v"].(int64) != 2 {
		t.Errorf("batch update not applied: %v", updated)
	}
}

func TestReadsReturnCopies(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.CreateObject(ctx, "things", map[string]any{"name": "a"}); err != nil {
		t.Fatalf("CreateObject: %v", err)
	}
	obj, err := s.FindObject(ctx, "things", store.Filter{"name": "a"})
	if err != nil {
		t.Fatalf("FindObject: %v", err)
	}
	obj["name"] = "mutated"

	again, err := s.FindObject(ctx, "things", store.Filter{"name": "a"})
	if err != nil {
		t.Fatalf("FindObject after caller mutation: %v", err)
	}
	if again["name"] != "a" {
		t.Error("caller mutation leaked into the store")
	}
}
