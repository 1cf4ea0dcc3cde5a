package sync

import (
	"context"
	"fmt"
	"io"
	"log"
	"testing"

	"github.com/pagekeep/pagekeep/internal/schema"
	"github.com/pagekeep/pagekeep/internal/store"
	"github.com/pagekeep/pagekeep/internal/store/memstore"
)

// testClock hands out deterministic, strictly increasing timestamps.
type testClock struct{ t int64 }

func (c *testClock) now() int64 {
	c.t++
	return c.t
}

// setupTranslator builds a translator over a fresh in-memory store.
func setupTranslator(t *testing.T) (*Translator, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	tr := New(st, &Config{
		Now:    (&testClock{}).now,
		Logger: log.New(io.Discard, "", 0),
	})
	return tr, st
}

func push(t *testing.T, tr *Translator, user, collection string, obj map[string]any) []Instruction {
	t.Helper()
	instructions, err := tr.PushUpdate(context.Background(), user, PushUpdate{
		Type:          UpdateOverwrite,
		Collection:    collection,
		Object:        obj,
		DeviceID:      "d1",
		SchemaVersion: "v1",
	})
	if err != nil {
		t.Fatalf("push %s: %v", collection, err)
	}
	return instructions
}

func pushDelete(t *testing.T, tr *Translator, user, collection string, where map[string]any) {
	t.Helper()
	if _, err := tr.PushUpdate(context.Background(), user, PushUpdate{
		Type:          UpdateDelete,
		Collection:    collection,
		Where:         where,
		DeviceID:      "d1",
		SchemaVersion: "v1",
	}); err != nil {
		t.Fatalf("delete %s: %v", collection, err)
	}
}

func pull(t *testing.T, tr *Translator, user string, cursor int64, pageSize int) *PullResult {
	t.Helper()
	res, err := tr.Pull(context.Background(), user, cursor, pageSize)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	return res
}

// fieldEq compares field values with numeric tolerance, since the
// SQLite backend returns JSON numbers as float64.
func fieldEq(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// findOverwrites returns all overwrite updates for a collection whose
// object matches every key in want.
func findOverwrites(batch []ClientUpdate, collection string, want map[string]any) []ClientUpdate {
	var out []ClientUpdate
	for _, u := range batch {
		if u.Type != UpdateOverwrite || u.Collection != collection {
			continue
		}
		ok := true
		for k, v := range want {
			if !fieldEq(u.Object[k], v) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, u)
		}
	}
	return out
}

func TestPageRoundTrip(t *testing.T) {
	tr, _ := setupTranslator(t)
	push(t, tr, "u1", schema.ClientPages, map[string]any{
		"url": "https://www.Example.com/article", "fullTitle": "An Article", "lang": "en",
	})

	res := pull(t, tr, "u1", 0, 10)
	got := findOverwrites(res.Batch, schema.ClientPages, map[string]any{
		"url": "example.com/article", "fullTitle": "An Article", "lang": "en", "domain": "example.com",
	})
	if len(got) != 1 {
		t.Fatalf("expected exactly one page overwrite, batch: %+v", res.Batch)
	}
	if res.MaybeHasMore {
		t.Error("short page must not report maybeHasMore")
	}
}

func TestConcreteScenario(t *testing.T) {
	st := memstore.New()
	tr := New(st, &Config{
		Now:    func() int64 { return 100 }, // server time frozen at 100
		Logger: log.New(io.Discard, "", 0),
	})

	if _, err := tr.PushUpdate(context.Background(), "u1", PushUpdate{
		Type:          UpdateOverwrite,
		Collection:    schema.ClientPages,
		Object:        map[string]any{"url": "x.com", "fullTitle": "X"},
		DeviceID:      "d1",
		SchemaVersion: "v1",
	}); err != nil {
		t.Fatalf("push: %v", err)
	}

	res := pull(t, tr, "u1", 0, 10)
	if len(res.Batch) != 1 {
		t.Fatalf("expected batch of 1, got %+v", res.Batch)
	}
	u := res.Batch[0]
	if u.Type != UpdateOverwrite || u.Collection != schema.ClientPages {
		t.Fatalf("unexpected update: %+v", u)
	}
	if u.Object["url"] != "x.com" || u.Object["fullTitle"] != "X" {
		t.Errorf("object fields lost in translation: %+v", u.Object)
	}
	if res.LastSeen != 100 {
		t.Errorf("lastSeen = %d, want 100", res.LastSeen)
	}
	if res.MaybeHasMore {
		t.Error("maybeHasMore should be false")
	}
}

func TestRoundTripAllCollections(t *testing.T) {
	tr, _ := setupTranslator(t)
	user := "u1"

	// Prerequisites: a page, an annotation, and a list for the
	// records that reference them.
	push(t, tr, user, schema.ClientPages, map[string]any{"url": "x.com/a", "fullTitle": "A"})
	annotationURL := schema.JoinAnnotationURL("x.com/a", "1700000000001")
	push(t, tr, user, schema.ClientAnnotations, map[string]any{
		"url": annotationURL, "comment": "note", "body": "quoted text",
	})
	push(t, tr, user, schema.ClientCustomLists, map[string]any{
		"id": int64(7), "name": "Reading", "isDeletable": true,
	})

	tests := []struct {
		collection string
		object     map[string]any
		want       map[string]any
	}{
		{schema.ClientVisits,
			map[string]any{"url": "x.com/a", "time": int64(1700000000500), "duration": int64(30)},
			map[string]any{"url": "x.com/a", "time": int64(1700000000500), "duration": int64(30)}},
		{schema.ClientTags,
			map[string]any{"name": "golang", "url": "x.com/a"},
			map[string]any{"name": "golang", "url": "x.com/a"}},
		{schema.ClientTags,
			map[string]any{"name": "golang", "url": annotationURL},
			map[string]any{"name": "golang", "url": annotationURL}},
		{schema.ClientPageListEntries,
			map[string]any{"listId": int64(7), "pageUrl": "x.com/a", "createdAt": int64(123)},
			map[string]any{"listId": int64(7), "pageUrl": "x.com/a", "createdAt": int64(123)}},
		{schema.ClientTemplates,
			map[string]any{"id": int64(3), "title": "Cite", "code": "{{title}}", "isFavourite": true},
			map[string]any{"id": int64(3), "title": "Cite", "code": "{{title}}", "isFavourite": true}},
		{schema.ClientSharedListMeta,
			map[string]any{"localId": int64(7), "remoteId": "r-88"},
			map[string]any{"localId": int64(7), "remoteId": "r-88"}},
		{schema.ClientSharedAnnotMeta,
			map[string]any{"localId": annotationURL, "remoteId": "ra-5"},
			map[string]any{"localId": annotationURL, "remoteId": "ra-5"}},
		{schema.ClientAnnotPrivacyLevel,
			map[string]any{"annotation": annotationURL, "privacyLevel": schema.PrivacyShared},
			map[string]any{"annotation": annotationURL, "privacyLevel": schema.PrivacyShared}},
	}

	for _, tt := range tests {
		push(t, tr, user, tt.collection, tt.object)
	}

	res := pull(t, tr, user, 0, 100)

	// The annotation itself round-trips too.
	if got := findOverwrites(res.Batch, schema.ClientAnnotations, map[string]any{
		"url": annotationURL, "comment": "note", "body": "quoted text", "pageUrl": "x.com/a",
	}); len(got) == 0 {
		t.Errorf("annotation did not round-trip, batch: %+v", res.Batch)
	}
	if got := findOverwrites(res.Batch, schema.ClientCustomLists, map[string]any{
		"id": int64(7), "name": "Reading", "isDeletable": true,
	}); len(got) == 0 {
		t.Errorf("list did not round-trip")
	}
	for _, tt := range tests {
		if got := findOverwrites(res.Batch, tt.collection, tt.want); len(got) == 0 {
			t.Errorf("%s did not round-trip: want %+v in %+v", tt.collection, tt.want, res.Batch)
		}
	}
}

func TestIdempotentOverwrite(t *testing.T) {
	tr, st := setupTranslator(t)
	obj := map[string]any{"url": "x.com/a", "fullTitle": "A"}
	push(t, tr, "u1", schema.ClientPages, obj)
	push(t, tr, "u1", schema.ClientPages, obj)

	// Exactly one normalized row.
	rows, err := st.FindObjects(context.Background(), schema.CollContentMetadata,
		store.Filter{"user": "u1"}, nil)
	if err != nil {
		t.Fatalf("FindObjects: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 metadata row, got %d", len(rows))
	}

	// Two field-identical page overwrites on pull.
	res := pull(t, tr, "u1", 0, 100)
	got := findOverwrites(res.Batch, schema.ClientPages, map[string]any{
		"url": "x.com/a", "fullTitle": "A",
	})
	if len(got) != 2 {
		t.Fatalf("expected 2 page overwrites, got %d: %+v", len(got), res.Batch)
	}
}

func TestCreateThenDeleteConverges(t *testing.T) {
	tr, _ := setupTranslator(t)
	push(t, tr, "u1", schema.ClientPages, map[string]any{"url": "x.com/a", "fullTitle": "A"})
	pushDelete(t, tr, "u1", schema.ClientPages, map[string]any{"url": "x.com/a"})

	res := pull(t, tr, "u1", 0, 100)

	// Apply client-side: pages keyed by url.
	pages := map[string]map[string]any{}
	for _, u := range res.Batch {
		if u.Collection != schema.ClientPages {
			continue
		}
		switch u.Type {
		case UpdateOverwrite:
			pages[schema.Str(u.Object, "url")] = u.Object
		case UpdateDelete:
			delete(pages, schema.Str(u.Where, "url"))
		}
	}
	if len(pages) != 0 {
		t.Errorf("client state did not converge to absent: %+v", pages)
	}
}

func TestDeleteReplayIsNoop(t *testing.T) {
	tr, st := setupTranslator(t)
	push(t, tr, "u1", schema.ClientPages, map[string]any{"url": "x.com/a", "fullTitle": "A"})
	pushDelete(t, tr, "u1", schema.ClientPages, map[string]any{"url": "x.com/a"})
	pushDelete(t, tr, "u1", schema.ClientPages, map[string]any{"url": "x.com/a"}) // replay

	// The replay must add no log rows: page create (metadata+locator)
	// plus one delete each for metadata and locator.
	rows, err := st.FindObjects(context.Background(), schema.CollChangeLog,
		store.Filter{"user": "u1"}, nil)
	if err != nil {
		t.Fatalf("FindObjects: %v", err)
	}
	if len(rows) != 4 {
		t.Errorf("expected 4 log rows, got %d", len(rows))
	}
}

func TestPaginationEquivalence(t *testing.T) {
	tr, _ := setupTranslator(t)
	for i := 0; i < 5; i++ {
		push(t, tr, "u1", schema.ClientPages, map[string]any{
			"url": fmt.Sprintf("x.com/p%d", i), "fullTitle": fmt.Sprintf("P%d", i),
		})
	}

	// One big pull.
	all := pull(t, tr, "u1", 0, 1000)
	if all.MaybeHasMore {
		t.Fatal("big pull should not report maybeHasMore")
	}

	// Paginated pulls, stepping the cursor. 5 pages produce 10 log rows
	// (metadata + locator each); with K=3 the last page is short.
	var paged []ClientUpdate
	cursor := int64(0)
	pages := 0
	for {
		res := pull(t, tr, "u1", cursor, 3)
		paged = append(paged, res.Batch...)
		pages++
		if !res.MaybeHasMore {
			if len(res.Batch) == 3 {
				t.Error("full page reported maybeHasMore=false before the end")
			}
			break
		}
		if res.LastSeen == cursor {
			t.Fatal("cursor did not advance")
		}
		cursor = res.LastSeen
	}

	if pages != 4 {
		t.Errorf("expected 4 pages for 10 log rows at size 3, got %d", pages)
	}
	if len(paged) != len(all.Batch) {
		t.Fatalf("paginated total %d != single-pull total %d", len(paged), len(all.Batch))
	}
	for i := range paged {
		if paged[i].Collection != all.Batch[i].Collection ||
			!fieldEq(paged[i].Object["url"], all.Batch[i].Object["url"]) {
			t.Errorf("page %d diverges: %+v vs %+v", i, paged[i], all.Batch[i])
		}
	}
}

func TestCrossUserIsolation(t *testing.T) {
	tr, _ := setupTranslator(t)
	push(t, tr, "alice", schema.ClientPages, map[string]any{"url": "x.com/a", "fullTitle": "A"})

	for _, cursor := range []int64{0, 1, 100} {
		res := pull(t, tr, "bob", cursor, 100)
		if len(res.Batch) != 0 {
			t.Fatalf("user isolation broken at cursor %d: %+v", cursor, res.Batch)
		}
		if res.LastSeen != cursor {
			t.Errorf("empty pull moved the cursor: %d -> %d", cursor, res.LastSeen)
		}
	}
}

func TestDeleteCascadesToLocators(t *testing.T) {
	tr, st := setupTranslator(t)
	push(t, tr, "u1", schema.ClientPages, map[string]any{"url": "x.com/a", "fullTitle": "A"})
	pushDelete(t, tr, "u1", schema.ClientPages, map[string]any{"url": "x.com/a"})

	locators, err := st.FindObjects(context.Background(), schema.CollContentLocator,
		store.Filter{"user": "u1"}, nil)
	if err != nil {
		t.Fatalf("FindObjects: %v", err)
	}
	if len(locators) != 0 {
		t.Errorf("locators survived metadata delete: %+v", locators)
	}

	// Tag-target resolution for the vanished page must now fail.
	_, err = tr.PushUpdate(context.Background(), "u1", PushUpdate{
		Type:          UpdateOverwrite,
		Collection:    schema.ClientTags,
		Object:        map[string]any{"name": "golang", "url": "x.com/a"},
		DeviceID:      "d1",
		SchemaVersion: "v1",
	})
	if err == nil {
		t.Fatal("expected missing-target error")
	}
}

func TestSelectorLifecycle(t *testing.T) {
	tr, st := setupTranslator(t)
	url := schema.JoinAnnotationURL("x.com/a", "42")

	push(t, tr, "u1", schema.ClientAnnotations, map[string]any{
		"url": url, "comment": "c",
		"selector": map[string]any{"kind": "range", "start": int64(3)},
	})
	res := pull(t, tr, "u1", 0, 100)
	anns := findOverwrites(res.Batch, schema.ClientAnnotations, map[string]any{"url": url})
	if len(anns) == 0 {
		t.Fatal("annotation missing from pull")
	}
	sel := schema.Map(anns[0].Object, "selector")
	if sel == nil || sel["kind"] != "range" {
		t.Fatalf("selector lost: %+v", anns[0].Object)
	}

	// Replaying without a selector removes the selector row.
	push(t, tr, "u1", schema.ClientAnnotations, map[string]any{"url": url, "comment": "c"})
	rows, err := st.FindObjects(context.Background(), schema.CollAnnotSelector,
		store.Filter{"user": "u1"}, nil)
	if err != nil {
		t.Fatalf("FindObjects: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("selector row survived replay without selector: %+v", rows)
	}
}

func TestVisitScaffoldsUnknownPage(t *testing.T) {
	tr, _ := setupTranslator(t)
	push(t, tr, "u1", schema.ClientVisits, map[string]any{
		"url": "x.com/fresh", "time": int64(555),
	})

	res := pull(t, tr, "u1", 0, 100)
	if got := findOverwrites(res.Batch, schema.ClientVisits, map[string]any{
		"url": "x.com/fresh", "time": int64(555),
	}); len(got) == 0 {
		t.Error("visit did not round-trip")
	}
	if got := findOverwrites(res.Batch, schema.ClientPages, map[string]any{
		"url": "x.com/fresh",
	}); len(got) == 0 {
		t.Error("visit to unknown page did not scaffold the page")
	}
}

func TestListEntrySkipsUnknownList(t *testing.T) {
	tr, _ := setupTranslator(t)
	push(t, tr, "u1", schema.ClientPageListEntries, map[string]any{
		"listId": int64(99), "pageUrl": "x.com/a",
	})
	res := pull(t, tr, "u1", 0, 100)
	for _, u := range res.Batch {
		if u.Collection == schema.ClientPageListEntries {
			t.Fatalf("entry for unknown list leaked: %+v", u)
		}
	}
}

func TestAuthBoundary(t *testing.T) {
	tr, _ := setupTranslator(t)

	_, err := tr.PushUpdate(context.Background(), "", PushUpdate{
		Type: UpdateOverwrite, Collection: schema.ClientPages,
		Object: map[string]any{"url": "x.com"}, SchemaVersion: "v1",
	})
	if err != ErrUnauthenticated {
		t.Errorf("push without user: got %v", err)
	}
	if _, err := tr.Pull(context.Background(), "", 0, 10); err != ErrUnauthenticated {
		t.Errorf("pull without user: got %v", err)
	}
}

func TestSchemaVersionRejected(t *testing.T) {
	tr, _ := setupTranslator(t)
	for _, v := range []string{"", "v2", "nonsense"} {
		_, err := tr.PushUpdate(context.Background(), "u1", PushUpdate{
			Type: UpdateOverwrite, Collection: schema.ClientPages,
			Object: map[string]any{"url": "x.com"}, SchemaVersion: v,
		})
		if err == nil {
			t.Errorf("schema version %q accepted", v)
		}
	}
}

func TestUpdatesVisibleThroughOldLogRows(t *testing.T) {
	tr, _ := setupTranslator(t)
	push(t, tr, "u1", schema.ClientPages, map[string]any{"url": "x.com/a", "fullTitle": "Old"})
	push(t, tr, "u1", schema.ClientPages, map[string]any{"url": "x.com/a", "fullTitle": "New"})

	// Both log rows resolve against the current snapshot: even the
	// older row reflects the later title.
	res := pull(t, tr, "u1", 0, 100)
	for _, u := range findOverwrites(res.Batch, schema.ClientPages, nil) {
		if u.Object["fullTitle"] != "New" {
			t.Errorf("stale snapshot emitted: %+v", u.Object)
		}
	}
}

func TestExternalizeInstruction(t *testing.T) {
	st := memstore.New()
	tr := New(st, &Config{
		Now:                  (&testClock{}).now,
		Logger:               log.New(io.Discard, "", 0),
		ExternalizeThreshold: 8,
	})

	instructions := push(t, tr, "u1", schema.ClientPages, map[string]any{
		"url": "x.com/a", "fullTitle": "A",
		"pageContent": "this is definitely longer than eight bytes",
	})
	if len(instructions) != 1 {
		t.Fatalf("expected one instruction, got %+v", instructions)
	}
	in := instructions[0]
	if in.Type != InstructionUploadToStorage || in.Field != "pageContent" || in.Path == "" {
		t.Errorf("malformed instruction: %+v", in)
	}

	// The oversized field must not land in the normalized store.
	meta, err := st.FindObject(context.Background(), schema.CollContentMetadata,
		store.Filter{"user": "u1"})
	if err != nil {
		t.Fatalf("FindObject: %v", err)
	}
	if _, inlined := meta["pageContent"]; inlined {
		t.Error("oversized field stored inline despite instruction")
	}
}

func TestUntrustedUserTrustedDevice(t *testing.T) {
	tr, st := setupTranslator(t)

	// A payload claiming another user must still land under the
	// authenticated one; the device id is taken as given.
	if _, err := tr.PushUpdate(context.Background(), "alice", PushUpdate{
		Type:       UpdateOverwrite,
		Collection: schema.ClientPages,
		Object: map[string]any{
			"url": "x.com/a", "fullTitle": "A", "user": "mallory",
		},
		DeviceID:      "laptop",
		SchemaVersion: "v1",
	}); err != nil {
		t.Fatalf("push: %v", err)
	}

	meta, err := st.FindObject(context.Background(), schema.CollContentMetadata,
		store.Filter{"title": "A"})
	if err != nil {
		t.Fatalf("FindObject: %v", err)
	}
	if meta["user"] != "alice" {
		t.Errorf("payload user id trusted: row owned by %v", meta["user"])
	}
	if meta["createdByDevice"] != "laptop" {
		t.Errorf("device attribution lost: %v", meta["createdByDevice"])
	}

	logRow, err := st.FindObject(context.Background(), schema.CollChangeLog,
		store.Filter{"collection": schema.CollContentMetadata})
	if err != nil {
		t.Fatalf("FindObject: %v", err)
	}
	if logRow["user"] != "alice" || logRow["device"] != "laptop" {
		t.Errorf("log row attribution wrong: %+v", logRow)
	}
}

func TestPageDeleteKeepsClientMatcher(t *testing.T) {
	tr, _ := setupTranslator(t)

	raw := "https://www.Example.com/Article"
	push(t, tr, "u1", schema.ClientPages, map[string]any{"url": raw, "fullTitle": "A"})
	pushDelete(t, tr, "u1", schema.ClientPages, map[string]any{"url": raw})

	res := pull(t, tr, "u1", 0, 50)
	var deletes []ClientUpdate
	for _, u := range res.Batch {
		if u.Type == UpdateDelete && u.Collection == schema.ClientPages {
			deletes = append(deletes, u)
		}
	}
	if len(deletes) != 1 {
		t.Fatalf("got %d page deletes, want 1", len(deletes))
	}
	// The delete carries the matcher exactly as the client sent it, not
	// the normalized location used for storage lookup.
	if got := schema.Str(deletes[0].Where, "url"); got != raw {
		t.Errorf("delete matcher url = %q, want %q", got, raw)
	}
}
