package media

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestPutGetRoundTrip(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	path := "u/u1/pages/abcd1234/pageContent"

	if err := store.Put(ctx, path, strings.NewReader("full page text")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rc, err := store.Get(ctx, path)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "full page text" {
		t.Errorf("blob corrupted: %q", data)
	}
}

func TestPutReplaces(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "u/u1/a", strings.NewReader("old")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Put(ctx, "u/u1/a", strings.NewReader("new")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rc, err := store.Get(ctx, "u/u1/a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "new" {
		t.Errorf("got %q, want replacement", data)
	}
}

func TestGetMissing(t *testing.T) {
	store := setupStore(t)
	if _, err := store.Get(context.Background(), "u/u1/nothing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestPathTraversalRejected(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	for _, path := range []string{
		"../escape",
		"u/../../escape",
		"/etc/passwd",
		"",
	} {
		if err := store.Put(ctx, path, strings.NewReader("x")); !errors.Is(err, ErrBadPath) {
			t.Errorf("Put(%q): got %v, want ErrBadPath", path, err)
		}
		if _, err := store.Get(ctx, path); !errors.Is(err, ErrBadPath) {
			t.Errorf("Get(%q): got %v, want ErrBadPath", path, err)
		}
	}
}

func TestDeleteIdempotent(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "u/u1/a", strings.NewReader("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Delete(ctx, "u/u1/a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx, "u/u1/a"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
	ok, err := store.Exists(ctx, "u/u1/a")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Error("blob still exists after delete")
	}
}

func TestWatcherSeesUploads(t *testing.T) {
	store := setupStore(t)
	watcher, err := NewWatcher(store)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer watcher.Stop()

	path := "u/u1/pages/abcd1234/pageContent"
	if err := store.Put(context.Background(), path, strings.NewReader("payload")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-watcher.Events():
			if ev.Path == path && ev.Op == OpStored {
				return
			}
		case err := <-watcher.Errors():
			t.Fatalf("watch error: %v", err)
		case <-deadline:
			t.Fatal("upload never observed")
		}
	}
}

func TestWatcherStopIsClean(t *testing.T) {
	store := setupStore(t)
	watcher, err := NewWatcher(store)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !watcher.IsRunning() {
		t.Error("watcher not running after Start")
	}
	if err := watcher.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if watcher.IsRunning() {
		t.Error("watcher still running after Stop")
	}
	if _, open := <-watcher.Events(); open {
		t.Error("events channel still open after Stop")
	}
	// Stopping twice is harmless.
	if err := watcher.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}
