package media

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EventOp represents the kind of blob event observed.
type EventOp int

const (
	// OpStored indicates a blob finished landing on disk.
	OpStored EventOp = iota
	// OpRemoved indicates a blob was deleted.
	OpRemoved
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpStored:
		return "stored"
	case OpRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// BlobEvent reports one blob appearing in or vanishing from the store.
type BlobEvent struct {
	// Path is the blob path relative to the store root, slash-separated,
	// matching the paths handed out in upload instructions.
	Path string
	// Op is what happened to the blob.
	Op EventOp
}

// Watcher observes a blob store and reports when expected uploads
// complete. An externalize instruction tells the client where to put a
// payload; the watcher is how the server side notices the payload has
// actually arrived.
//
// fsnotify does not recurse, so the watcher adds a watch for every
// directory as it appears and scans fresh directories for files that
// landed before the watch did.
type Watcher struct {
	store   *Store
	watcher *fsnotify.Watcher
	events  chan BlobEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewWatcher creates a watcher over the given store. It must be started
// with Start() before it emits events.
func NewWatcher(store *Store) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		store:   store,
		watcher: fsw,
		events:  make(chan BlobEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching the store root and everything under it.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if err := w.addTree(w.store.Root(), false); err != nil {
		return err
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop stops watching and closes the event channels. It blocks until
// the processing goroutine has exited.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()

	close(w.events)
	close(w.errors)
	return nil
}

// Events returns the channel emitting blob notifications. Closed when
// the watcher stops.
func (w *Watcher) Events() <-chan BlobEvent {
	return w.events
}

// Errors returns the channel emitting watch errors. Closed when the
// watcher stops.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// IsRunning returns true while the watcher is active.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// addTree watches dir and every directory below it. When emit is set,
// files already present are reported as stored: they may have landed
// between the directory's creation and the watch taking effect.
func (w *Watcher) addTree(dir string, emit bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Raced with a removal; nothing to watch.
			return nil
		}
		if d.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}
			return nil
		}
		if emit {
			w.emit(path, OpStored)
		}
		return nil
	})
}

// processEvents converts fsnotify events into blob notifications.
func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	// Upload staging files are internal; their rename into place shows
	// up as a create of the final path.
	if strings.HasPrefix(filepath.Base(event.Name), ".upload-") {
		return
	}

	switch {
	case event.Has(fsnotify.Create):
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name, true); err != nil {
				select {
				case w.errors <- err:
				case <-w.done:
				}
			}
			return
		}
		w.emit(event.Name, OpStored)
	case event.Has(fsnotify.Write):
		w.emit(event.Name, OpStored)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.emit(event.Name, OpRemoved)
	}
}

// emit publishes one event, translating the filesystem path back into a
// store-relative blob path.
func (w *Watcher) emit(path string, op EventOp) {
	rel, err := filepath.Rel(w.store.Root(), path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	select {
	case w.events <- BlobEvent{Path: filepath.ToSlash(rel), Op: op}:
	case <-w.done:
	}
}
