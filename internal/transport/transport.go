// Package transport exposes the sync service boundary: batched pushes,
// cursor-driven pulls, and a hub that fans change notifications out to
// every attached client view.
//
// The hub/view pair is the reference in-memory transport. Each view
// tracks its own cursor; a push through one view wakes every other view
// of the same user, and a woken view simply pulls from its cursor.
// Because delivery is cursor-driven rather than message-driven, a
// coalesced wakeup can never lose data: every view sees every change
// exactly once, in log order, no matter when it attached.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	pksync "github.com/pagekeep/pagekeep/internal/sync"
)

// Service is what a sync client talks to, local or remote.
type Service interface {
	// PushUpdates applies a batch of client updates in order. Each
	// update commits atomically with its change-log row; the returned
	// instructions tell the client which fields to externalize as blobs.
	PushUpdates(ctx context.Context, userID string, updates []pksync.PushUpdate) ([]pksync.Instruction, error)

	// Pull reads one page of updates after cursor.
	Pull(ctx context.Context, userID string, cursor int64, pageSize int) (*pksync.PullResult, error)

	// UploadToMedia stores a binary payload referenced from a change,
	// kept out of the change log to keep it small.
	UploadToMedia(ctx context.Context, userID, path string, r io.Reader) error

	// DownloadFromMedia retrieves a previously uploaded payload.
	DownloadFromMedia(ctx context.Context, userID, path string) (io.ReadCloser, error)
}

// BlobStore is the media backend the transport delegates binary
// payloads to.
type BlobStore interface {
	Put(ctx context.Context, path string, r io.Reader) error
	Get(ctx context.Context, path string) (io.ReadCloser, error)
}

// ErrNoMediaStore is returned from the media operations when the hub
// was built without a blob store.
var ErrNoMediaStore = errors.New("no media store configured")

// ErrForeignBlob is returned when a media path falls outside the
// authenticated user's namespace.
var ErrForeignBlob = errors.New("blob path outside the user's namespace")

// Config holds hub configuration.
type Config struct {
	// Blobs backs UploadToMedia/DownloadFromMedia; nil disables media.
	Blobs BlobStore

	// PageSize bounds the pulls issued by view streaming. Defaults to
	// the translator's page size.
	PageSize int

	// Logger for transport activity (default: stderr logger)
	Logger *log.Logger
}

// Hub routes pushes into the translator and wakes the views of the
// affected user. It implements Service.
type Hub struct {
	translator *pksync.Translator
	blobs      BlobStore
	pageSize   int
	logger     *log.Logger

	mu    sync.Mutex
	views map[string][]*View // user id -> attached views
}

// NewHub creates a hub over the given translator.
func NewHub(translator *pksync.Translator, config *Config) *Hub {
	if config == nil {
		config = &Config{}
	}
	pageSize := config.PageSize
	if pageSize <= 0 {
		pageSize = pksync.DefaultPageSize
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		translator: translator,
		blobs:      config.Blobs,
		pageSize:   pageSize,
		logger:     logger,
		views:      make(map[string][]*View),
	}
}

// PushUpdates applies updates in order for the authenticated user and
// notifies every attached view of that user.
func (h *Hub) PushUpdates(ctx context.Context, userID string, updates []pksync.PushUpdate) ([]pksync.Instruction, error) {
	return h.push(ctx, userID, updates, nil)
}

// push is the shared apply path; origin, when set, is the view the
// updates arrived through and is skipped during wakeup.
func (h *Hub) push(ctx context.Context, userID string, updates []pksync.PushUpdate, origin *View) ([]pksync.Instruction, error) {
	var instructions []pksync.Instruction
	for i, u := range updates {
		ins, err := h.translator.PushUpdate(ctx, userID, u)
		if err != nil {
			return nil, fmt.Errorf("update %d (%s %s): %w", i, u.Type, u.Collection, err)
		}
		instructions = append(instructions, ins...)
	}
	if len(updates) > 0 {
		h.wake(userID, origin)
	}
	return instructions, nil
}

// Pull reads one page of updates after cursor.
func (h *Hub) Pull(ctx context.Context, userID string, cursor int64, pageSize int) (*pksync.PullResult, error) {
	return h.translator.Pull(ctx, userID, cursor, pageSize)
}

// UploadToMedia stores a binary payload under the user's namespace.
// Paths outside u/<userID>/ are rejected, so one user's externalized
// content can never be overwritten through another user's session.
func (h *Hub) UploadToMedia(ctx context.Context, userID, path string, r io.Reader) error {
	if h.blobs == nil {
		return ErrNoMediaStore
	}
	if err := checkBlobOwner(userID, path); err != nil {
		return err
	}
	return h.blobs.Put(ctx, path, r)
}

// DownloadFromMedia retrieves a previously uploaded payload. Reads are
// namespaced the same way uploads are.
func (h *Hub) DownloadFromMedia(ctx context.Context, userID, path string) (io.ReadCloser, error) {
	if h.blobs == nil {
		return nil, ErrNoMediaStore
	}
	if err := checkBlobOwner(userID, path); err != nil {
		return nil, err
	}
	return h.blobs.Get(ctx, path)
}

// checkBlobOwner verifies that path lies under the user's u/<id>/
// prefix, the namespace the translator's externalize instructions hand
// out.
func checkBlobOwner(userID, path string) error {
	if userID == "" {
		return pksync.ErrUnauthenticated
	}
	prefix := "u/" + userID + "/"
	if !strings.HasPrefix(path, prefix) || len(path) == len(prefix) {
		return fmt.Errorf("%w: %s", ErrForeignBlob, path)
	}
	return nil
}

// Attach creates a view for one client of the given user, starting at
// cursor. A view attached at cursor 0 replays the full history first.
func (h *Hub) Attach(userID string, cursor int64) *View {
	v := &View{
		hub:    h,
		userID: userID,
		cursor: cursor,
		wake:   make(chan struct{}, 1),
	}
	h.mu.Lock()
	h.views[userID] = append(h.views[userID], v)
	h.mu.Unlock()
	return v
}

// Detach removes a view from the hub. Pending waits on the view return
// on their context; the view must not be used afterwards.
func (h *Hub) Detach(v *View) {
	h.mu.Lock()
	defer h.mu.Unlock()
	views := h.views[v.userID]
	for i, other := range views {
		if other == v {
			h.views[v.userID] = append(views[:i], views[i+1:]...)
			break
		}
	}
	if len(h.views[v.userID]) == 0 {
		delete(h.views, v.userID)
	}
}

// wake signals every view of the user except origin. The signal channel
// has capacity one: signals coalesce, and a view that missed nothing
// simply finds an empty page on its next pull.
func (h *Hub) wake(userID string, origin *View) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, v := range h.views[userID] {
		if v == origin {
			continue
		}
		select {
		case v.wake <- struct{}{}:
		default:
		}
	}
}

// View is one client's attachment to the hub: a cursor plus a wakeup
// signal. Safe for use by a single consumer goroutine; pushes may come
// from anywhere.
type View struct {
	hub    *Hub
	userID string
	wake   chan struct{}

	mu     sync.Mutex
	cursor int64
}

// Cursor returns the view's current position in the change log.
func (v *View) Cursor() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cursor
}

// PushUpdates applies updates through this view. Other views of the
// same user are woken; this view is not, since its own cursor already
// knows where it stands.
func (v *View) PushUpdates(ctx context.Context, updates []pksync.PushUpdate) ([]pksync.Instruction, error) {
	return v.hub.push(ctx, v.userID, updates, v)
}

// Next blocks until at least one update past the view's cursor exists,
// then returns a non-empty page and advances the cursor. Returns
// ctx.Err() when the consumer gives up waiting.
func (v *View) Next(ctx context.Context) (*pksync.PullResult, error) {
	for {
		res, err := v.pullOnce(ctx)
		if err != nil {
			return nil, err
		}
		if len(res.Batch) > 0 {
			return res, nil
		}
		if res.MaybeHasMore {
			// A full page of server-internal rows translated to nothing;
			// the cursor advanced, so pull again rather than hand the
			// consumer an empty batch.
			continue
		}
		select {
		case <-v.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// pullOnce reads one page at the current cursor and advances it.
func (v *View) pullOnce(ctx context.Context) (*pksync.PullResult, error) {
	v.mu.Lock()
	cursor := v.cursor
	v.mu.Unlock()

	res, err := v.hub.Pull(ctx, v.userID, cursor, v.hub.pageSize)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	if res.LastSeen > v.cursor {
		v.cursor = res.LastSeen
	}
	v.mu.Unlock()
	return res, nil
}

// Stream yields batches until ctx is cancelled. Each received result
// contains at least one update; the channel closes when the consumer's
// context ends or a pull fails.
func (v *View) Stream(ctx context.Context) <-chan *pksync.PullResult {
	out := make(chan *pksync.PullResult)
	go func() {
		defer close(out)
		for {
			res, err := v.Next(ctx)
			if err != nil {
				if ctx.Err() == nil {
					v.hub.logger.Printf("stream for user %s ended: %v", v.userID, err)
				}
				return
			}
			select {
			case out <- res:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
