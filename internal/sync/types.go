// Package sync implements the schema translation layer between
// client-shaped updates and the normalized server store, driven by an
// append-only change log.
//
// Uploads translate one client update (overwrite or delete) into
// normalized entity writes, each paired with exactly one change-log row
// in the same atomic batch. Downloads read log rows after a cursor and
// reverse-translate the current normalized state back into client
// shapes.
package sync

import (
	"errors"
	"sync"
	"time"
)

// Update types exchanged with clients.
const (
	// UpdateOverwrite creates or fully replaces the matching record.
	UpdateOverwrite = "overwrite"
	// UpdateDelete removes records matching the update's Where clause.
	UpdateDelete = "delete"
)

// Errors returned from the translation layer. Absence of a lookup target
// falls into two disjoint classes: required-present lookups fail with
// ErrMissingTarget, expected-absent lookups are silent no-ops.
var (
	// ErrUnauthenticated is returned when no user id reaches the boundary.
	ErrUnauthenticated = errors.New("no authenticated user")

	// ErrMissingTarget is returned when an update references an entity
	// that must exist, e.g. the page or annotation a tag points at.
	ErrMissingTarget = errors.New("update target does not exist")

	// ErrInvalidUpdate is returned for updates missing required fields.
	ErrInvalidUpdate = errors.New("invalid update")
)

// PushUpdate is one client-to-server update. The user is never part of
// the payload: it is asserted by the authenticated boundary and forced
// onto every write. The device id, by contrast, is trusted as given --
// it only attributes changes, it grants nothing.
type PushUpdate struct {
	Type          string         `json:"type"`
	Collection    string         `json:"collection"`
	Object        map[string]any `json:"object,omitempty"`
	Where         map[string]any `json:"where,omitempty"`
	DeviceID      string         `json:"deviceId"`
	SchemaVersion string         `json:"schemaVersion"`
}

// ClientUpdate is one server-to-client instruction produced by a pull.
type ClientUpdate struct {
	Type       string         `json:"type"`
	Collection string         `json:"collection"`
	Object     map[string]any `json:"object,omitempty"`
	Where      map[string]any `json:"where,omitempty"`
}

// PullResult is one page of the download stream.
type PullResult struct {
	// Batch holds client updates in change-log order.
	Batch []ClientUpdate `json:"batch"`

	// LastSeen is the timestamp of the last processed log row; it is the
	// cursor for the next pull. Unchanged from the request cursor when
	// the page was empty.
	LastSeen int64 `json:"lastSeen"`

	// MaybeHasMore is true iff the page was filled to capacity. Callers
	// keep pulling immediately while it is set.
	MaybeHasMore bool `json:"maybeHasMore"`
}

// InstructionUploadToStorage tells the pushing client to externalize a
// field's value as a blob before the record counts as fully synced.
const InstructionUploadToStorage = "uploadToStorage"

// Instruction is an out-of-band directive returned from a push.
type Instruction struct {
	Type       string         `json:"type"`
	Collection string         `json:"collection"`
	Where      map[string]any `json:"where"`
	Field      string         `json:"field"`
	Path       string         `json:"path"`
}

// Clock produces millisecond timestamps that are strictly increasing
// within the process. Change-log pagination cursors compare strictly,
// so two log rows must never share a timestamp.
type Clock struct {
	mu   sync.Mutex
	last int64
}

// Now returns the current time in ms, bumped past the previous call's
// result if the wall clock has not advanced.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := time.Now().UnixMilli()
	if t <= c.last {
		t = c.last + 1
	}
	c.last = t
	return t
}
