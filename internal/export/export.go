// Package export moves one user's synced state in and out of JSONL
// files: one client-shaped update per line. Export is a paginated pull
// flattened to disk; import replays the lines through the translation
// layer as ordinary pushes, so an imported archive lands exactly like a
// device syncing for the first time.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pagekeep/pagekeep/internal/schema"
	pksync "github.com/pagekeep/pagekeep/internal/sync"
)

// Options configures an export or import run.
type Options struct {
	// UserID owns the data being moved.
	UserID string

	// DeviceID attributes imported changes. Unused on export.
	DeviceID string

	// Path is the JSONL file to write or read.
	Path string

	// PageSize bounds each pull during export (default: translator's).
	PageSize int
}

// Result contains statistics about an export.
type Result struct {
	UpdatesWritten int
	Cursor         int64
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	UpdatesApplied int
	Instructions   []pksync.Instruction
	Errors         []string
}

// ToJSONL exports the user's full history to a JSONL file. The write is
// atomic: readers never observe a half-written archive.
func ToJSONL(ctx context.Context, tr *pksync.Translator, opts Options) (*Result, error) {
	if opts.UserID == "" {
		return nil, pksync.ErrUnauthenticated
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = pksync.DefaultPageSize
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}
	tmpPath := opts.Path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create export file: %w", err)
	}
	defer os.Remove(tmpPath)

	result := &Result{}
	encoder := json.NewEncoder(f)
	cursor := int64(0)
	for {
		page, err := tr.Pull(ctx, opts.UserID, cursor, pageSize)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to pull at cursor %d: %w", cursor, err)
		}
		for _, update := range page.Batch {
			if err := encoder.Encode(update); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to write update: %w", err)
			}
			result.UpdatesWritten++
		}
		result.Cursor = page.LastSeen
		if !page.MaybeHasMore {
			break
		}
		cursor = page.LastSeen
	}

	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish export file: %w", err)
	}
	if err := os.Rename(tmpPath, opts.Path); err != nil {
		return nil, fmt.Errorf("failed to commit export file: %w", err)
	}
	return result, nil
}

// FromJSONL replays an exported archive as pushes for the user. Lines
// that fail to parse or apply are collected, not fatal: a partially
// damaged archive still restores everything restorable.
func FromJSONL(ctx context.Context, tr *pksync.Translator, opts Options) (*ImportResult, error) {
	if opts.UserID == "" {
		return nil, pksync.ErrUnauthenticated
	}

	// #nosec G304 - controlled path from CLI
	f, err := os.Open(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	result := &ImportResult{}
	decoder := json.NewDecoder(f)
	line := 0
	for {
		var update pksync.ClientUpdate
		if err := decoder.Decode(&update); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at entry %d: %w", line+1, err)
		}
		line++

		instructions, err := tr.PushUpdate(ctx, opts.UserID, pksync.PushUpdate{
			Type:          update.Type,
			Collection:    update.Collection,
			Object:        update.Object,
			Where:         update.Where,
			DeviceID:      opts.DeviceID,
			SchemaVersion: schema.Version,
		})
		if err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("entry %d (%s %s): %v", line, update.Type, update.Collection, err))
			continue
		}
		result.Instructions = append(result.Instructions, instructions...)
		result.UpdatesApplied++
	}
	return result, nil
}
