// Package media stores the binary payloads referenced from sync
// changes: page text, annotation bodies, and anything else too large to
// embed in the change log. Blobs live on the local filesystem under the
// paths handed out by the upload translator, and a watcher reports when
// an expected blob actually lands.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned by Get when no blob exists at the path.
var ErrNotFound = errors.New("blob not found")

// ErrBadPath is returned for paths that would escape the media root.
var ErrBadPath = errors.New("invalid blob path")

// Store is a filesystem-backed blob store. Writes are atomic: a blob is
// staged to a temp file and renamed into place, so readers never see a
// partial payload.
type Store struct {
	root string
}

// NewStore opens (creating if needed) a blob store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media root %s: %w", dir, err)
	}
	return &Store{root: dir}, nil
}

// Root returns the store's base directory.
func (s *Store) Root() string {
	return s.root
}

// resolve maps a blob path to a filesystem path, rejecting anything
// that would step outside the root.
func (s *Store) resolve(path string) (string, error) {
	if path == "" || strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("%w: %q", ErrBadPath, path)
	}
	clean := filepath.Clean(filepath.FromSlash(path))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrBadPath, path)
	}
	return filepath.Join(s.root, clean), nil
}

// Put writes a blob at path, replacing any previous content.
func (s *Store) Put(ctx context.Context, path string, r io.Reader) error {
	target, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to stage blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to finish blob: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("failed to commit blob: %w", err)
	}
	return nil
}

// Get opens the blob at path for reading.
func (s *Store) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	target, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(target)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	return f, nil
}

// Delete removes the blob at path. Deleting a missing blob is a no-op.
func (s *Store) Delete(ctx context.Context, path string) error {
	target, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// Exists reports whether a blob is present at path.
func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	target, err := s.resolve(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(target)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
