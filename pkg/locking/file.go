package locking

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileBackend stores markers as files in a directory shared over the
// filesystem by every grader process. Acquisition is exclusive create of
// the unit's one marker file, so at most one holder exists even across
// machines, as long as the underlying filesystem honors O_EXCL. The
// holder's identity is the file's content.
type FileBackend struct {
	dir string
}

// NewFileBackend prepares the shared lock directory.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o775); err != nil {
		return nil, fmt.Errorf("create locks dir: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

// Acquire makes the marker file recording holder, failing with ErrHeld when
// it exists.
func (b *FileBackend) Acquire(_ context.Context, marker, holder string) error {
	f, err := os.OpenFile(filepath.Join(b.dir, marker), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o664)
	if err != nil {
		if os.IsExist(err) {
			conflicts.WithLabelValues("file").Inc()
			return fmt.Errorf("%w: %s", ErrHeld, marker)
		}
		return fmt.Errorf("create lock marker: %w", err)
	}
	if _, err := f.WriteString(holder); err != nil {
		f.Close()
		return fmt.Errorf("write lock holder: %w", err)
	}
	acquisitions.WithLabelValues("file").Inc()
	return f.Close()
}

// Holder reads the identity recorded in the marker file, or "" when absent.
func (b *FileBackend) Holder(_ context.Context, marker string) (string, error) {
	data, err := os.ReadFile(filepath.Join(b.dir, marker))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read lock marker: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Remove deletes the marker file if present.
func (b *FileBackend) Remove(_ context.Context, marker string) error {
	err := os.Remove(filepath.Join(b.dir, marker))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock marker: %w", err)
	}
	return nil
}

// List returns every marker in the directory.
func (b *FileBackend) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("read locks dir: %w", err)
	}

	var markers []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), MarkerSuffix) {
			continue
		}
		markers = append(markers, entry.Name())
	}
	return markers, nil
}
