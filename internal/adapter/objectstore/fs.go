// Package objectstore stores original upload blobs on the local filesystem.
// The core writes a blob once at ingest and never reads it twice; keys are
// opaque and recorded on the document as blob_ref.
package objectstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fairyhunter13/cv-match-engine/internal/domain"
)

// FS is a filesystem-backed object store rooted at a single directory.
type FS struct{ root string }

// NewFS ensures the root directory exists and returns the store.
func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("op=objectstore.init: %w", err)
	}
	return &FS{root: root}, nil
}

func (s *FS) path(key string) (string, error) {
	clean := filepath.Clean(key)
	if clean == "." || strings.Contains(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("%w: bad object key %q", domain.ErrInvalidArgument, key)
	}
	return filepath.Join(s.root, clean), nil
}

// Put writes data under key, creating parent directories as needed.
func (s *FS) Put(_ domain.Context, key string, data []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return fmt.Errorf("op=objectstore.put: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("op=objectstore.put: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("op=objectstore.put: %w", err)
	}
	return nil
}

// Get reads the blob stored under key.
func (s *FS) Get(_ domain.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: object %s", domain.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("op=objectstore.get: %w", err)
	}
	return data, nil
}

// Delete removes the blob; deleting a missing key is not an error.
func (s *FS) Delete(_ domain.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("op=objectstore.delete: %w", err)
	}
	return nil
}

var _ domain.ObjectStore = (*FS)(nil)
