package evidence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// FSStore writes evidence under a single directory with random 128-bit
// names, keeping the original extension when one is present.
type FSStore struct {
	dir string
}

// NewFSStore creates the directory if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if dir == "" {
		dir = "uploads"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("evidence dir: %w", err)
	}
	return &FSStore{dir: dir}, nil
}

// Save writes data to a fresh file and returns a path-addressed locator.
func (s *FSStore) Save(_ context.Context, data []byte, suggestedName string) (Locator, error) {
	ext := strings.ToLower(filepath.Ext(suggestedName))
	if ext == "" {
		ext = ".jpg"
	}
	filename := strings.ReplaceAll(uuid.NewString(), "-", "") + ext
	path := filepath.Join(s.dir, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Locator{}, fmt.Errorf("write evidence: %w", err)
	}
	return Locator{Kind: KindFS, Path: path, Filename: filename}, nil
}

// Open reads the file the locator points at.
func (s *FSStore) Open(_ context.Context, loc Locator) ([]byte, error) {
	data, err := os.ReadFile(loc.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Delete removes the file; missing files are not an error.
func (s *FSStore) Delete(_ context.Context, loc Locator) error {
	err := os.Remove(loc.Path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
