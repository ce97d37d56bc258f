package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FSStore keeps artifacts as plain files under a root directory.
type FSStore struct {
	root string
}

// NewFSStore creates (if needed) the root directory and returns a store over it.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact directory: %w", err)
	}
	return &FSStore{root: root}, nil
}

// resolve maps an artifact path to a filesystem path, rejecting anything that
// would escape the root.
func (s *FSStore) resolve(path string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(path))
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("invalid artifact path %q", path)
	}
	return filepath.Join(s.root, cleaned), nil
}

func (s *FSStore) Put(ctx context.Context, path string, r io.Reader) (int64, error) {
	full, err := s.resolve(path)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return 0, fmt.Errorf("creating artifact subdirectory: %w", err)
	}

	// Write to a temp file first so a partial upload never becomes visible.
	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("creating temp artifact: %w", err)
	}
	n, err := io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("writing artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("finalizing artifact: %w", err)
	}
	return n, nil
}

func (s *FSStore) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("opening artifact: %w", err)
	}
	return f, nil
}

func (s *FSStore) Delete(ctx context.Context, path string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	err = os.Remove(full)
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}
