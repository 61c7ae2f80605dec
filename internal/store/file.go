package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore persists keyed blobs as files in a directory. This is the
// backup tier: flat files survive a corrupted or deleted database.
type FileStore struct {
	dir string
}

// NewFile creates a file store rooted at dir. The directory is created
// lazily on first write.
func NewFile(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// keyPath maps a store key to a filename. Keys may contain scope
// separators like ':' that are not filesystem-safe.
func (s *FileStore) keyPath(key string) string {
	safe := strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(key)
	return filepath.Join(s.dir, safe+".json")
}

// Read returns the bytes stored for key, or ErrNotFound.
func (s *FileStore) Read(key string) ([]byte, error) {
	data, err := os.ReadFile(s.keyPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %q: %w", key, err)
	}
	return data, nil
}

// Write stores data under key using an atomic temp-file rename.
func (s *FileStore) Write(key string, data []byte) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "store-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}

	if err := os.Rename(tmpName, s.keyPath(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *FileStore) Delete(key string) error {
	err := os.Remove(s.keyPath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}
