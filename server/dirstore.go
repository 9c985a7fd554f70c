package server

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
)

// DirStore serves files from a directory. Resource n is the file named n
// in decimal.
type DirStore struct {
	dir string
}

// NewDirStore creates a store rooted at dir, creating it if needed.
func NewDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &DirStore{dir: dir}, nil
}

func (d *DirStore) path(resourceID uint32) string {
	return filepath.Join(d.dir, strconv.FormatUint(uint64(resourceID), 10))
}

// Get reads the file for resourceID.
func (d *DirStore) Get(resourceID uint32) ([]byte, error) {
	data, err := os.ReadFile(d.path(resourceID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Put writes the file for resourceID atomically.
func (d *DirStore) Put(resourceID uint32, data []byte) error {
	tmp, err := os.CreateTemp(d.dir, ".upload-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), d.path(resourceID))
}
