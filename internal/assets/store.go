package assets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
)

// ErrNotFound is returned when an asset key does not exist in the store.
var ErrNotFound = errors.New("asset not found")

// Store is a key to bytes lookup over the packaged web assets.
type Store interface {
	Read(key string) ([]byte, error)
}

// DirStore reads assets from a file system rooted at the packaged www dir.
type DirStore struct {
	fsys fs.FS
}

// NewDirStore returns a store rooted at dir on the local disk.
func NewDirStore(dir string) *DirStore {
	return &DirStore{fsys: os.DirFS(dir)}
}

// NewFSStore wraps an arbitrary fs.FS (embed.FS, fstest.MapFS).
func NewFSStore(fsys fs.FS) *DirStore {
	return &DirStore{fsys: fsys}
}

func (s *DirStore) Read(key string) ([]byte, error) {
	name := path.Clean(strings.TrimPrefix(key, "/"))
	if !fs.ValidPath(name) {
		return nil, fmt.Errorf("assets: invalid key %q", key)
	}
	data, err := fs.ReadFile(s.fsys, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("assets: read %s: %w", name, err)
	}
	return data, nil
}
