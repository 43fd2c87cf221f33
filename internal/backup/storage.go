// Package backup implements digest-based workspace backup, restore and
// snapshot compaction over the chunked replication protocol.
package backup

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/custodia-labs/docbase-core/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.BackupStorage = (*FileStorage)(nil)

// FileStorage is the local-filesystem backup store. Names may contain
// slashes; directories are created on demand.
type FileStorage struct {
	root string
}

// NewFileStorage creates a store rooted at dir.
func NewFileStorage(dir string) *FileStorage {
	return &FileStorage{root: dir}
}

func (s *FileStorage) path(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(name))
}

func (s *FileStorage) Load(name string) (io.ReadCloser, error) {
	return os.Open(s.path(name))
}

func (s *FileStorage) Write(name string) (io.WriteCloser, error) {
	p := s.path(name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, err
	}
	return os.Create(p)
}

func (s *FileStorage) Exists(name string) (bool, error) {
	_, err := os.Stat(s.path(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (s *FileStorage) Delete(name string) error {
	err := os.Remove(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
