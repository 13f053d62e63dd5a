// Package filestorage keeps the files of a torrent in a directory on disk.
package filestorage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/I2PPlus/i2pplus-sub004/internal/storage"
)

const fileMode = 0o640

var errOutsideDest = errors.New("file path is outside of destination directory")

// FileStorage saves the files of a torrent under a destination directory.
type FileStorage struct {
	dest string
	// Preallocate reserves disk blocks for new files instead of creating sparse files.
	Preallocate bool
}

var _ storage.Storage = (*FileStorage)(nil)

// New returns a FileStorage rooted at dest.
func New(dest string) (*FileStorage, error) {
	dest, err := filepath.Abs(dest)
	if err != nil {
		return nil, err
	}
	return &FileStorage{dest: dest}, nil
}

// Dest returns the absolute destination directory.
func (s *FileStorage) Dest() string {
	return s.dest
}

func (s *FileStorage) path(name string) (string, error) {
	p := filepath.Join(s.dest, name)
	if !strings.HasPrefix(p, s.dest+string(filepath.Separator)) {
		return "", errOutsideDest
	}
	return p, nil
}

// Open implements storage.Storage. Missing directories are created and
// existing files are resized to size.
func (s *FileStorage) Open(name string, size int64) (storage.File, bool, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, false, err
	}
	if err = os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return nil, false, err
	}
	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_EXCL, fileMode) // nolint: gosec
	switch {
	case err == nil:
		if err = s.allocate(f, size); err != nil {
			_ = f.Close()
			return nil, false, err
		}
		return f, false, nil
	case !os.IsExist(err):
		return nil, false, err
	}

	f, err = os.OpenFile(p, os.O_RDWR, fileMode) // nolint: gosec
	if err != nil {
		return nil, false, err
	}
	if err = resize(f, size); err != nil {
		_ = f.Close()
		return nil, false, err
	}
	// Seeding reads pieces out of order.
	if err = adviseRandom(f); err != nil {
		_ = f.Close()
		return nil, false, err
	}
	return f, true, nil
}

func (s *FileStorage) allocate(f *os.File, size int64) error {
	if s.Preallocate && size > 0 {
		if err := fallocate(f, size); err == nil {
			return nil
		}
	}
	return f.Truncate(size)
}

func resize(f *os.File, size int64) error {
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if fi.Size() == size {
		return nil
	}
	return f.Truncate(size)
}
