package retention

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// FileStore persists the image to a regular file. Writes go to a temporary
// file that is renamed over the image, so a crash leaves either the old or
// the new image. A lock file keeps two processes from sharing the store.
type FileStore struct {
	path string
	lock *flock.Flock
}

// OpenFile locks and returns the store at path. The image file need not exist.
func OpenFile(path string) (*FileStore, error) {
	lk := flock.New(path + ".lock")
	ok, err := lk.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLocked
	}
	return &FileStore{path: path, lock: lk}, nil
}

func (f *FileStore) Path() string { return f.path }

func (f *FileStore) Load(dst []byte) (int, error) {
	if f.lock == nil {
		return 0, errClosed
	}
	b, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && len(b) == 0) {
		return 0, ErrEmpty
	} else if err != nil {
		return 0, err
	}
	return copy(dst, b), nil
}

func (f *FileStore) Persist(src []byte) error {
	if f.lock == nil {
		return errClosed
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*")
	if err != nil {
		return err
	}
	_, err = tmp.Write(src)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), f.path)
	}
	if err != nil {
		os.Remove(tmp.Name())
	}
	return err
}

// Close releases the lock. The image stays on disk.
func (f *FileStore) Close() error {
	if f.lock == nil {
		return errClosed
	}
	err := f.lock.Unlock()
	f.lock = nil
	return err
}
