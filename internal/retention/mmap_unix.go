//go:build unix

package retention

import (
	"fmt"
	"os"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
)

// MmapStore maps a fixed size file into memory in place of retention RAM.
// A store whose mapping is all zero bytes is empty.
type MmapStore struct {
	lock *flock.Flock
	data []byte
}

// OpenMmap maps size bytes of the file at path, creating or growing it as needed.
func OpenMmap(path string, size int) (*MmapStore, error) {
	lk := flock.New(path + ".lock")
	ok, err := lk.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLocked
	}
	fp, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		lk.Unlock()
		return nil, err
	}
	defer fp.Close()
	if err = fp.Truncate(int64(size)); err != nil {
		lk.Unlock()
		return nil, err
	}
	data, err := unix.Mmap(int(fp.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		lk.Unlock()
		return nil, err
	}
	return &MmapStore{lock: lk, data: data}, nil
}

func (m *MmapStore) Load(dst []byte) (int, error) {
	if m.data == nil {
		return 0, errClosed
	}
	for _, b := range m.data {
		if b != 0 {
			return copy(dst, m.data), nil
		}
	}
	return 0, ErrEmpty
}

// Persist copies src into the mapping and flushes it. Bytes past len(src) are
// zeroed. A src longer than the mapping is refused and the mapping left as is.
func (m *MmapStore) Persist(src []byte) error {
	if m.data == nil {
		return errClosed
	}
	if len(src) > len(m.data) {
		return fmt.Errorf("persist %d bytes in %d byte mapping: %w", len(src), len(m.data), ErrTooLarge)
	}
	n := copy(m.data, src)
	clear(m.data[n:])
	return unix.Msync(m.data, unix.MS_SYNC)
}

func (m *MmapStore) Close() error {
	if m.data == nil {
		return errClosed
	}
	err := unix.Munmap(m.data)
	m.data = nil
	if uerr := m.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}
