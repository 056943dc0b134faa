// Package retention implements the backing stores that keep the DPM image
// across power-down: an in-memory store for tests and simulation, a file
// store and, on unix, a memory mapped file standing in for retention RAM.
package retention

import (
	"errors"
	"sync"
)

var (
	// ErrEmpty is returned by Load when nothing has been persisted yet.
	ErrEmpty = errors.New("retention: empty")
	// ErrLocked is returned when another process holds the store.
	ErrLocked = errors.New("retention: locked by another process")
	// ErrTooLarge is returned by Persist when the image does not fit the store.
	ErrTooLarge = errors.New("retention: image larger than store")
	errClosed = errors.New("retention: closed")
)

// MemStore keeps the image in process memory. The zero value is empty and ready to use.
type MemStore struct {
	mu  sync.Mutex
	buf []byte
	// FailPersist, when set, is returned by the next Persist call, which then stores nothing.
	FailPersist error
}

// Load copies the stored image into dst and returns its length.
func (m *MemStore) Load(dst []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.buf == nil {
		return 0, ErrEmpty
	}
	return copy(dst, m.buf), nil
}

// Persist replaces the stored image with src.
func (m *MemStore) Persist(src []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailPersist; err != nil {
		m.FailPersist = nil
		return err
	}
	m.buf = append(m.buf[:0], src...)
	return nil
}

// Wipe forgets the image, as a power cycle clears retention RAM.
func (m *MemStore) Wipe() {
	m.mu.Lock()
	m.buf = nil
	m.mu.Unlock()
}

// Flip XORs mask into the stored byte at off. Offsets past the image are ignored.
func (m *MemStore) Flip(off int, mask byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off >= 0 && off < len(m.buf) {
		m.buf[off] ^= mask
	}
}

// Len returns the size of the stored image.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buf)
}

// Close is a no-op; the image outlives the handle.
func (m *MemStore) Close() error { return nil }
