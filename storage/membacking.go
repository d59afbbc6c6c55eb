package storage

import (
	"io"
	"sync"
)

// MemBacking is a growable in-memory Backing. It is used for
// attach-to-buffer sessions and throughout the tests.
//
// A single MemBacking may be shared by one writer and any number of readers.
// Extend appends rather than reallocating in place, so windows handed out by
// Map before an Extend continue to observe the bytes they were mapped over.
type MemBacking struct {
	mu     sync.RWMutex
	data   []byte
	closed bool
}

// NewMemBacking wraps data in a MemBacking. The buffer is used directly, not
// copied.
func NewMemBacking(data []byte) *MemBacking {
	return &MemBacking{data: data}
}

func (m *MemBacking) Size() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return int64(len(m.data)), nil
}

func (m *MemBacking) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	if off < 0 || off > int64(len(m.data)) {
		return 0, ErrWindowOutOfRange
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *MemBacking) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, ErrWindowOutOfRange
	}
	return copy(m.data[off:], p), nil
}

func (m *MemBacking) Extend(newSize int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if newSize < int64(len(m.data)) {
		return ErrShrinkNotAllowed
	}
	m.data = append(m.data, make([]byte, newSize-int64(len(m.data)))...)
	return nil
}

// Map aliases the current buffer. The window stays valid across a concurrent
// Extend because extension never writes to the previously handed-out range.
func (m *MemBacking) Map(off, length int64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	if off < 0 || length < 0 || off+length > int64(len(m.data)) {
		return nil, ErrWindowOutOfRange
	}
	return m.data[off : off+length : off+length], nil
}

func (m *MemBacking) Sync() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *MemBacking) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
