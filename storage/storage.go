// Package storage provides the file and buffer collaborators consumed by the
// slab allocator: a minimal read/extend/map-window/sync contract over the
// bytes backing a database image.
package storage

import "errors"

var (
	ErrWindowOutOfRange = errors.New("the requested window is not within the backing store")
	ErrShrinkNotAllowed = errors.New("a backing store can only be extended, never shrunk")
	ErrClosed           = errors.New("the backing store is closed")
)

// Backing is the storage contract the allocator attaches to. Beyond these
// operations the backing is opaque: bytes in, bytes out.
//
// Map returns a window over [off, off+length). The window must remain
// readable until the next call to Extend. Implementations are free to alias
// their internal buffer or to copy.
type Backing interface {
	Size() (int64, error)
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Extend(newSize int64) error
	Map(off, length int64) ([]byte, error)
	Sync() error
	Close() error
}
