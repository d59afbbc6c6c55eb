package storage

import (
	"fmt"
	"os"
)

// FileBacking implements Backing over a local file.
//
// Map reads the window into an owned buffer rather than establishing a
// platform mapping. The allocator only requires that a window remain valid
// until the next Extend, which a private copy satisfies on every platform.
type FileBacking struct {
	f *os.File
}

// OpenFileBacking opens (creating if necessary) the file at path.
func OpenFileBacking(path string, readOnly bool) (*FileBacking, error) {
	flags := os.O_RDWR | os.O_CREATE
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening backing file: %w", err)
	}
	return &FileBacking{f: f}, nil
}

func (b *FileBacking) Size() (int64, error) {
	if b.f == nil {
		return 0, ErrClosed
	}
	fi, err := b.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (b *FileBacking) ReadAt(p []byte, off int64) (int, error) {
	if b.f == nil {
		return 0, ErrClosed
	}
	return b.f.ReadAt(p, off)
}

func (b *FileBacking) WriteAt(p []byte, off int64) (int, error) {
	if b.f == nil {
		return 0, ErrClosed
	}
	return b.f.WriteAt(p, off)
}

func (b *FileBacking) Extend(newSize int64) error {
	if b.f == nil {
		return ErrClosed
	}
	size, err := b.Size()
	if err != nil {
		return err
	}
	if newSize < size {
		return ErrShrinkNotAllowed
	}
	return b.f.Truncate(newSize)
}

func (b *FileBacking) Map(off, length int64) ([]byte, error) {
	if b.f == nil {
		return nil, ErrClosed
	}
	p := make([]byte, length)
	if _, err := b.f.ReadAt(p, off); err != nil {
		return nil, fmt.Errorf("%w: mapping [%d, %d): %v", ErrWindowOutOfRange, off, off+length, err)
	}
	return p, nil
}

func (b *FileBacking) Sync() error {
	if b.f == nil {
		return ErrClosed
	}
	return b.f.Sync()
}

func (b *FileBacking) Close() error {
	if b.f == nil {
		return nil
	}
	err := b.f.Close()
	b.f = nil
	return err
}
