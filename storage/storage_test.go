package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemBackingReadWrite(t *testing.T) {
	m := NewMemBacking(make([]byte, 16))

	n, err := m.WriteAt([]byte{1, 2, 3, 4}, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	p := make([]byte, 4)
	n, err = m.ReadAt(p, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{1, 2, 3, 4}, p)

	size, err := m.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(16), size)
}

func TestMemBackingWriteBeyondEnd(t *testing.T) {
	m := NewMemBacking(make([]byte, 8))
	_, err := m.WriteAt([]byte{1, 2}, 7)
	assert.ErrorIs(t, err, ErrWindowOutOfRange)
}

func TestMemBackingExtendPreservesWindows(t *testing.T) {
	m := NewMemBacking([]byte{1, 2, 3, 4, 5, 6, 7, 8})

	w, err := m.Map(0, 8)
	require.NoError(t, err)

	require.NoError(t, m.Extend(1024))
	size, err := m.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(1024), size)

	// the pre-extend window still observes the bytes it was mapped over
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, w)
}

func TestMemBackingShrinkRefused(t *testing.T) {
	m := NewMemBacking(make([]byte, 16))
	assert.ErrorIs(t, m.Extend(8), ErrShrinkNotAllowed)
}

func TestMemBackingClosed(t *testing.T) {
	m := NewMemBacking(make([]byte, 8))
	require.NoError(t, m.Close())

	_, err := m.Size()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = m.ReadAt(make([]byte, 1), 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.Extend(16), ErrClosed)
}

func TestFileBackingRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cinder.db")

	b, err := OpenFileBacking(path, false)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Extend(64))
	_, err = b.WriteAt([]byte("deadbeef"), 8)
	require.NoError(t, err)
	require.NoError(t, b.Sync())

	size, err := b.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(64), size)

	w, err := b.Map(8, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("deadbeef"), w)
}

func TestFileBackingCloseIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cinder.db")
	b, err := OpenFileBacking(path, false)
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	_, err = b.Size()
	assert.ErrorIs(t, err, ErrClosed)
}
