package storage

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	key := make([]byte, EncryptionKeySize)
	for i := range key {
		key[i] = byte(i * 7)
	}
	return key
}

func TestEncryptedRejectsShortKey(t *testing.T) {
	_, err := NewEncrypted(NewMemBacking(nil), []byte("short"))
	assert.ErrorIs(t, err, ErrBadEncryptionKey)
}

func TestEncryptedRoundTrip(t *testing.T) {
	inner := NewMemBacking(make([]byte, 2*EncryptionPageSize))
	e, err := NewEncrypted(inner, testKey())
	require.NoError(t, err)

	plain := []byte("the quick brown fox jumps over the lazy dog")
	_, err = e.WriteAt(plain, 100)
	require.NoError(t, err)

	got := make([]byte, len(plain))
	_, err = e.ReadAt(got, 100)
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	// the stored bytes must not be the plaintext
	raw := make([]byte, len(plain))
	_, err = inner.ReadAt(raw, 100)
	require.NoError(t, err)
	assert.False(t, bytes.Equal(plain, raw))
}

func TestEncryptedCrossesPageBoundary(t *testing.T) {
	inner := NewMemBacking(make([]byte, 3*EncryptionPageSize))
	e, err := NewEncrypted(inner, testKey())
	require.NoError(t, err)

	plain := bytes.Repeat([]byte{0xAB, 0xCD}, EncryptionPageSize) // spans 2 pages
	off := int64(EncryptionPageSize - 16)
	_, err = e.WriteAt(plain, off)
	require.NoError(t, err)

	got := make([]byte, len(plain))
	_, err = e.ReadAt(got, off)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestEncryptedReadOffsetIndependentOfWriteOffset(t *testing.T) {
	// the keystream position must depend only on the absolute offset, never
	// on where the covering write started, so a sub range written as part of
	// a larger range reads back from any offset, aligned or not
	inner := NewMemBacking(make([]byte, EncryptionPageSize))
	e, err := NewEncrypted(inner, testKey())
	require.NoError(t, err)

	plain := make([]byte, 256)
	for i := range plain {
		plain[i] = byte(i)
	}
	_, err = e.WriteAt(plain, 0)
	require.NoError(t, err)

	tests := []struct {
		name string
		off  int64
		n    int
	}{
		{"inside first cipher block", 13, 50},
		{"whole second cipher block", 32, 32},
		{"block aligned deep into the page", 128, 64},
		{"crossing a block boundary unaligned", 40, 30},
		{"last byte alone", 255, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := make([]byte, tc.n)
			_, err := e.ReadAt(got, tc.off)
			require.NoError(t, err)
			assert.Equal(t, plain[tc.off:tc.off+int64(tc.n)], got)
		})
	}
}

func TestEncryptedRewriteOfSubRange(t *testing.T) {
	// rewriting part of a previously written range at a different offset
	// must splice cleanly with the surrounding ciphertext
	inner := NewMemBacking(make([]byte, EncryptionPageSize))
	e, err := NewEncrypted(inner, testKey())
	require.NoError(t, err)

	plain := bytes.Repeat([]byte{0x5A}, 200)
	_, err = e.WriteAt(plain, 0)
	require.NoError(t, err)

	patch := bytes.Repeat([]byte{0xA5}, 48)
	_, err = e.WriteAt(patch, 100)
	require.NoError(t, err)

	got := make([]byte, 200)
	_, err = e.ReadAt(got, 0)
	require.NoError(t, err)
	want := append([]byte(nil), plain...)
	copy(want[100:], patch)
	assert.Equal(t, want, got)
}

func TestEncryptedMapIsPrivateCopy(t *testing.T) {
	inner := NewMemBacking(make([]byte, EncryptionPageSize))
	e, err := NewEncrypted(inner, testKey())
	require.NoError(t, err)

	_, err = e.WriteAt([]byte{1, 2, 3, 4}, 0)
	require.NoError(t, err)

	w, err := e.Map(0, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, w)

	w[0] = 99
	again, err := e.Map(0, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, again)
}
