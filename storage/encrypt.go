package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
)

// EncryptionKeySize is the key length required by NewEncrypted (AES-256).
const EncryptionKeySize = 32

// EncryptionPageSize is the transform granularity. Each page is encrypted
// with AES-CTR under a counter derived from the page index, so pages can be
// read and rewritten independently.
const EncryptionPageSize = 4096

var ErrBadEncryptionKey = errors.New("the encryption key has the wrong length")

// Encrypted layers a page transform over another Backing. The allocator
// treats it as any other backing: bytes in, bytes out.
type Encrypted struct {
	inner Backing
	block cipher.Block
}

// NewEncrypted wraps inner with an AES-256-CTR page transform keyed by key.
func NewEncrypted(inner Backing, key []byte) (*Encrypted, error) {
	if len(key) != EncryptionKeySize {
		return nil, ErrBadEncryptionKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &Encrypted{inner: inner, block: block}, nil
}

func (e *Encrypted) Size() (int64, error)  { return e.inner.Size() }
func (e *Encrypted) Sync() error           { return e.inner.Sync() }
func (e *Encrypted) Close() error          { return e.inner.Close() }
func (e *Encrypted) Extend(size int64) error { return e.inner.Extend(size) }

// pageStream positions a CTR stream at byte offset within the page's
// keystream. CTR is length preserving so ciphertext offsets equal plaintext
// offsets.
func (e *Encrypted) pageStream(page int64, skip int64) cipher.Stream {
	var iv [aes.BlockSize]byte
	binary.LittleEndian.PutUint64(iv[:8], uint64(page))
	// advance the block counter to the first block covering skip. CTR
	// increments the IV as one big-endian integer, so the pre-positioned
	// counter must be big-endian for block k here to equal block 0
	// advanced k times.
	binary.BigEndian.PutUint64(iv[8:], uint64(skip/aes.BlockSize))
	s := cipher.NewCTR(e.block, iv[:])
	if rem := skip % aes.BlockSize; rem > 0 {
		var discard [aes.BlockSize]byte
		s.XORKeyStream(discard[:rem], discard[:rem])
	}
	return s
}

// xorRange applies the keystream for the absolute byte range starting at off
// to p, page by page.
func (e *Encrypted) xorRange(p []byte, off int64) {
	for len(p) > 0 {
		page := off / EncryptionPageSize
		skip := off % EncryptionPageSize
		n := int64(len(p))
		if room := EncryptionPageSize - skip; n > room {
			n = room
		}
		e.pageStream(page, skip).XORKeyStream(p[:n], p[:n])
		p = p[n:]
		off += n
	}
}

func (e *Encrypted) ReadAt(p []byte, off int64) (int, error) {
	n, err := e.inner.ReadAt(p, off)
	e.xorRange(p[:n], off)
	return n, err
}

func (e *Encrypted) WriteAt(p []byte, off int64) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	e.xorRange(buf, off)
	return e.inner.WriteAt(buf, off)
}

func (e *Encrypted) Map(off, length int64) ([]byte, error) {
	// the decrypted window is necessarily a private copy
	p := make([]byte, length)
	if _, err := e.ReadAt(p, off); err != nil {
		return nil, err
	}
	return p, nil
}
