package alloc

import (
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/cinderdb/cinder/storage"
)

// headerImage builds a minimal committed image: a header selecting topRef,
// followed by payload at ref HeaderSize.
func headerImage(t *testing.T, topRef Ref, payload []byte) []byte {
	t.Helper()
	size := HeaderSize + len(payload)
	if size%refAlign != 0 {
		size += refAlign - size%refAlign
	}
	img := make([]byte, size)
	h := NewFileHeader()
	h.TopRefs[0] = topRef
	assert.NilError(t, EncodeFileHeader(img, h))
	copy(img[HeaderSize:], payload)
	return img
}

// streamingImage builds a streaming form image: zeroed header region,
// payload, then the footer naming topRef.
func streamingImage(t *testing.T, topRef Ref, payload []byte) []byte {
	t.Helper()
	size := HeaderSize + len(payload)
	if size%refAlign != 0 {
		size += refAlign - size%refAlign
	}
	img := make([]byte, size+FooterSize)
	copy(img[HeaderSize:], payload)
	assert.NilError(t, EncodeStreamingFooter(img, topRef))
	return img
}

func TestAttachBufferValidImage(t *testing.T) {
	img := headerImage(t, Ref(HeaderSize), []byte("committed node bytes...."))

	a := New(Options{})
	assert.NilError(t, a.AttachBuffer(img))
	assert.Equal(t, AttachedToBuffer, a.Mode())
	assert.Equal(t, Ref(len(img)), a.Baseline())
	assert.Equal(t, Ref(HeaderSize), a.TopRef())
	assert.Assert(t, !a.StreamingForm())
	assert.Assert(t, a.IsReadOnly(Ref(HeaderSize)))

	got := a.Translate(Ref(HeaderSize))
	assert.Equal(t, "committed node bytes....", string(got[:24]))
}

func TestAttachBufferRejectsCorruptImages(t *testing.T) {
	valid := headerImage(t, Ref(HeaderSize), make([]byte, 8))

	mangle := func(fn func([]byte)) []byte {
		img := append([]byte(nil), valid...)
		fn(img)
		return img
	}
	tests := []struct {
		name string
		img  []byte
	}{
		{"bad mnemonic", mangle(func(b []byte) { b[16] = 'x' })},
		{"unaligned size", append(append([]byte(nil), valid...), 0, 0, 0)},
		{"top ref beyond image", headerImage(t, Ref(1<<20), nil)},
		{"top ref inside header", mangle(func(b []byte) { b[0] = 8 })},
		{"unsupported format", mangle(func(b []byte) { b[20] = 99 })},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := New(Options{})
			assert.ErrorIs(t, a.AttachBuffer(tc.img), ErrInvalidDatabase)
			assert.Equal(t, Detached, a.Mode())
		})
	}
}

func TestAttachFileEmptyNonInitiatorRetries(t *testing.T) {
	b := storage.NewMemBacking(nil)
	a := New(Options{})
	assert.ErrorIs(t, a.AttachFile(b), ErrRetry)
}

func TestAttachFileZeroHeaderNonInitiatorRetries(t *testing.T) {
	// another session has extended the file but not yet written the header
	b := storage.NewMemBacking(make([]byte, HeaderSize))
	a := New(Options{})
	assert.ErrorIs(t, a.AttachFile(b), ErrRetry)
}

func TestAttachFileInitiatorInitializes(t *testing.T) {
	b := storage.NewMemBacking(nil)
	a := New(Options{SessionInitiator: true})
	assert.NilError(t, a.AttachFile(b))
	assert.Equal(t, AttachedToFile, a.Mode())
	assert.Equal(t, Ref(HeaderSize), a.Baseline())
	assert.Equal(t, RefNull, a.TopRef())

	// the header on disk is now decodable by a plain session
	a.Detach()
	follower := New(Options{})
	assert.NilError(t, follower.AttachFile(b))
	assert.Equal(t, RefNull, follower.TopRef())
}

func TestAttachFileStreamingFormAndConversion(t *testing.T) {
	img := streamingImage(t, Ref(HeaderSize), []byte("streamed node...........")[:24])
	b := storage.NewMemBacking(img)

	a := New(Options{})
	assert.NilError(t, a.AttachFile(b))
	assert.Assert(t, a.StreamingForm())
	assert.Equal(t, Ref(HeaderSize), a.TopRef())

	// the first commit rewrites the header; the footer stops mattering
	assert.NilError(t, a.CommitTopRef(Ref(HeaderSize)))
	assert.Assert(t, !a.StreamingForm())
	a.Detach()

	again := New(Options{})
	assert.NilError(t, again.AttachFile(b))
	assert.Assert(t, !again.StreamingForm())
	assert.Equal(t, Ref(HeaderSize), again.TopRef())
}

func TestCommitTopRefAlternatesSlots(t *testing.T) {
	img := headerImage(t, RefNull, make([]byte, 64))
	b := storage.NewMemBacking(img)

	a := New(Options{})
	assert.NilError(t, a.AttachFile(b))

	assert.NilError(t, a.CommitTopRef(Ref(24)))
	assert.NilError(t, a.CommitTopRef(Ref(32)))

	head := make([]byte, HeaderSize)
	_, err := b.ReadAt(head, 0)
	assert.NilError(t, err)
	h, ok, err := DecodeFileHeader(head)
	assert.NilError(t, err)
	assert.Assert(t, ok)
	// both commits survive in their slots; the select bit picks the newest
	assert.Equal(t, Ref(32), h.TopRef())
	assert.Equal(t, Ref(24), h.TopRefs[1-h.ActiveSlot()])
}

func TestCommitTopRefRequiresFile(t *testing.T) {
	a := New(Options{})
	assert.NilError(t, a.AttachBuffer(headerImage(t, RefNull, make([]byte, 8))))
	assert.ErrorIs(t, a.CommitTopRef(Ref(24)), ErrNotAFile)
}

func TestAttachFileEncrypted(t *testing.T) {
	key := make([]byte, storage.EncryptionKeySize)
	for i := range key {
		key[i] = byte(i)
	}
	b := storage.NewMemBacking(nil)

	a := New(Options{SessionInitiator: true, EncryptionKey: key})
	assert.NilError(t, a.AttachFile(b))
	a.Detach()

	// the stored bytes are not a plaintext header
	head := make([]byte, HeaderSize)
	_, err := b.ReadAt(head, 0)
	assert.NilError(t, err)
	_, _, err = DecodeFileHeader(head)
	assert.ErrorIs(t, err, ErrInvalidDatabase)

	// the right key sees a fresh image; a wrong key sees garbage
	again := New(Options{EncryptionKey: key})
	assert.NilError(t, again.AttachFile(b))
	assert.Equal(t, RefNull, again.TopRef())
	again.Detach()

	wrong := New(Options{EncryptionKey: make([]byte, storage.EncryptionKeySize)})
	assert.ErrorIs(t, wrong.AttachFile(b), ErrInvalidDatabase)
}

func TestAttachFileOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.cinder")
	fb, err := storage.OpenFileBacking(path, false)
	assert.NilError(t, err)
	defer fb.Close()

	a := New(Options{SessionInitiator: true})
	assert.NilError(t, a.AttachFile(fb))
	assert.NilError(t, a.CommitTopRef(RefNull))
	a.Detach()

	fb2, err := storage.OpenFileBacking(path, true)
	assert.NilError(t, err)
	defer fb2.Close()

	r := New(Options{ReadOnly: true})
	assert.NilError(t, r.AttachFile(fb2))
	assert.Equal(t, RefNull, r.TopRef())
}

func TestConcurrentReaderKeepsStableView(t *testing.T) {
	img := headerImage(t, Ref(HeaderSize), []byte("generation one robot....")[:24])
	b := storage.NewMemBacking(img)

	reader := New(Options{ReadOnly: true})
	assert.NilError(t, reader.AttachFile(b))
	readerTop := reader.TopRef()

	// a writer session extends the file with a new node and commits it
	writer := New(Options{})
	assert.NilError(t, writer.AttachFile(b))
	newRef := Ref(len(img))
	assert.NilError(t, b.Extend(int64(len(img))+24))
	_, err := b.WriteAt([]byte("generation two robot....")[:24], int64(newRef))
	assert.NilError(t, err)
	assert.NilError(t, writer.CommitTopRef(newRef))

	// the reader's view predates the commit: its top ref and the bytes it
	// reaches through it are unchanged
	assert.Equal(t, readerTop, reader.TopRef())
	got := reader.Translate(readerTop)
	assert.Equal(t, "generation one robot....", string(got[:24]))

	// a session attaching after the commit sees the new generation
	late := New(Options{ReadOnly: true})
	assert.NilError(t, late.AttachFile(b))
	assert.Equal(t, newRef, late.TopRef())
	assert.Equal(t, "generation two robot....", string(late.Translate(newRef)[:24]))
}
