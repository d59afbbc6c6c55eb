package alloc

import (
	"fmt"
	"io"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cinderdb/cinder/storage"
)

// AttachMode is the allocator attachment state.
type AttachMode uint8

const (
	Detached AttachMode = iota
	AttachedToFile
	AttachedToBuffer
	AttachedEmpty
)

func (m AttachMode) String() string {
	switch m {
	case Detached:
		return "detached"
	case AttachedToFile:
		return "file"
	case AttachedToBuffer:
		return "buffer"
	case AttachedEmpty:
		return "empty"
	}
	return "unknown"
}

const (
	// DefaultSectionSize divides the mutable ref space into fixed sections.
	// Every individual allocation lies entirely within one section, because
	// each section corresponds to one contiguous memory region; this bounds
	// the cost of re-mapping when the backing store grows.
	DefaultSectionSize = 1 << 22

	// minSlabSize is the smallest slab the allocator will grow by. Slab
	// sizes double from here up to the section size.
	minSlabSize = 4096

	// translateCacheSlots is the direct mapped translate cache size. Must
	// be a power of two.
	translateCacheSlots = 64
)

// Options configures a SlabAlloc session.
type Options struct {
	// Logger receives attach/growth/commit events. Defaults to a nop logger.
	Logger *zap.Logger
	// SectionSize overrides DefaultSectionSize. Must be a power of two
	// multiple of 8. Small values keep slab growth observable in tests.
	SectionSize int
	// MaxSpace caps the total ref space in bytes. Zero means unlimited.
	// Allocations beyond the cap fail with ErrOutOfMemory.
	MaxSpace int64
	// SessionInitiator marks this session as responsible for initializing
	// a fresh or streaming-form file. A non-initiator that observes a
	// transient header gets ErrRetry rather than a hard failure.
	SessionInitiator bool
	// ReadOnly refuses every mutating operation.
	ReadOnly bool
	// EncryptionKey, when set, layers the storage encryption transform over
	// the attached backing. Must be storage.EncryptionKeySize bytes.
	EncryptionKey []byte
}

type slab struct {
	refEnd Ref // exclusive end of this slab's ref range
	data   []byte
}

func (s slab) refStart() Ref { return s.refEnd - Ref(len(s.data)) }

type cacheEntry struct {
	gen  uint64
	ref  Ref
	addr []byte
}

// SlabAlloc maps refs to addresses. It separates an immutable baseline
// region, the attached file or buffer, from a mutable region of dynamically
// grown slabs, and tracks free chunks for reuse.
//
// SlabAlloc is single writer: callers above serialize mutation. Translate
// and IsReadOnly are safe against a *different* session's writer precisely
// because refs below the baseline are immutable for the life of that
// baseline value.
type SlabAlloc struct {
	log     *zap.Logger
	session uuid.UUID

	mode    AttachMode
	backing storage.Backing

	baselineData []byte
	baseline     Ref
	streaming    bool
	hdr          FileHeader
	topRef       Ref

	sectionSize      int
	maxSpace         int64
	sessionInitiator bool
	readOnly         bool
	key              []byte

	slabs        []slab
	refEnd       Ref
	nextSlabSize int

	freeSpace    chunkList // mutable, created by this session's frees
	baselineFree chunkList // immutable, recovered or freed below baseline
	freeState    freeSpaceState

	cacheGen uint64
	cache    [translateCacheSlots]cacheEntry
}

// New returns a detached SlabAlloc configured by opts.
func New(opts Options) *SlabAlloc {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	sectionSize := opts.SectionSize
	if sectionSize == 0 {
		sectionSize = DefaultSectionSize
	}
	if sectionSize&(sectionSize-1) != 0 || sectionSize%refAlign != 0 {
		panic(fmt.Sprintf("alloc: section size %d is not a power of two multiple of %d", sectionSize, refAlign))
	}
	return &SlabAlloc{
		log:              log,
		session:          uuid.New(),
		sectionSize:      sectionSize,
		maxSpace:         opts.MaxSpace,
		sessionInitiator: opts.SessionInitiator,
		readOnly:         opts.ReadOnly,
		key:              opts.EncryptionKey,
		nextSlabSize:     minSlabSize,
	}
}

// Mode returns the current attachment state.
func (a *SlabAlloc) Mode() AttachMode { return a.mode }

// Baseline returns the ref offset separating immutable attached content from
// mutable slab content.
func (a *SlabAlloc) Baseline() Ref { return a.baseline }

// TopRef returns the top ref selected at attach, or RefNull for empty and
// fresh attachments.
func (a *SlabAlloc) TopRef() Ref { return a.topRef }

// RefEnd returns the exclusive end of the allocated ref space. A Write of
// [0, RefEnd) captures the full image.
func (a *SlabAlloc) RefEnd() Ref { return a.refEnd }

// StreamingForm reports whether the attached file was in streaming form.
func (a *SlabAlloc) StreamingForm() bool { return a.streaming }

// Session identifies this allocator instance in logs and trailers.
func (a *SlabAlloc) Session() uuid.UUID { return a.session }

func (a *SlabAlloc) attachGuard() error {
	if a.mode != Detached {
		return fmt.Errorf("%w: currently attached to %s", ErrAttached, a.mode)
	}
	return nil
}

// AttachEmpty attaches with no backing content at all. The whole ref space
// is mutable; the baseline is the minimal 8 bytes keeping ref 0 null.
func (a *SlabAlloc) AttachEmpty() error {
	if err := a.attachGuard(); err != nil {
		return err
	}
	a.mode = AttachedEmpty
	a.baseline = refAlign
	a.refEnd = refAlign
	a.topRef = RefNull
	a.log.Info("attached empty",
		zap.String("session", a.session.String()))
	return nil
}

// AttachBuffer attaches to an in-memory database image. The buffer must be a
// valid image: validation is identical to AttachFile.
func (a *SlabAlloc) AttachBuffer(data []byte) error {
	if err := a.attachGuard(); err != nil {
		return err
	}
	return a.attachImage(storage.NewMemBacking(data), AttachedToBuffer)
}

// AttachFile attaches to a file backing.
//
// A zero length or zero headered file observed by a non-initiator session
// returns ErrRetry: another writer is concurrently initializing it, and the
// caller must re-attempt after confirming it has not itself become
// responsible for initializing the file. Structural validation failures
// return ErrInvalidDatabase.
func (a *SlabAlloc) AttachFile(b storage.Backing) error {
	if err := a.attachGuard(); err != nil {
		return err
	}
	return a.attachImage(b, AttachedToFile)
}

func (a *SlabAlloc) attachImage(b storage.Backing, mode AttachMode) error {
	var err error
	if len(a.key) > 0 {
		if b, err = storage.NewEncrypted(b, a.key); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidDatabase, err)
		}
	}

	size, err := b.Size()
	if err != nil {
		return err
	}

	if size == 0 {
		if !a.sessionInitiator {
			return fmt.Errorf("%w: file is empty", ErrRetry)
		}
		if size, err = a.initializeFile(b); err != nil {
			return err
		}
	}
	if size < HeaderSize {
		if !a.sessionInitiator {
			return fmt.Errorf("%w: file is shorter than a header", ErrRetry)
		}
		return fmt.Errorf("%w: %d bytes is too short for a database image", ErrInvalidDatabase, size)
	}
	if size%refAlign != 0 {
		return fmt.Errorf("%w: image size %d is not a multiple of %d", ErrInvalidDatabase, size, refAlign)
	}

	head := make([]byte, HeaderSize)
	if _, err = b.ReadAt(head, 0); err != nil {
		return fmt.Errorf("%w: reading header: %v", ErrInvalidDatabase, err)
	}
	hdr, ok, err := DecodeFileHeader(head)
	if err != nil {
		return err
	}

	var topRef Ref
	var isStreaming bool
	switch {
	case ok:
		topRef = hdr.TopRef()
	case size > HeaderSize:
		// a zero header with trailing content is the streaming form,
		// provided the magic cookie checks out
		tail := make([]byte, FooterSize)
		if _, err = b.ReadAt(tail, size-FooterSize); err != nil {
			return fmt.Errorf("%w: reading streaming footer: %v", ErrInvalidDatabase, err)
		}
		topRef, isStreaming = DecodeStreamingFooter(tail)
		if !isStreaming {
			if !a.sessionInitiator {
				return fmt.Errorf("%w: header not yet written", ErrRetry)
			}
			return fmt.Errorf("%w: no header and no streaming footer", ErrInvalidDatabase)
		}
		hdr = NewFileHeader()
	default:
		// bare zero header; treat as a fresh image with no top ref
		if !a.sessionInitiator {
			return fmt.Errorf("%w: header not yet written", ErrRetry)
		}
		hdr = NewFileHeader()
	}

	if topRef != RefNull && (topRef < HeaderSize || topRef >= Ref(size)) {
		return fmt.Errorf("%w: top ref %d outside image of %d bytes", ErrInvalidDatabase, topRef, size)
	}

	window, err := b.Map(0, size)
	if err != nil {
		return fmt.Errorf("%w: mapping baseline: %v", ErrInvalidDatabase, err)
	}

	a.backing = b
	a.baselineData = window
	a.baseline = Ref(size)
	a.refEnd = Ref(size)
	a.hdr = hdr
	a.topRef = topRef
	a.streaming = isStreaming
	a.mode = mode
	a.log.Info("attached",
		zap.String("session", a.session.String()),
		zap.String("mode", mode.String()),
		zap.Uint64("baseline", uint64(a.baseline)),
		zap.Uint64("topRef", uint64(topRef)),
		zap.Bool("streaming", isStreaming))
	return nil
}

// initializeFile writes a fresh header into an empty file. Only the session
// initiator does this.
func (a *SlabAlloc) initializeFile(b storage.Backing) (int64, error) {
	if a.readOnly {
		return 0, fmt.Errorf("%w: cannot initialize a file", ErrReadOnly)
	}
	if err := b.Extend(HeaderSize); err != nil {
		return 0, err
	}
	head := make([]byte, HeaderSize)
	if err := EncodeFileHeader(head, NewFileHeader()); err != nil {
		return 0, err
	}
	if _, err := b.WriteAt(head, 0); err != nil {
		return 0, err
	}
	if err := b.Sync(); err != nil {
		return 0, err
	}
	return HeaderSize, nil
}

// Detach returns the allocator to the detached state. It is idempotent and
// does not close the backing, which the caller owns.
func (a *SlabAlloc) Detach() {
	if a.mode == Detached {
		return
	}
	a.log.Info("detached",
		zap.String("session", a.session.String()),
		zap.String("mode", a.mode.String()))
	a.mode = Detached
	a.backing = nil
	a.baselineData = nil
	a.baseline = 0
	a.topRef = RefNull
	a.streaming = false
	a.hdr = FileHeader{}
	a.slabs = nil
	a.refEnd = 0
	a.nextSlabSize = minSlabSize
	a.freeSpace = nil
	a.baselineFree = nil
	a.freeState = freeSpaceClean
	a.cacheGen++
}

func (a *SlabAlloc) mutableGuard() error {
	if a.mode == Detached {
		return ErrDetached
	}
	if a.readOnly {
		return ErrReadOnly
	}
	if a.freeState == freeSpaceInvalid {
		return ErrFreeSpaceInvalid
	}
	return nil
}

// Alloc returns a never-null MemRef for size bytes, reusing a free chunk
// when one fits and growing a slab otherwise.
func (a *SlabAlloc) Alloc(size int) (MemRef, error) {
	checkSize(size)
	if err := a.mutableGuard(); err != nil {
		return MemRef{}, err
	}
	if size > a.sectionSize {
		return MemRef{}, fmt.Errorf("%w: %d bytes exceeds the section size %d", ErrOutOfMemory, size, a.sectionSize)
	}

	ref, rest, ok := a.freeSpace.takeFirstFit(size, a.sectionSize)
	a.freeSpace = rest
	if !ok {
		if err := a.growSlab(size); err != nil {
			return MemRef{}, err
		}
		ref, rest, ok = a.freeSpace.takeFirstFit(size, a.sectionSize)
		a.freeSpace = rest
		if !ok {
			// the slab we just grew must hold the request
			a.freeState = freeSpaceInvalid
			return MemRef{}, fmt.Errorf("%w: grown slab cannot satisfy %d bytes", ErrFreeSpaceInvalid, size)
		}
	}

	addr := a.Translate(ref)[:size]
	clear(addr)
	return MemRef{Addr: addr, Ref: ref}, nil
}

// growSlab appends a new slab able to hold at least minSize bytes. The slab
// is a power of two, aligned to its own size, so it can never straddle a
// section boundary.
func (a *SlabAlloc) growSlab(minSize int) error {
	want := a.nextSlabSize
	for want < minSize {
		want <<= 1
	}
	if want > a.sectionSize {
		want = a.sectionSize
	}
	start := (a.refEnd + Ref(want) - 1) &^ (Ref(want) - 1)
	if a.maxSpace > 0 && int64(start)+int64(want) > a.maxSpace {
		return fmt.Errorf("%w: slab of %d bytes at %d exceeds the space cap %d", ErrOutOfMemory, want, start, a.maxSpace)
	}

	s := slab{refEnd: start + Ref(want), data: make([]byte, want)}
	a.slabs = append(a.slabs, s)
	a.refEnd = s.refEnd
	a.freeSpace = a.freeSpace.insert(Chunk{Ref: start, Size: want})
	if a.nextSlabSize < a.sectionSize {
		a.nextSlabSize <<= 1
	}
	a.cacheGen++
	a.log.Debug("slab grown",
		zap.String("session", a.session.String()),
		zap.Uint64("start", uint64(start)),
		zap.Int("size", want),
		zap.Int("slabs", len(a.slabs)))
	return nil
}

// Realloc grows or shrinks the allocation at ref, preserving payload bytes
// up to min(oldSize, newSize). SlabAlloc has no in-place growth path, so the
// default alloc-copy-free behavior applies.
func (a *SlabAlloc) Realloc(ref Ref, oldAddr []byte, oldSize, newSize int) (MemRef, error) {
	return ReallocDefault(a, ref, oldAddr, oldSize, newSize)
}

// Free returns the allocation at ref to the free space. len(addr) must be
// the full allocation size, as returned by Alloc. Freeing a ref that is not
// currently allocated is a caller bug with undefined results.
func (a *SlabAlloc) Free(ref Ref, addr []byte) {
	checkRef(ref)
	checkSize(len(addr))
	if a.freeState == freeSpaceInvalid {
		// bookkeeping is untrusted; dropping the chunk only leaks space
		return
	}
	if ref < a.baseline {
		// space inside the immutable attached region only becomes reusable
		// once a later commit writes it into a free list checkpoint
		a.baselineFree = a.baselineFree.insert(Chunk{Ref: ref, Size: len(addr)})
		return
	}
	a.freeSpace = a.freeSpace.insert(Chunk{Ref: ref, Size: len(addr)})
	a.freeState = freeSpaceDirty
}

// MergeFreeSpace coalesces adjacent free chunks. Called after a mutation
// batch; position ordering makes this a single O(n) pass.
func (a *SlabAlloc) MergeFreeSpace() {
	if a.freeState == freeSpaceInvalid {
		return
	}
	a.freeSpace = a.freeSpace.merge(a.sectionSize)
	a.freeState = freeSpaceClean
}

// ResetFreeSpaceTracking discards all mutable free space bookkeeping,
// restarting it from a clean baseline.
func (a *SlabAlloc) ResetFreeSpaceTracking() {
	a.freeSpace = nil
	a.baselineFree = nil
	a.freeState = freeSpaceClean
}

// FreeSpaceTotal returns the byte total of the session's reusable chunks.
func (a *SlabAlloc) FreeSpaceTotal() int { return a.freeSpace.totalFree() }

// BaselineFreeTotal returns the byte total of immutable free space below the
// baseline, recovered from a checkpoint or created by frees of attached
// content.
func (a *SlabAlloc) BaselineFreeTotal() int { return a.baselineFree.totalFree() }

// CheckpointFreeSpace snapshots the current free space for the commit
// writer to persist.
func (a *SlabAlloc) CheckpointFreeSpace() FreeListCheckpoint {
	cp := FreeListCheckpoint{
		Version:  CheckpointVersion,
		Baseline: uint64(a.baseline),
		Chunks:   make([]ChunkRecord, 0, len(a.freeSpace)),
	}
	for _, c := range a.freeSpace {
		cp.Chunks = append(cp.Chunks, ChunkRecord{Ref: uint64(c.Ref), Size: uint64(c.Size)})
	}
	return cp
}

// RecoverFreeSpace adopts the free list committed by a previous session.
// The checkpoint is validated before it is trusted; a checkpoint that fails
// validation marks the free space state invalid, after which all further
// mutating calls fail fast rather than risk silent corruption.
func (a *SlabAlloc) RecoverFreeSpace(cp FreeListCheckpoint) error {
	if a.mode == Detached {
		return ErrDetached
	}
	if err := cp.validate(a.baseline); err != nil {
		a.freeState = freeSpaceInvalid
		a.log.Warn("free list checkpoint rejected",
			zap.String("session", a.session.String()),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrFreeSpaceInvalid, err)
	}
	for _, c := range cp.Chunks {
		a.baselineFree = a.baselineFree.insert(Chunk{Ref: Ref(c.Ref), Size: int(c.Size)})
	}
	return nil
}

// Translate resolves ref to its current address: a slice from the node's
// first byte to the end of its region. The caller derives the node length
// from the node header. Stale cache entries are detected by the generation
// counter, bumped whenever the slab set changes.
func (a *SlabAlloc) Translate(ref Ref) []byte {
	checkRef(ref)
	slot := &a.cache[(uint64(ref)>>3)&(translateCacheSlots-1)]
	if slot.gen == a.cacheGen && slot.ref == ref {
		return slot.addr
	}

	var addr []byte
	if ref < a.baseline {
		addr = a.baselineData[ref:]
	} else {
		i := sort.Search(len(a.slabs), func(i int) bool { return a.slabs[i].refEnd > ref })
		if i == len(a.slabs) {
			panic(fmt.Sprintf("alloc: ref %d is not in any slab", ref))
		}
		s := a.slabs[i]
		if ref < s.refStart() {
			panic(fmt.Sprintf("alloc: ref %d falls in the gap before slab [%d, %d)", ref, s.refStart(), s.refEnd))
		}
		addr = s.data[ref-s.refStart():]
	}

	*slot = cacheEntry{gen: a.cacheGen, ref: ref, addr: addr}
	return addr
}

// IsReadOnly reports whether ref addresses the immutable attached region.
func (a *SlabAlloc) IsReadOnly(ref Ref) bool { return ref < a.baseline }

// Write streams size bytes of the current ref space image starting at
// offset to out. Gaps between slabs, which no allocation can occupy, are
// written as zeros. A separate writer component uses this to produce a new
// committed file image.
func (a *SlabAlloc) Write(offset, size uint64, out io.Writer) error {
	if a.mode == Detached {
		return ErrDetached
	}
	if offset+size > uint64(a.refEnd) {
		return fmt.Errorf("%w: [%d, %d) beyond ref end %d", ErrRangeEnd, offset, offset+size, a.refEnd)
	}
	var zeros [512]byte
	for size > 0 {
		var src []byte
		if offset < uint64(len(a.baselineData)) {
			src = a.baselineData[offset:]
		} else if s, ok := a.slabAt(Ref(offset)); ok {
			src = s.data[Ref(offset)-s.refStart():]
		} else {
			// a gap created by slab alignment
			next := a.nextSlabStart(Ref(offset))
			gap := uint64(next) - offset
			if gap > uint64(len(zeros)) {
				gap = uint64(len(zeros))
			}
			src = zeros[:gap]
		}
		n := uint64(len(src))
		if n > size {
			n = size
		}
		if _, err := out.Write(src[:n]); err != nil {
			return err
		}
		offset += n
		size -= n
	}
	return nil
}

func (a *SlabAlloc) slabAt(ref Ref) (slab, bool) {
	i := sort.Search(len(a.slabs), func(i int) bool { return a.slabs[i].refEnd > ref })
	if i == len(a.slabs) || ref < a.slabs[i].refStart() {
		return slab{}, false
	}
	return a.slabs[i], true
}

func (a *SlabAlloc) nextSlabStart(ref Ref) Ref {
	i := sort.Search(len(a.slabs), func(i int) bool { return a.slabs[i].refEnd > ref })
	if i == len(a.slabs) {
		return a.refEnd
	}
	return a.slabs[i].refStart()
}

// CommitTopRef publishes topRef as the committed root of a file attachment.
// For a normal image the new top ref goes into the inactive header slot and
// the select bit flips, so a torn write preserves the previous commit. A
// streaming form file is rewritten in non-streaming form by its first
// commit; the footer stops being authoritative from then on.
func (a *SlabAlloc) CommitTopRef(topRef Ref) error {
	if a.mode != AttachedToFile {
		return ErrNotAFile
	}
	if a.readOnly {
		return ErrReadOnly
	}
	if topRef != RefNull {
		checkRef(topRef)
	}

	hdr := a.hdr
	if a.streaming {
		hdr = NewFileHeader()
		hdr.TopRefs[0] = topRef
	} else {
		inactive := 1 - hdr.ActiveSlot()
		hdr.TopRefs[inactive] = topRef
		hdr.Versions[inactive] = CurrentFileFormat
		hdr.Flags ^= headerFlagSelectBit
	}

	head := make([]byte, HeaderSize)
	if err := EncodeFileHeader(head, hdr); err != nil {
		return err
	}
	if _, err := a.backing.WriteAt(head, 0); err != nil {
		return err
	}
	if err := a.backing.Sync(); err != nil {
		return err
	}

	a.hdr = hdr
	a.topRef = topRef
	a.streaming = false
	a.log.Info("top ref committed",
		zap.String("session", a.session.String()),
		zap.Uint64("topRef", uint64(topRef)))
	return nil
}
