package alloc

import "sort"

// Chunk describes a reusable span of ref space.
type Chunk struct {
	Ref  Ref
	Size int
}

func (c Chunk) end() Ref { return c.Ref + Ref(c.Size) }

// freeSpaceState tracks the trustworthiness of the mutable free space
// bookkeeping. Once invalid, every further mutating allocator call fails
// fast rather than risk corrupting the node graph.
type freeSpaceState uint8

const (
	freeSpaceClean freeSpaceState = iota
	freeSpaceDirty
	freeSpaceInvalid
)

// chunkList is a position ordered list of free chunks. Position ordering is
// what lets merging coalesce adjacent chunks with a single linear pass after
// each mutation batch.
type chunkList []Chunk

// insert adds c keeping the list position ordered.
func (l chunkList) insert(c Chunk) chunkList {
	i := sort.Search(len(l), func(i int) bool { return l[i].Ref >= c.Ref })
	l = append(l, Chunk{})
	copy(l[i+1:], l[i:])
	l[i] = c
	return l
}

// takeFirstFit removes size bytes from the first chunk large enough to hold
// them without crossing a boundary of sectionSize. It returns the taken ref
// and whether a fit was found.
func (l chunkList) takeFirstFit(size, sectionSize int) (Ref, chunkList, bool) {
	for i := range l {
		c := l[i]
		if c.Size < size {
			continue
		}
		if crossesSection(c.Ref, size, sectionSize) {
			continue
		}
		r := c.Ref
		if c.Size == size {
			l = append(l[:i], l[i+1:]...)
			return r, l, true
		}
		l[i] = Chunk{Ref: c.Ref + Ref(size), Size: c.Size - size}
		return r, l, true
	}
	return RefNull, l, false
}

// merge coalesces adjacent chunks in one pass. Chunks are only merged when
// they stay within a single section, preserving the invariant that no later
// allocation from the merged chunk can span a section boundary.
func (l chunkList) merge(sectionSize int) chunkList {
	if len(l) < 2 {
		return l
	}
	out := l[:1]
	for _, c := range l[1:] {
		last := &out[len(out)-1]
		if last.end() == c.Ref && !crossesSection(last.Ref, last.Size+c.Size, sectionSize) {
			last.Size += c.Size
			continue
		}
		out = append(out, c)
	}
	return out
}

// totalFree is the byte sum of all chunks.
func (l chunkList) totalFree() int {
	n := 0
	for _, c := range l {
		n += c.Size
	}
	return n
}

func crossesSection(r Ref, size, sectionSize int) bool {
	return uint64(r)/uint64(sectionSize) != (uint64(r)+uint64(size)-1)/uint64(sectionSize)
}
