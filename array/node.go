package array

import (
	"fmt"

	"github.com/cinderdb/cinder/alloc"
)

// Kind is the tagged variant distinguishing node sub kinds. It is resolved
// once per access at the header read site; there is no dispatch hierarchy.
type Kind struct {
	// HasRefs marks payload entries as refs to child nodes.
	HasRefs bool
	// Inner marks a B+-tree interior node. Implies HasRefs.
	Inner bool
	// Context is the leaf sub kind disambiguator, opaque at this layer.
	Context bool
}

// Parent receives the replacement ref when a child node is relocated. Refs
// never change value in place; relocation replaces the old ref with a new
// one recorded by the parent.
type Parent interface {
	UpdateChildRef(childIdx int, ref alloc.Ref) error
}

// Node is an accessor over one packed array node. The node's bytes live in
// allocator owned storage; Node itself is transient and carries no
// ownership beyond the duty to tell its parent when the ref changes.
type Node struct {
	alloc       alloc.Allocator
	ref         alloc.Ref
	data        []byte // full allocation, header included
	parent      Parent
	idxInParent int
}

// nodeByteSize is the allocated size for count records at width w: header
// plus payload, rounded to the allocator's 8 byte granularity.
func nodeByteSize(count int, w uint8) int {
	return (HeaderSize + payloadBytes(count, w) + 7) &^ 7
}

// Create allocates a new node of the given kind holding size copies of
// value, packed at the minimal width for value.
func Create(a alloc.Allocator, kind Kind, size int, value int64) (*Node, error) {
	w := WidthFor(value)
	byteSize := nodeByteSize(size, w)
	mr, err := a.Alloc(byteSize)
	if err != nil {
		return nil, err
	}
	headerSetFlags(mr.Addr, kind, w)
	headerSetCapacity(mr.Addr, byteSize)
	headerSetSize(mr.Addr, size)
	if value != 0 {
		p := mr.Addr[HeaderSize:]
		for i := 0; i < size; i++ {
			setDirect(p, w, i, value)
		}
	}
	return &Node{alloc: a, ref: mr.Ref, data: mr.Addr}, nil
}

// InitFromRef attaches an accessor to the node stored at ref.
func InitFromRef(a alloc.Allocator, ref alloc.Ref) *Node {
	addr := a.Translate(ref)
	return &Node{alloc: a, ref: ref, data: addr[:headerCapacity(addr)]}
}

// SetParent wires the parent link used when this node is relocated.
func (n *Node) SetParent(p Parent, childIdx int) {
	n.parent = p
	n.idxInParent = childIdx
}

func (n *Node) Ref() alloc.Ref   { return n.ref }
func (n *Node) Size() int        { return headerSizeOf(n.data) }
func (n *Node) Width() uint8     { return headerWidth(n.data) }
func (n *Node) Capacity() int    { return headerCapacity(n.data) }
func (n *Node) HasRefs() bool    { return headerHasRefs(n.data) }
func (n *Node) IsInner() bool    { return headerIsInner(n.data) }
func (n *Node) ContextFlag() bool { return headerContext(n.data) }

func (n *Node) payload() []byte { return n.data[HeaderSize:] }

func (n *Node) boundsCheck(i, size int) {
	if i < 0 || i >= size {
		panic(fmt.Sprintf("array: index %d out of bounds for size %d", i, size))
	}
}

// Get returns record i.
func (n *Node) Get(i int) int64 {
	n.boundsCheck(i, n.Size())
	return getDirect(n.payload(), n.Width(), i)
}

// GetAsRef returns record i as a child ref. Tagged bookkeeping entries
// yield RefNull.
func (n *Node) GetAsRef(i int) alloc.Ref {
	v := n.Get(i)
	if IsTagged(v) {
		return alloc.RefNull
	}
	return alloc.Ref(v)
}

// ensureWritable clones the node into mutable slab space when it currently
// lives below the allocator's baseline. The old ref is freed and the parent
// is told about the replacement.
func (n *Node) ensureWritable() error {
	if !n.alloc.IsReadOnly(n.ref) {
		return nil
	}
	mr, err := n.alloc.Alloc(len(n.data))
	if err != nil {
		return err
	}
	copy(mr.Addr, n.data)
	old, oldData := n.ref, n.data
	n.ref, n.data = mr.Ref, mr.Addr
	n.alloc.Free(old, oldData)
	if n.parent != nil {
		return n.parent.UpdateChildRef(n.idxInParent, n.ref)
	}
	return nil
}

// repack rewrites every record at width newW inside the current buffer.
// Walking backwards is safe: each record's target bits start at or after
// its source bits, and records already consumed are the only ones a write
// can land on.
func (n *Node) repack(newW uint8) {
	oldW := n.Width()
	p := n.payload()
	for i := n.Size() - 1; i >= 0; i-- {
		setDirect(p, newW, i, getDirect(p, oldW, i))
	}
	headerSetWidth(n.data, newW)
}

// ensureShape grows the allocation and repacks as needed so the node can
// hold newSize records at width at least w. Growth happens before any
// parent ref changes: a failed growth leaves the node, and therefore the
// tree above it, unmodified.
func (n *Node) ensureShape(newSize int, w uint8) error {
	if w < n.Width() {
		w = n.Width()
	}
	needed := nodeByteSize(newSize, w)
	if needed > n.Capacity() {
		newCap := n.Capacity() + n.Capacity()/2
		if newCap < needed {
			newCap = needed
		}
		newCap = (newCap + 7) &^ 7
		mr, err := n.alloc.Realloc(n.ref, n.data, n.Capacity(), newCap)
		if err != nil {
			return err
		}
		n.ref, n.data = mr.Ref, mr.Addr
		headerSetCapacity(n.data, newCap)
		if n.parent != nil {
			if err := n.parent.UpdateChildRef(n.idxInParent, n.ref); err != nil {
				return err
			}
		}
	}
	if w > n.Width() {
		n.repack(w)
	}
	return nil
}

// Set writes record i. A value that fits the current width is written in
// place; otherwise every record is repacked at the next sufficient width,
// growing the allocation when the node no longer fits it.
func (n *Node) Set(i int, v int64) error {
	n.boundsCheck(i, n.Size())
	if err := n.ensureWritable(); err != nil {
		return err
	}
	if fits(v, n.Width()) {
		setDirect(n.payload(), n.Width(), i, v)
		return nil
	}
	if err := n.ensureShape(n.Size(), WidthFor(v)); err != nil {
		return err
	}
	setDirect(n.payload(), n.Width(), i, v)
	return nil
}

// SetRef writes record i as a child ref.
func (n *Node) SetRef(i int, ref alloc.Ref) error { return n.Set(i, int64(ref)) }

// Insert adds v at index i, shifting later records right. i == Size()
// appends.
func (n *Node) Insert(i int, v int64) error {
	size := n.Size()
	n.boundsCheck(i, size+1)
	if err := n.ensureWritable(); err != nil {
		return err
	}
	if err := n.ensureShape(size+1, WidthFor(v)); err != nil {
		return err
	}
	w := n.Width()
	p := n.payload()
	if w >= 8 {
		bw := int(w / 8)
		copy(p[(i+1)*bw:(size+1)*bw], p[i*bw:size*bw])
	} else {
		for j := size; j > i; j-- {
			setDirect(p, w, j, getDirect(p, w, j-1))
		}
	}
	setDirect(p, w, i, v)
	headerSetSize(n.data, size+1)
	return nil
}

// Add appends v.
func (n *Node) Add(v int64) error { return n.Insert(n.Size(), v) }

// Erase removes record i, shifting later records left. The width is never
// narrowed by erasure.
func (n *Node) Erase(i int) error {
	size := n.Size()
	n.boundsCheck(i, size)
	if err := n.ensureWritable(); err != nil {
		return err
	}
	w := n.Width()
	p := n.payload()
	if w >= 8 {
		bw := int(w / 8)
		copy(p[i*bw:], p[(i+1)*bw:size*bw])
	} else {
		for j := i; j < size-1; j++ {
			setDirect(p, w, j, getDirect(p, w, j+1))
		}
	}
	// scrub the vacated slot so stale bits never surface in scans
	setDirect(p, w, size-1, 0)
	headerSetSize(n.data, size-1)
	return nil
}

// Truncate drops records from the end until size records remain.
func (n *Node) Truncate(size int) error {
	old := n.Size()
	if size > old {
		panic(fmt.Sprintf("array: truncate to %d grows size %d", size, old))
	}
	if size == old {
		return nil
	}
	if err := n.ensureWritable(); err != nil {
		return err
	}
	w := n.Width()
	p := n.payload()
	for i := size; i < old; i++ {
		setDirect(p, w, i, 0)
	}
	headerSetSize(n.data, size)
	return nil
}

// Destroy frees this node's storage. The accessor is poisoned.
func (n *Node) Destroy() {
	n.alloc.Free(n.ref, n.data)
	n.ref = alloc.RefNull
	n.data = nil
}

// DestroyDeep frees this node and, for has-refs nodes, every child it
// references, recursively. Tagged entries and null refs are skipped.
func (n *Node) DestroyDeep() {
	if n.HasRefs() {
		size := n.Size()
		for i := 0; i < size; i++ {
			v := n.Get(i)
			if v == 0 || IsTagged(v) {
				continue
			}
			child := InitFromRef(n.alloc, alloc.Ref(v))
			child.DestroyDeep()
		}
	}
	n.Destroy()
}
