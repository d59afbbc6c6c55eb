// Package alloc implements the ref/address model and the slab allocator that
// together manage the byte layout of a database image: stable logical refs
// for variable sized nodes, an immutable attached baseline region, and a
// mutable slab region with free space tracking.
package alloc

import (
	"fmt"
	"sync/atomic"
)

// Ref is the stable logical address of a node: a byte offset from the start
// of the file or buffer image. Refs are always multiples of 8 and never
// change when a node is relocated; relocation replaces the old ref with a
// new one recorded by the node's parent.
type Ref uint64

// RefNull denotes "no reference".
const RefNull Ref = 0

// refAlign is the granularity of the ref address space. Every ref and every
// allocation size is a multiple of it.
const refAlign = 8

func (r Ref) IsNull() bool { return r == RefNull }

// checkRef panics on refs that violate the addressing contract. A ref that
// is null or not 8 aligned is a caller bug, not a recoverable condition.
func checkRef(r Ref) {
	if r == RefNull {
		panic("alloc: null ref")
	}
	if r%refAlign != 0 {
		panic(fmt.Sprintf("alloc: ref %d is not a multiple of %d", r, refAlign))
	}
}

func checkSize(size int) {
	if size <= 0 || size%refAlign != 0 {
		panic(fmt.Sprintf("alloc: size %d is not a positive multiple of %d", size, refAlign))
	}
}

// MemRef pairs a resolved memory address with the ref it was resolved from.
// It is transient: never persisted, carries no ownership.
type MemRef struct {
	Addr []byte
	Ref  Ref
}

// Allocator is the capability every node consumer builds on.
//
// Alloc never returns a null ref. Sizes passed to Alloc and Realloc are
// non zero multiples of 8. Translate is the hot path and is O(1) amortized.
// IsReadOnly reports whether ref addresses the immutable attached region;
// mutating such a ref in place is a caller bug.
type Allocator interface {
	Alloc(size int) (MemRef, error)
	Realloc(ref Ref, oldAddr []byte, oldSize, newSize int) (MemRef, error)
	Free(ref Ref, addr []byte)
	Translate(ref Ref) []byte
	IsReadOnly(ref Ref) bool
}

// ReallocDefault is the default growth path: alloc new, copy the payload up
// to min(oldSize, newSize), free old. A concrete allocator only overrides
// Realloc when it has a genuine in-place growth path.
func ReallocDefault(a Allocator, ref Ref, oldAddr []byte, oldSize, newSize int) (MemRef, error) {
	checkRef(ref)
	checkSize(oldSize)
	checkSize(newSize)
	mr, err := a.Alloc(newSize)
	if err != nil {
		return MemRef{}, err
	}
	n := oldSize
	if newSize < n {
		n = newSize
	}
	copy(mr.Addr[:n], oldAddr[:n])
	a.Free(ref, oldAddr)
	return mr, nil
}

// Versions is a monotonic counter bumped on structural mutation. It is a
// dirty flag mechanism for higher layers, not a concurrency control: tables
// sharing one counter can cheaply ask "has anything changed since I last
// looked". It is passed explicitly into the components that need it rather
// than living in ambient global state.
type Versions struct {
	n atomic.Uint64
}

// Bump records a structural mutation and returns the new version.
func (v *Versions) Bump() uint64 { return v.n.Add(1) }

// Current returns the version recorded by the most recent Bump.
func (v *Versions) Current() uint64 { return v.n.Load() }
