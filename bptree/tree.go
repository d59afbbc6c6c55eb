// Package bptree implements the generic B+-tree: logical sequence
// operations over a root that is either a single packed-array leaf or a
// multi level tree of interior nodes pointing at leaves.
//
// Interior nodes are has-refs packed arrays whose last payload entry is the
// tagged aggregate element count of the subtree, supporting indexed descent
// without rescanning leaves. The tree maintains no value ordering: ordered
// lookup is a separate index structure's concern.
package bptree

import (
	"fmt"

	"github.com/cinderdb/cinder/alloc"
	"github.com/cinderdb/cinder/array"
)

// MaxNodeSize is the practical node size bound: the maximum record count
// per leaf, and the maximum child count per interior node. A leaf at the
// bound splits into two half size siblings on insert.
const MaxNodeSize = 1000

// Tree is the logical owner of a single root node. It is single writer,
// like everything above the allocator; callers serialize mutation.
type Tree struct {
	alloc    alloc.Allocator
	kind     array.Kind
	root     *array.Node
	versions *alloc.Versions
}

// innerKind is the node kind of every interior node.
var innerKind = array.Kind{HasRefs: true, Inner: true}

// Create makes an empty tree whose leaves have the given kind. versions may
// be nil; when set, it is bumped on every structural mutation.
func Create(a alloc.Allocator, kind array.Kind, versions *alloc.Versions) (*Tree, error) {
	if kind.Inner {
		panic("bptree: a leaf kind cannot carry the inner flag")
	}
	root, err := array.Create(a, kind, 0, 0)
	if err != nil {
		return nil, err
	}
	return &Tree{alloc: a, kind: kind, root: root, versions: versions}, nil
}

// InitFromRef attaches a tree to an existing root node.
func InitFromRef(a alloc.Allocator, rootRef alloc.Ref, kind array.Kind, versions *alloc.Versions) (*Tree, error) {
	if kind.Inner {
		panic("bptree: a leaf kind cannot carry the inner flag")
	}
	root := array.InitFromRef(a, rootRef)
	return &Tree{alloc: a, kind: kind, root: root, versions: versions}, nil
}

// RootRef returns the current root ref. It changes when the root node is
// relocated or the tree height changes.
func (t *Tree) RootRef() alloc.Ref { return t.root.Ref() }

// Size returns the element count.
func (t *Tree) Size() int { return subtreeSize(t.root) }

// Depth returns the level count: 1 for a single leaf root. Every leaf sits
// at the same depth.
func (t *Tree) Depth() int {
	d := 1
	node := t.root
	for node.IsInner() {
		node = array.InitFromRef(t.alloc, node.GetAsRef(0))
		d++
	}
	return d
}

// Destroy frees the root and every node below it.
func (t *Tree) Destroy() {
	t.root.DestroyDeep()
	t.root = nil
}

func (t *Tree) bump() {
	if t.versions != nil {
		t.versions.Bump()
	}
}

// subtreeSize is the element count of the subtree rooted at n: the record
// count for a leaf, the tagged last entry for an interior node.
func subtreeSize(n *array.Node) int {
	if !n.IsInner() {
		return n.Size()
	}
	return int(array.UntagValue(n.Get(n.Size() - 1)))
}

// childCount is the number of child slots of an interior node, excluding
// the tagged count entry.
func childCount(n *array.Node) int { return n.Size() - 1 }

// innerParent adapts an interior node to the array.Parent contract so a
// relocated child can replace its ref in the right slot.
type innerParent struct {
	n *array.Node
}

func (p innerParent) UpdateChildRef(childIdx int, ref alloc.Ref) error {
	return p.n.SetRef(childIdx, ref)
}

// childNode attaches an accessor to child c of n, wired so relocations
// propagate upward.
func (t *Tree) childNode(n *array.Node, c int) *array.Node {
	child := array.InitFromRef(t.alloc, n.GetAsRef(c))
	child.SetParent(innerParent{n}, c)
	return child
}

// childFor finds the child of n whose running element range contains i,
// returning the child slot and the index local to that child. The last
// child takes the remainder, which is also where appends land.
func (t *Tree) childFor(n *array.Node, i int) (int, int) {
	cc := childCount(n)
	for c := 0; c < cc-1; c++ {
		cnt := subtreeSize(array.InitFromRef(t.alloc, n.GetAsRef(c)))
		if i < cnt {
			return c, i
		}
		i -= cnt
	}
	return cc - 1, i
}

// LeafFor descends to the leaf containing index i, returning it and the
// index local to the leaf. The returned leaf's parent chain is wired so in
// place mutation through it stays safe.
func (t *Tree) LeafFor(i int) (*array.Node, int) {
	node := t.root
	for node.IsInner() {
		c, li := t.childFor(node, i)
		node, i = t.childNode(node, c), li
	}
	return node, i
}

// Get returns the element at index i.
func (t *Tree) Get(i int) int64 {
	t.boundsCheck(i)
	leaf, li := t.LeafFor(i)
	return leaf.Get(li)
}

// Set replaces the element at index i.
func (t *Tree) Set(i int, v int64) error {
	t.boundsCheck(i)
	leaf, li := t.LeafFor(i)
	if err := leaf.Set(li, v); err != nil {
		return err
	}
	t.bump()
	return nil
}

func (t *Tree) boundsCheck(i int) {
	if i < 0 || i >= t.Size() {
		panic(fmt.Sprintf("bptree: index %d out of bounds for size %d", i, t.Size()))
	}
}
