package bptree

import (
	"fmt"

	"github.com/cinderdb/cinder/array"
)

// Erasure is the dual of insertion, deliberately asymmetric: a leaf that
// becomes empty is unlinked from its parent, and an interior node left with
// a single child is collapsed into that child. No under-full siblings are
// ever merged, so tree height only decreases through collapse. The policy
// trades some space for erase path simplicity.

// Erase removes the element at index i, shifting later elements down.
func (t *Tree) Erase(i int) error {
	size := t.Size()
	if i < 0 || i >= size {
		panic(fmt.Sprintf("bptree: erase index %d out of bounds for size %d", i, size))
	}
	if err := t.eraseNode(t.root, i); err != nil {
		return err
	}
	// a root left with a single child hands its place to that child; this
	// is the only way tree height decreases
	for t.root.IsInner() && childCount(t.root) == 1 {
		child := array.InitFromRef(t.alloc, t.root.GetAsRef(0))
		t.root.Destroy()
		t.root = child
	}
	t.bump()
	return nil
}

func (t *Tree) eraseNode(n *array.Node, i int) error {
	if !n.IsInner() {
		return n.Erase(i)
	}

	c, li := t.childFor(n, i)
	child := t.childNode(n, c)
	if err := t.eraseNode(child, li); err != nil {
		return err
	}

	last := n.Size() - 1
	total := array.UntagValue(n.Get(last))
	if err := n.Set(last, array.TagValue(total-1)); err != nil {
		return err
	}

	switch {
	case !child.IsInner() && child.Size() == 0 && childCount(n) > 1:
		// an empty leaf with a sibling is unlinked; without a sibling it
		// stays, and the collapse rules above this level take over
		child.Destroy()
		return n.Erase(c)
	case child.IsInner() && childCount(child) == 1:
		// collapse a single child interior node into its child
		grand := child.GetAsRef(0)
		child.Destroy()
		return n.SetRef(c, grand)
	}
	return nil
}
