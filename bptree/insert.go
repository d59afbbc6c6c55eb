package bptree

import (
	"fmt"

	"github.com/cinderdb/cinder/alloc"
	"github.com/cinderdb/cinder/array"
)

// Insertion descends to the target leaf and inserts in place when there is
// room. A full leaf splits into two half size siblings and the new sibling
// ref propagates upward: each ancestor either has room for one more child
// slot, or splits itself. When the propagation reaches the root, a brand
// new interior root with exactly two children is created. That is the only
// way tree height increases, and it increases by exactly one level per root
// split.
//
// An allocation failure before the target leaf is touched leaves the tree
// unmodified. A failure after a leaf has already split can strand the new
// sibling; the session's write transaction is expected to be abandoned, not
// resumed, after any insert error.

// Insert adds v at index i, shifting later elements up. i == Size()
// appends, taking the rightmost spine fast path.
func (t *Tree) Insert(i int, v int64) error {
	size := t.Size()
	if i < 0 || i > size {
		panic(fmt.Sprintf("bptree: insert index %d out of bounds for size %d", i, size))
	}
	return t.insert(i, v, i == size)
}

// Append adds v after the last element.
func (t *Tree) Append(v int64) error {
	return t.insert(t.Size(), v, true)
}

func (t *Tree) insert(i int, v int64, appendMode bool) error {
	size := t.Size()
	sibRef, err := t.insertNode(t.root, i, v, appendMode)
	if err != nil {
		return err
	}
	if sibRef != alloc.RefNull {
		if err := t.growRoot(sibRef, size+1); err != nil {
			return err
		}
	}
	t.bump()
	return nil
}

// growRoot raises the tree by one level: a new interior root with the old
// root and the new sibling as its only children.
func (t *Tree) growRoot(sibRef alloc.Ref, total int) error {
	newRoot, err := array.Create(t.alloc, innerKind, 0, 0)
	if err != nil {
		return err
	}
	if err := newRoot.Add(int64(t.root.Ref())); err != nil {
		return err
	}
	if err := newRoot.Add(int64(sibRef)); err != nil {
		return err
	}
	if err := newRoot.Add(array.TagValue(int64(total))); err != nil {
		return err
	}
	t.root = newRoot
	return nil
}

// insertNode inserts into the subtree rooted at n. A non null return is the
// ref of a newly created right sibling of n that the caller must adopt.
// In appendMode the descent always takes the last child and i is ignored.
func (t *Tree) insertNode(n *array.Node, i int, v int64, appendMode bool) (alloc.Ref, error) {
	if !n.IsInner() {
		return t.insertLeaf(n, i, v, appendMode)
	}

	var c, li int
	if appendMode {
		c, li = childCount(n)-1, 0
	} else {
		c, li = t.childFor(n, i)
	}
	child := t.childNode(n, c)
	sibRef, err := t.insertNode(child, li, v, appendMode)
	if err != nil {
		return alloc.RefNull, err
	}

	if sibRef != alloc.RefNull {
		if childCount(n) >= MaxNodeSize {
			// splitInner recomputes both halves' tagged totals from the
			// children, which already include the new element
			return t.splitInner(n, c+1, sibRef)
		}
		// adopt before bumping the count, so a failed adoption cannot
		// leave the count claiming elements only the orphaned sibling holds
		if err := n.Insert(c+1, int64(sibRef)); err != nil {
			return alloc.RefNull, err
		}
	}
	last := n.Size() - 1
	total := array.UntagValue(n.Get(last))
	return alloc.RefNull, n.Set(last, array.TagValue(total+1))
}

func (t *Tree) insertLeaf(n *array.Node, i int, v int64, appendMode bool) (alloc.Ref, error) {
	size := n.Size()
	if appendMode {
		i = size
	}
	if size < MaxNodeSize {
		return alloc.RefNull, n.Insert(i, v)
	}

	// split into two half size siblings, then insert into the right half
	mid := size / 2
	sib, err := array.Create(t.alloc, t.kind, 0, 0)
	if err != nil {
		return alloc.RefNull, err
	}
	for j := mid; j < size; j++ {
		if err := sib.Add(n.Get(j)); err != nil {
			return alloc.RefNull, err
		}
	}
	if err := n.Truncate(mid); err != nil {
		return alloc.RefNull, err
	}
	if i <= mid {
		err = n.Insert(i, v)
	} else {
		err = sib.Insert(i-mid, v)
	}
	if err != nil {
		return alloc.RefNull, err
	}
	return sib.Ref(), nil
}

// splitInner splits a full interior node that must adopt newRef at child
// slot at. The child refs are rebuilt as two halves with freshly summed
// tagged counts; the right half is returned for the caller to adopt.
func (t *Tree) splitInner(n *array.Node, at int, newRef alloc.Ref) (alloc.Ref, error) {
	cc := childCount(n)
	refs := make([]alloc.Ref, 0, cc+1)
	for c := 0; c < cc; c++ {
		refs = append(refs, n.GetAsRef(c))
	}
	refs = append(refs[:at], append([]alloc.Ref{newRef}, refs[at:]...)...)

	mid := len(refs) / 2
	left, right := refs[:mid], refs[mid:]

	sib, err := array.Create(t.alloc, innerKind, 0, 0)
	if err != nil {
		return alloc.RefNull, err
	}
	rightTotal := 0
	for _, r := range right {
		rightTotal += subtreeSize(array.InitFromRef(t.alloc, r))
		if err := sib.Add(int64(r)); err != nil {
			return alloc.RefNull, err
		}
	}
	if err := sib.Add(array.TagValue(int64(rightTotal))); err != nil {
		return alloc.RefNull, err
	}

	if err := n.Truncate(0); err != nil {
		return alloc.RefNull, err
	}
	leftTotal := 0
	for _, r := range left {
		leftTotal += subtreeSize(array.InitFromRef(t.alloc, r))
		if err := n.Add(int64(r)); err != nil {
			return alloc.RefNull, err
		}
	}
	if err := n.Add(array.TagValue(int64(leftTotal))); err != nil {
		return alloc.RefNull, err
	}
	return sib.Ref(), nil
}
