package bptree

// Value lookup is a linear leaf by leaf scan: the tree maintains no sort
// order, and each leaf scans its own packed representation word parallel.

// FindFirst returns the lowest index holding value, or -1.
func (t *Tree) FindFirst(value int64) int {
	size := t.Size()
	i := 0
	for i < size {
		leaf, off := t.LeafFor(i)
		if j := leaf.FindFirst(value, off, leaf.Size()); j >= 0 {
			return i - off + j
		}
		i += leaf.Size() - off
	}
	return -1
}

// FindAll calls fn with every index holding value, ascending, stopping
// early if fn returns false.
func (t *Tree) FindAll(value int64, fn func(i int) bool) {
	size := t.Size()
	i := 0
	for i < size {
		leaf, off := t.LeafFor(i)
		base := i - off
		stopped := false
		leaf.FindAll(value, off, leaf.Size(), func(j int) bool {
			if !fn(base + j) {
				stopped = true
				return false
			}
			return true
		})
		if stopped {
			return
		}
		i = base + leaf.Size()
	}
}
