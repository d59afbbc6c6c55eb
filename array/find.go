package array

import (
	"encoding/binary"
	"math/bits"
)

// Value scans are leaf local: the tree above maintains no sort order, so
// lookups walk leaves and each leaf scans its packed payload. For narrow
// widths the scan is word parallel: 64 bits of payload are compared per
// step using the classic zero-field trick, which flags the first zero field
// of x exactly (later flags can be borrow artifacts, so only the lowest one
// is trusted).

// FindFirst returns the index of the first record in [begin, end) equal to
// value, or -1.
func (n *Node) FindFirst(value int64, begin, end int) int {
	size := n.Size()
	if begin < 0 || end > size || begin > end {
		panic("array: find range out of bounds")
	}
	w := n.Width()
	if !fits(value, w) {
		// a value the width cannot represent cannot be stored here
		return -1
	}
	if w == 0 {
		// every record is zero
		if begin < end {
			return begin
		}
		return -1
	}
	p := n.payload()
	if w == 64 {
		for i := begin; i < end; i++ {
			if getDirect(p, w, i) == value {
				return i
			}
		}
		return -1
	}

	perWord := 64 / int(w)
	mask := uint64(1)<<w - 1
	ones := ^uint64(0) / mask
	pattern := (uint64(value) & mask) * ones
	msb := ones << (w - 1)

	i := begin
	// scalar until the next word boundary
	for i < end && i%perWord != 0 {
		if getDirect(p, w, i) == value {
			return i
		}
		i++
	}
	for i < end {
		word := binary.LittleEndian.Uint64(p[(i/perWord)*8:])
		x := word ^ pattern
		if t := (x - ones) & ^x & msb; t != 0 {
			j := i + bits.TrailingZeros64(t)/int(w)
			if j >= end {
				return -1
			}
			return j
		}
		i += perWord
	}
	return -1
}

// FindAll calls fn with the index of every record in [begin, end) equal to
// value, in ascending order, stopping early if fn returns false.
func (n *Node) FindAll(value int64, begin, end int, fn func(i int) bool) {
	for {
		i := n.FindFirst(value, begin, end)
		if i < 0 {
			return
		}
		if !fn(i) {
			return
		}
		begin = i + 1
	}
}
