package array

import "encoding/binary"

// Node header layout, 8 bytes:
//
// .     | flags+width |  capacity/8  |     size      |
// bytes |      0      |   1  -  3    |   4  -  7     |
//
// The flags byte carries the width code in its low three bits and the node
// kind flags above them. Capacity is the full allocated byte length of the
// node including this header, stored divided by 8; size is the logical
// record count.
const (
	HeaderSize = 8

	headerFlagsByte         = 0
	headerCapacityFirstByte = 1
	headerSizeFirstByte     = 4

	headerWidthMask = 0x07

	// flagHasRefs marks payload entries as refs to child nodes: interior
	// tree nodes and ref valued leaves such as string/blob indirection.
	flagHasRefs = 1 << 3
	// flagInner marks a has-refs node as a B+-tree interior node, whose
	// last payload entry is the tagged aggregate subtree element count.
	flagInner = 1 << 4
	// flagContext disambiguates leaf sub kinds, such as small versus big
	// blob representation. Opaque at this layer.
	flagContext = 1 << 5
)

func headerWidth(data []byte) uint8 {
	return widthForCode[data[headerFlagsByte]&headerWidthMask]
}

func headerSetWidth(data []byte, w uint8) {
	data[headerFlagsByte] = data[headerFlagsByte]&^headerWidthMask | codeForWidth(w)
}

func headerHasRefs(data []byte) bool  { return data[headerFlagsByte]&flagHasRefs != 0 }
func headerIsInner(data []byte) bool  { return data[headerFlagsByte]&flagInner != 0 }
func headerContext(data []byte) bool  { return data[headerFlagsByte]&flagContext != 0 }

func headerSetFlags(data []byte, kind Kind, w uint8) {
	b := codeForWidth(w)
	if kind.HasRefs {
		b |= flagHasRefs
	}
	if kind.Inner {
		b |= flagInner
	}
	if kind.Context {
		b |= flagContext
	}
	data[headerFlagsByte] = b
}

func headerCapacity(data []byte) int {
	cap24 := uint32(data[headerCapacityFirstByte]) |
		uint32(data[headerCapacityFirstByte+1])<<8 |
		uint32(data[headerCapacityFirstByte+2])<<16
	return int(cap24) * 8
}

func headerSetCapacity(data []byte, capacity int) {
	cap24 := uint32(capacity / 8)
	data[headerCapacityFirstByte] = byte(cap24)
	data[headerCapacityFirstByte+1] = byte(cap24 >> 8)
	data[headerCapacityFirstByte+2] = byte(cap24 >> 16)
}

func headerSizeOf(data []byte) int {
	return int(binary.LittleEndian.Uint32(data[headerSizeFirstByte:]))
}

func headerSetSize(data []byte, size int) {
	binary.LittleEndian.PutUint32(data[headerSizeFirstByte:], uint32(size))
}

// CapacityFromHeader reads the full allocated byte length of a node from
// its first bytes. The allocator's free path relies on it.
func CapacityFromHeader(addr []byte) int { return headerCapacity(addr) }
