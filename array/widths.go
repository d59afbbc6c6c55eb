// Package array implements the packed array node: the single physical node
// format used for B+-tree leaves, tree interior nodes, and any node-local
// metadata. A node is a small fixed header followed by a payload of equally
// wide records, where the record width is the minimum power of two bit width
// that represents every current value.
package array

import (
	"encoding/binary"
	"fmt"
)

// The width ladder. Widths below 8 hold small unsigned values; widths of 8
// and up hold little-endian two's complement. All sign handling lives in
// this file so narrow and wide representations round-trip the same bit
// patterns exactly.
const (
	widthCodeMax = 7 // codes 0..7 select widths 0,1,2,4,8,16,32,64
	// MaxWidth is the widest supported record, in bits.
	MaxWidth = 64
)

var widthForCode = [widthCodeMax + 1]uint8{0, 1, 2, 4, 8, 16, 32, 64}

func codeForWidth(w uint8) uint8 {
	for c, ww := range widthForCode {
		if ww == w {
			return uint8(c)
		}
	}
	panic(fmt.Sprintf("array: %d is not a supported width", w))
}

// WidthFor returns the minimum width able to represent v. The ladder
// doubles 0, 1, 2, 4, 8, 16, 32, 64; negative values need at least 8 bits
// because the sub-byte widths are unsigned.
func WidthFor(v int64) uint8 {
	switch {
	case v == 0:
		return 0
	case v >= 0 && v < 2:
		return 1
	case v >= 0 && v < 4:
		return 2
	case v >= 0 && v < 16:
		return 4
	case v >= -0x80 && v < 0x80:
		return 8
	case v >= -0x8000 && v < 0x8000:
		return 16
	case v >= -0x80000000 && v < 0x80000000:
		return 32
	default:
		return 64
	}
}

// fits reports whether v is representable at width w without widening.
func fits(v int64, w uint8) bool { return WidthFor(v) <= w }

// getDirect reads record i from a payload packed at width w.
func getDirect(payload []byte, w uint8, i int) int64 {
	switch w {
	case 0:
		return 0
	case 1:
		return int64(payload[i>>3]>>(i&7)) & 0x1
	case 2:
		return int64(payload[i>>2]>>((i&3)<<1)) & 0x3
	case 4:
		return int64(payload[i>>1]>>((i&1)<<2)) & 0xF
	case 8:
		return int64(int8(payload[i]))
	case 16:
		return int64(int16(binary.LittleEndian.Uint16(payload[i*2:])))
	case 32:
		return int64(int32(binary.LittleEndian.Uint32(payload[i*4:])))
	case 64:
		return int64(binary.LittleEndian.Uint64(payload[i*8:]))
	}
	panic(fmt.Sprintf("array: %d is not a supported width", w))
}

// setDirect writes record i into a payload packed at width w. v must fit w.
func setDirect(payload []byte, w uint8, i int, v int64) {
	switch w {
	case 0:
		// the only representable value is zero
	case 1:
		shift := uint(i & 7)
		payload[i>>3] = payload[i>>3]&^(0x1<<shift) | byte(v)<<shift
	case 2:
		shift := uint((i & 3) << 1)
		payload[i>>2] = payload[i>>2]&^(0x3<<shift) | byte(v)<<shift
	case 4:
		shift := uint((i & 1) << 2)
		payload[i>>1] = payload[i>>1]&^(0xF<<shift) | byte(v)<<shift
	case 8:
		payload[i] = byte(v)
	case 16:
		binary.LittleEndian.PutUint16(payload[i*2:], uint16(v))
	case 32:
		binary.LittleEndian.PutUint32(payload[i*4:], uint32(v))
	case 64:
		binary.LittleEndian.PutUint64(payload[i*8:], uint64(v))
	default:
		panic(fmt.Sprintf("array: %d is not a supported width", w))
	}
}

// payloadBytes is the byte length of size records at width w, before
// allocation rounding.
func payloadBytes(size int, w uint8) int {
	return (size*int(w) + 7) / 8
}

// Inner B+-tree nodes keep bookkeeping values, such as subtree element
// counts, in the same payload as child refs. Refs are multiples of 8, so a
// value stored as v<<1|1 is always distinguishable from a ref.

// TagValue encodes a bookkeeping integer for storage beside refs.
func TagValue(v int64) int64 { return v<<1 | 1 }

// UntagValue decodes a value encoded by TagValue.
func UntagValue(t int64) int64 { return t >> 1 }

// IsTagged reports whether a payload entry is a tagged integer rather than
// a ref.
func IsTagged(v int64) bool { return v&1 == 1 }
