package alloc

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// File header and streaming footer layout.
//
// Every non-streaming database image begins with a 24 byte header:
//
// .     | top ref A | top ref B | mnemonic | versions | reserved | flags |
// bytes | 0       7 | 8      15 | 16    19 | 20    21 |    22    |  23   |
//
// The two top ref slots are a double buffered commit pointer: a commit
// writes the new top ref into the inactive slot and then flips the select
// bit in the flags byte, so a torn commit leaves the previously selected
// slot intact. The versions field holds one file format version byte per
// slot.
//
// A file that has never been opened read/write may instead be in streaming
// form: it ends with a 16 byte footer holding the top ref and a fixed magic
// cookie. The footer's top ref is authoritative until the session initiator
// rewrites the file in non-streaming form.
const (
	HeaderSize = 24

	headerTopRefsFirstByte  = 0
	headerTopRefSize        = 8
	headerMnemonicFirstByte = 16
	headerMnemonicSize      = 4
	headerVersionFirstByte  = 20
	headerReservedByte      = 22
	headerFlagsByte         = 23

	headerFlagSelectBit = 0x1

	FooterSize = 16

	// StreamingMagic marks the streaming form footer.
	StreamingMagic = uint64(0x3034125237E526C8)
)

// Mnemonic identifies a cinder database image.
var Mnemonic = [headerMnemonicSize]byte{'c', 'n', 'd', 'r'}

// CurrentFileFormat is the version written for new commits.
const CurrentFileFormat = uint8(1)

// FileHeader is the decoded 24 byte header.
type FileHeader struct {
	TopRefs  [2]Ref
	Versions [2]uint8
	Flags    uint8
}

// NewFileHeader returns the header written when a session initiator creates
// a fresh file: both slots null, slot 0 selected, current format.
func NewFileHeader() FileHeader {
	return FileHeader{Versions: [2]uint8{CurrentFileFormat, CurrentFileFormat}}
}

// ActiveSlot returns the slot selected by the flags bit.
func (h FileHeader) ActiveSlot() int { return int(h.Flags & headerFlagSelectBit) }

// TopRef returns the active slot's top ref.
func (h FileHeader) TopRef() Ref { return h.TopRefs[h.ActiveSlot()] }

// FileFormat returns the active slot's file format version.
func (h FileHeader) FileFormat() uint8 { return h.Versions[h.ActiveSlot()] }

// EncodeFileHeader writes h into the first HeaderSize bytes of region.
func EncodeFileHeader(region []byte, h FileHeader) error {
	if len(region) < HeaderSize {
		return fmt.Errorf("%w: header region is %d bytes, need %d", ErrInvalidDatabase, len(region), HeaderSize)
	}
	binary.LittleEndian.PutUint64(region[headerTopRefsFirstByte:], uint64(h.TopRefs[0]))
	binary.LittleEndian.PutUint64(region[headerTopRefsFirstByte+headerTopRefSize:], uint64(h.TopRefs[1]))
	copy(region[headerMnemonicFirstByte:], Mnemonic[:])
	region[headerVersionFirstByte] = h.Versions[0]
	region[headerVersionFirstByte+1] = h.Versions[1]
	region[headerReservedByte] = 0
	region[headerFlagsByte] = h.Flags
	return nil
}

// DecodeFileHeader decodes the first HeaderSize bytes of region.
//
// ok=false with a nil error indicates the region is zero filled: the file is
// mid-initialization by another session, or brand new.
func DecodeFileHeader(region []byte) (h FileHeader, ok bool, err error) {
	if len(region) < HeaderSize {
		return FileHeader{}, false, fmt.Errorf("%w: %d bytes is too short for a file header", ErrInvalidDatabase, len(region))
	}
	if bytes.Equal(region[:HeaderSize], make([]byte, HeaderSize)) {
		return FileHeader{}, false, nil
	}
	if !bytes.Equal(region[headerMnemonicFirstByte:headerMnemonicFirstByte+headerMnemonicSize], Mnemonic[:]) {
		return FileHeader{}, false, fmt.Errorf("%w: bad mnemonic %q", ErrInvalidDatabase,
			region[headerMnemonicFirstByte:headerMnemonicFirstByte+headerMnemonicSize])
	}
	h.TopRefs[0] = Ref(binary.LittleEndian.Uint64(region[headerTopRefsFirstByte:]))
	h.TopRefs[1] = Ref(binary.LittleEndian.Uint64(region[headerTopRefsFirstByte+headerTopRefSize:]))
	h.Versions[0] = region[headerVersionFirstByte]
	h.Versions[1] = region[headerVersionFirstByte+1]
	h.Flags = region[headerFlagsByte]

	if h.FileFormat() == 0 || h.FileFormat() > CurrentFileFormat {
		return FileHeader{}, false, fmt.Errorf("%w: unsupported file format %d", ErrInvalidDatabase, h.FileFormat())
	}
	for _, r := range h.TopRefs {
		if r%refAlign != 0 {
			return FileHeader{}, false, fmt.Errorf("%w: top ref %d is not 8 aligned", ErrInvalidDatabase, r)
		}
	}
	return h, true, nil
}

// EncodeStreamingFooter writes the streaming form footer into the last
// FooterSize bytes of region.
func EncodeStreamingFooter(region []byte, topRef Ref) error {
	if len(region) < FooterSize {
		return fmt.Errorf("%w: footer region is %d bytes, need %d", ErrInvalidDatabase, len(region), FooterSize)
	}
	tail := region[len(region)-FooterSize:]
	binary.LittleEndian.PutUint64(tail[:8], uint64(topRef))
	binary.LittleEndian.PutUint64(tail[8:], StreamingMagic)
	return nil
}

// DecodeStreamingFooter checks the last FooterSize bytes of region for the
// streaming magic cookie, returning the footer's top ref when present.
func DecodeStreamingFooter(region []byte) (Ref, bool) {
	if len(region) < FooterSize {
		return RefNull, false
	}
	tail := region[len(region)-FooterSize:]
	if binary.LittleEndian.Uint64(tail[8:]) != StreamingMagic {
		return RefNull, false
	}
	return Ref(binary.LittleEndian.Uint64(tail[:8])), true
}
