package alloc

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// The free space recovered from a previous session is persisted as a CBOR
// checkpoint blob whose ref is recorded by the commit writer next to the top
// ref. The chunks it names live below the new session's baseline, so they
// are immutable content: they must be validated before they are trusted.

// CheckpointVersion is the format version written for new checkpoints.
const CheckpointVersion = uint16(1)

// ChunkRecord is the persisted form of one free chunk.
type ChunkRecord struct {
	Ref  uint64 `cbor:"1,keyasint"`
	Size uint64 `cbor:"2,keyasint"`
}

// FreeListCheckpoint is the committed free list: the free chunks that were
// known when the image containing them was written.
type FreeListCheckpoint struct {
	Version  uint16        `cbor:"1,keyasint"`
	Baseline uint64        `cbor:"2,keyasint"`
	Chunks   []ChunkRecord `cbor:"3,keyasint"`
}

// CheckpointCodec en/decodes free list checkpoints. Encoding is canonical so
// identical free lists always produce identical blobs.
type CheckpointCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func NewCheckpointCodec() (CheckpointCodec, error) {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return CheckpointCodec{}, err
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return CheckpointCodec{}, err
	}
	return CheckpointCodec{enc: enc, dec: dec}, nil
}

func (c CheckpointCodec) Encode(cp FreeListCheckpoint) ([]byte, error) {
	return c.enc.Marshal(&cp)
}

func (c CheckpointCodec) Decode(data []byte) (FreeListCheckpoint, error) {
	var cp FreeListCheckpoint
	if err := c.dec.Unmarshal(data, &cp); err != nil {
		return FreeListCheckpoint{}, fmt.Errorf("%w: %v", ErrBadCheckpoint, err)
	}
	return cp, nil
}

// validate checks the structural invariants a checkpoint must satisfy before
// its chunks may be reused: chunks sorted by position, disjoint, 8 aligned,
// non empty, and entirely below the attaching session's baseline.
func (cp FreeListCheckpoint) validate(baseline Ref) error {
	if cp.Version == 0 || cp.Version > CheckpointVersion {
		return fmt.Errorf("%w: unsupported checkpoint version %d", ErrBadCheckpoint, cp.Version)
	}
	prevEnd := uint64(0)
	for i, c := range cp.Chunks {
		if c.Size == 0 || c.Size%refAlign != 0 || c.Ref%refAlign != 0 {
			return fmt.Errorf("%w: chunk %d (%d+%d) is not 8 aligned", ErrBadCheckpoint, i, c.Ref, c.Size)
		}
		if c.Ref < prevEnd {
			return fmt.Errorf("%w: chunk %d (%d+%d) overlaps or is out of order", ErrBadCheckpoint, i, c.Ref, c.Size)
		}
		if c.Ref+c.Size > uint64(baseline) {
			return fmt.Errorf("%w: chunk %d (%d+%d) extends beyond baseline %d", ErrBadCheckpoint, i, c.Ref, c.Size, baseline)
		}
		prevEnd = c.Ref + c.Size
	}
	return nil
}
