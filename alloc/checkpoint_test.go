package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointCodecRoundTrip(t *testing.T) {
	codec, err := NewCheckpointCodec()
	require.NoError(t, err)

	cp := FreeListCheckpoint{
		Version:  CheckpointVersion,
		Baseline: 4096,
		Chunks: []ChunkRecord{
			{Ref: 64, Size: 32},
			{Ref: 256, Size: 128},
		},
	}
	blob, err := codec.Encode(cp)
	require.NoError(t, err)

	got, err := codec.Decode(blob)
	require.NoError(t, err)
	assert.Equal(t, cp, got)
}

func TestCheckpointCodecCanonical(t *testing.T) {
	codec, err := NewCheckpointCodec()
	require.NoError(t, err)

	cp := FreeListCheckpoint{Version: 1, Baseline: 64, Chunks: []ChunkRecord{{Ref: 8, Size: 8}}}
	a, err := codec.Encode(cp)
	require.NoError(t, err)
	b, err := codec.Encode(cp)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCheckpointCodecRejectsGarbage(t *testing.T) {
	codec, err := NewCheckpointCodec()
	require.NoError(t, err)

	_, err = codec.Decode([]byte{0xFF, 0x00, 0x13})
	assert.ErrorIs(t, err, ErrBadCheckpoint)
}

func TestCheckpointValidate(t *testing.T) {
	const baseline = Ref(1024)
	tests := []struct {
		name string
		cp   FreeListCheckpoint
		ok   bool
	}{
		{
			name: "valid",
			cp: FreeListCheckpoint{Version: 1, Chunks: []ChunkRecord{
				{Ref: 64, Size: 32}, {Ref: 128, Size: 8},
			}},
			ok: true,
		},
		{
			name: "empty is valid",
			cp:   FreeListCheckpoint{Version: 1},
			ok:   true,
		},
		{
			name: "unsupported version",
			cp:   FreeListCheckpoint{Version: CheckpointVersion + 1},
		},
		{
			name: "zero version",
			cp:   FreeListCheckpoint{},
		},
		{
			name: "unaligned chunk",
			cp:   FreeListCheckpoint{Version: 1, Chunks: []ChunkRecord{{Ref: 60, Size: 8}}},
		},
		{
			name: "zero sized chunk",
			cp:   FreeListCheckpoint{Version: 1, Chunks: []ChunkRecord{{Ref: 64, Size: 0}}},
		},
		{
			name: "out of order",
			cp: FreeListCheckpoint{Version: 1, Chunks: []ChunkRecord{
				{Ref: 128, Size: 8}, {Ref: 64, Size: 8},
			}},
		},
		{
			name: "overlapping",
			cp: FreeListCheckpoint{Version: 1, Chunks: []ChunkRecord{
				{Ref: 64, Size: 32}, {Ref: 80, Size: 8},
			}},
		},
		{
			name: "beyond baseline",
			cp:   FreeListCheckpoint{Version: 1, Chunks: []ChunkRecord{{Ref: 1016, Size: 16}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cp.validate(baseline)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrBadCheckpoint)
		})
	}
}
