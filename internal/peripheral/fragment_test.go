package peripheral

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectiveChunkSize(t *testing.T) {
	// GOAL: Chunk size is min(requested, MTU-3) for every MTU in range

	for mtu := MinMTU; mtu <= MaxMTU; mtu++ {
		got, err := EffectiveChunkSize(1000, mtu)
		require.NoError(t, err)
		require.Equal(t, mtu-ATTOverhead, got, "chunk MUST be capped by MTU %d", mtu)

		got, err = EffectiveChunkSize(20, mtu)
		require.NoError(t, err)
		require.Equal(t, 20, got, "requested chunk MUST win when it fits MTU %d", mtu)
	}

	_, err := EffectiveChunkSize(0, MinMTU)
	assert.ErrorIs(t, err, ErrInvalidArgument, "zero chunk size MUST be rejected")
	_, err = EffectiveChunkSize(-4, MinMTU)
	assert.ErrorIs(t, err, ErrInvalidArgument, "negative chunk size MUST be rejected")
}

func TestSplitChunks(t *testing.T) {
	// GOAL: Chunks are ceil(N/C) in number and concatenate back to the payload

	payload := make([]byte, 257)
	for i := range payload {
		payload[i] = byte(i)
	}

	for _, size := range []int{1, 7, 20, 256, 257, 1000} {
		chunks := SplitChunks(payload, size)
		assert.Len(t, chunks, (len(payload)+size-1)/size, "chunk count MUST be ceil(N/C) for C=%d", size)
		for i, c := range chunks[:len(chunks)-1] {
			assert.Len(t, c, size, "chunk %d MUST be full", i)
		}
		assert.Equal(t, payload, bytes.Join(chunks, nil), "chunks MUST concatenate to the payload for C=%d", size)
	}

	assert.Empty(t, SplitChunks(nil, 20), "empty payload MUST yield no chunks")
	assert.Empty(t, SplitChunks(payload, 0), "invalid size MUST yield no chunks")
}

func TestSplitChunks_HundredBytesAtDefaultMTU(t *testing.T) {
	size, err := EffectiveChunkSize(20, MinMTU)
	require.NoError(t, err)

	chunks := SplitChunks(bytes.Repeat([]byte{0xAB}, 100), size)
	require.Len(t, chunks, 5, "100 bytes MUST split into 5 chunks")
	for _, c := range chunks {
		assert.Len(t, c, 20, "every chunk MUST hold 20 bytes")
	}
}
