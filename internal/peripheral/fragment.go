package peripheral

import "fmt"

// EffectiveChunkSize returns min(requested, mtu-ATTOverhead).
func EffectiveChunkSize(requested, mtu int) (int, error) {
	if requested <= 0 {
		return 0, fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidArgument, requested)
	}
	return min(requested, mtu-ATTOverhead), nil
}

// SplitChunks splits payload into ceil(len/chunkSize) contiguous chunks in order.
// Chunks alias payload; an empty payload yields no chunks.
func SplitChunks(payload []byte, chunkSize int) [][]byte {
	if chunkSize <= 0 || len(payload) == 0 {
		return nil
	}

	chunks := make([][]byte, 0, (len(payload)+chunkSize-1)/chunkSize)
	for off := 0; off < len(payload); off += chunkSize {
		end := min(off+chunkSize, len(payload))
		chunks = append(chunks, payload[off:end:end])
	}
	return chunks
}
