package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunkArithmetic(t *testing.T) {
	for _, chunkSize := range []int{1, 7, 4096} {
		for _, size := range []int64{1, 6, 7, 8, 4095, 4096, 4097, 10000, 123457} {
			n := NumChunks(size, chunkSize)
			assert.Equal(t, (size+int64(chunkSize)-1)/int64(chunkSize), int64(n))

			var total int64
			for i := 0; i < n; i++ {
				total += int64(ChunkLength(size, chunkSize, i))
			}
			assert.Equal(t, size, total, "size %d chunk %d", size, chunkSize)
			assert.Equal(t, size-int64(n-1)*int64(chunkSize), int64(ChunkLength(size, chunkSize, n-1)))
			assert.Zero(t, ChunkLength(size, chunkSize, n))
		}
	}
}
