package message

// NumChunks is ceil(size / chunkSize).
func NumChunks(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}

	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// ChunkLength is the byte length of chunk id in a file of size bytes.
func ChunkLength(size int64, chunkSize, id int) int {
	start := int64(id) * int64(chunkSize)
	if start >= size {
		return 0
	}
	if remaining := size - start; remaining < int64(chunkSize) {
		return int(remaining)
	}

	return chunkSize
}
