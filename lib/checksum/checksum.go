package checksum

import (
	"hash"
	"hash/crc32"
	"io"
	"os"
)

// CalculateCheckSum returns the CRC-32 (IEEE) of data, the value peers put on
// the wire for every chunk and whole file.
func CalculateCheckSum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// New returns a streaming hash producing the same value as CalculateCheckSum.
func New() hash.Hash32 {
	return crc32.NewIEEE()
}

// File computes the checksum and size of the file at path.
func File(path string) (uint32, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	h := New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, 0, err
	}

	return h.Sum32(), n, nil
}
