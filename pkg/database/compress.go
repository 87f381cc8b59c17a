package database

import (
	"encoding/binary"
	"errors"

	"github.com/pierrec/lz4/v4"
)

// Blob encodings stored in the first byte of every compressed column.
const (
	blobRaw = 0x00
	blobLZ4 = 0x01

	// compressionThreshold is the minimum blob size worth compressing
	compressionThreshold = 512

	// maxBlobSize bounds decompression allocations (16 MB)
	maxBlobSize = 16 * 1024 * 1024
)

var (
	ErrDecompressionFailed  = errors.New("decompression failed")
	ErrInvalidCompressedLen = errors.New("invalid compressed blob length")
)

// packBlob prepares a blob for storage, compressing it with LZ4 when that
// saves space.
// Format: [encoding (1)] then raw bytes, or [size (4, big-endian)][LZ4 block]
func packBlob(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	if len(data) >= compressionThreshold {
		if compressed, ok := compressBlock(data); ok {
			return append([]byte{blobLZ4}, compressed...)
		}
	}
	return append([]byte{blobRaw}, data...)
}

// packPayload is packBlob for NOT NULL columns.
func packPayload(data []byte) []byte {
	if packed := packBlob(data); packed != nil {
		return packed
	}
	return []byte{blobRaw}
}

// unpackBlob reverses packBlob.
func unpackBlob(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, nil
	}
	switch stored[0] {
	case blobRaw:
		out := make([]byte, len(stored)-1)
		copy(out, stored[1:])
		return out, nil
	case blobLZ4:
		return decompressBlock(stored[1:])
	default:
		return nil, ErrDecompressionFailed
	}
}

func compressBlock(data []byte) ([]byte, bool) {
	compressed := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	binary.BigEndian.PutUint32(compressed[:4], uint32(len(data)))

	n, err := lz4.CompressBlock(data, compressed[4:], nil)
	if err != nil || n == 0 {
		// Incompressible
		return nil, false
	}
	if 4+n >= len(data) {
		return nil, false
	}
	return compressed[:4+n], true
}

func decompressBlock(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrInvalidCompressedLen
	}
	size := binary.BigEndian.Uint32(data[:4])
	if size > maxBlobSize {
		return nil, ErrInvalidCompressedLen
	}

	out := make([]byte, size)
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil || n != int(size) {
		return nil, ErrDecompressionFailed
	}
	return out, nil
}
