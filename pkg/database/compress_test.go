package database

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestPackBlob(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		encoding byte
	}{
		{"small stays raw", []byte("hello"), blobRaw},
		{"compressible large blob", bytes.Repeat([]byte("abcd"), 1024), blobLZ4},
		{"just below threshold", bytes.Repeat([]byte("a"), compressionThreshold-1), blobRaw},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			packed := packBlob(tt.data)
			require.NotEmpty(t, packed)
			assert.Equal(t, tt.encoding, packed[0])

			out, err := unpackBlob(packed)
			require.NoError(t, err)
			assert.Equal(t, tt.data, out)
		})
	}
}

func TestPackBlobEmpty(t *testing.T) {
	assert.Nil(t, packBlob(nil))
	assert.Nil(t, packBlob([]byte{}))
	assert.Equal(t, []byte{blobRaw}, packPayload(nil))

	out, err := unpackBlob(nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = unpackBlob([]byte{blobRaw})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestUnpackBlobErrors(t *testing.T) {
	_, err := unpackBlob([]byte{0x7f, 1, 2})
	assert.ErrorIs(t, err, ErrDecompressionFailed)

	_, err = unpackBlob([]byte{blobLZ4, 0, 0})
	assert.ErrorIs(t, err, ErrInvalidCompressedLen)

	_, err = unpackBlob([]byte{blobLZ4, 0xff, 0xff, 0xff, 0xff, 0})
	assert.ErrorIs(t, err, ErrInvalidCompressedLen)

	packed := packBlob(bytes.Repeat([]byte("xyz"), 1000))
	require.Equal(t, byte(blobLZ4), packed[0])
	_, err = unpackBlob(packed[:len(packed)-5])
	assert.ErrorIs(t, err, ErrDecompressionFailed)
}

func TestPackBlobRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 1, 4096).Draw(t, "data")
		out, err := unpackBlob(packBlob(data))
		if err != nil {
			t.Fatalf("unpack: %v", err)
		}
		if !bytes.Equal(data, out) {
			t.Fatalf("round trip mismatch")
		}
	})
}
