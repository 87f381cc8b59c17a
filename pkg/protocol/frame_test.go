package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrame(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		wantErr error
	}{
		{name: "empty payload", payload: []byte{}},
		{name: "small payload", payload: []byte(`{"action":"presence"}`)},
		{name: "max payload size (1MB)", payload: make([]byte, MaxFrameSize)},
		{name: "oversized payload", payload: make([]byte, MaxFrameSize+1), wantErr: ErrFrameTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := WriteFrame(&buf, tt.payload)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Zero(t, buf.Len(), "nothing may be written for a rejected frame")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, HeaderSize+len(tt.payload), buf.Len())

			got, err := ReadFrame(&buf)
			require.NoError(t, err)
			assert.Equal(t, tt.payload, got)
		})
	}
}

func TestReadFrameHeaderIsBigEndian(t *testing.T) {
	raw := []byte{0, 0, 0, 3, 'a', 'b', 'c'}
	got, err := ReadFrame(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
}

func TestReadFramePartialReads(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("first")))
	require.NoError(t, WriteFrame(&buf, []byte("second")))

	r := iotest.OneByteReader(&buf)

	first, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "first", string(first))

	second, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "second", string(second))

	_, err = ReadFrame(r)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameEndOfStream(t *testing.T) {
	tests := []struct {
		name    string
		raw     []byte
		wantErr error
	}{
		{name: "clean close at boundary", raw: nil, wantErr: io.EOF},
		{name: "truncated header", raw: []byte{0, 0}, wantErr: io.ErrUnexpectedEOF},
		{name: "header without payload", raw: []byte{0, 0, 0, 5}, wantErr: io.ErrUnexpectedEOF},
		{name: "truncated payload", raw: []byte{0, 0, 0, 5, 'a', 'b'}, wantErr: io.ErrUnexpectedEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tt.raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v, want %v", err, tt.wantErr)
			if tt.wantErr == io.ErrUnexpectedEOF {
				assert.False(t, err == io.EOF, "a cut frame must not look like a clean close")
			}
		})
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	header := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(header, 64)

	_, err := ReadFrameLimit(bytes.NewReader(header), 32)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	binary.BigEndian.PutUint32(header, MaxFrameSize+1)
	_, err = ReadFrame(bytes.NewReader(header))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

type failingWriter struct{ err error }

func (w failingWriter) Write([]byte) (int, error) { return 0, w.err }

type shortWriter struct{}

func (shortWriter) Write(p []byte) (int, error) { return len(p) / 2, nil }

func TestWriteFrameReportsFailures(t *testing.T) {
	broken := errors.New("broken pipe")
	assert.ErrorIs(t, WriteFrame(failingWriter{err: broken}, []byte("x")), broken)
	assert.ErrorIs(t, WriteFrame(shortWriter{}, []byte("hello")), io.ErrShortWrite)
}

type countingWriter struct {
	calls int
	bytes.Buffer
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.calls++
	return w.Buffer.Write(p)
}

func TestWriteFrameSingleWrite(t *testing.T) {
	w := &countingWriter{}
	require.NoError(t, WriteFrame(w, []byte("payload")))
	assert.Equal(t, 1, w.calls)
}

func TestSplitFrame(t *testing.T) {
	one, err := EncodeFrame([]byte("one"))
	require.NoError(t, err)
	two, err := EncodeFrame([]byte("two"))
	require.NoError(t, err)
	stream := append(append([]byte{}, one...), two...)

	// Incomplete header and incomplete payload both wait for more data.
	_, _, ok, err := SplitFrame(stream[:2], 0)
	require.NoError(t, err)
	assert.False(t, ok)
	_, _, ok, err = SplitFrame(stream[:len(one)-1], 0)
	require.NoError(t, err)
	assert.False(t, ok)

	payload, consumed, ok, err := SplitFrame(stream, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "one", string(payload))
	assert.Equal(t, len(one), consumed)

	payload, _, ok, err = SplitFrame(stream[consumed:], 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "two", string(payload))

	_, _, _, err = SplitFrame(one, 2)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}
