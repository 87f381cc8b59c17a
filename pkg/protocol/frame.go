package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxFrameSize is the default maximum payload size (1 MB)
	MaxFrameSize = 1024 * 1024

	// HeaderSize is the size of the big-endian length prefix
	HeaderSize = 4
)

// ErrFrameTooLarge is returned when a declared or outgoing length exceeds the limit.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// ReadFrame reads one length-prefixed payload using the default size limit.
func ReadFrame(r io.Reader) ([]byte, error) {
	return ReadFrameLimit(r, MaxFrameSize)
}

// ReadFrameLimit reads one length-prefixed payload from r.
//
// A peer that closes the stream exactly at a frame boundary yields io.EOF.
// A stream that ends inside a header or payload yields io.ErrUnexpectedEOF,
// so callers can tell an orderly disconnect from a broken connection.
// Short reads are accumulated until the declared length is satisfied.
func ReadFrameLimit(r io.Reader, limit uint32) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if limit > 0 && length > limit {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, limit)
	}

	payload := make([]byte, length)
	if length == 0 {
		return payload, nil
	}
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// EncodeFrame returns the wire form of payload: length prefix followed by
// the payload bytes.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), MaxFrameSize)
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// WriteFrame writes payload as a single frame. Header and payload go out in
// one Write call so a frame is never split across message-oriented
// transports such as WebSocket.
func WriteFrame(w io.Writer, payload []byte) error {
	buf, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	n, err := w.Write(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return io.ErrShortWrite
	}

	// Flush if the writer supports it (e.g., *bufio.Writer)
	type flusher interface {
		Flush() error
	}
	if fl, ok := w.(flusher); ok {
		return fl.Flush()
	}
	return nil
}

// SplitFrame decodes one frame from the front of buf. It reports ok=false
// when buf does not yet hold a complete frame. Used by transports that
// deliver data in chunks that do not line up with frame boundaries.
func SplitFrame(buf []byte, limit uint32) (payload []byte, consumed int, ok bool, err error) {
	if len(buf) < HeaderSize {
		return nil, 0, false, nil
	}
	length := binary.BigEndian.Uint32(buf[:HeaderSize])
	if limit > 0 && length > limit {
		return nil, 0, false, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, limit)
	}
	total := HeaderSize + int(length)
	if len(buf) < total {
		return nil, 0, false, nil
	}
	payload = make([]byte, length)
	copy(payload, buf[HeaderSize:total])
	return payload, total, true, nil
}
