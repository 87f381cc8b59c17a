package server

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"github.com/aeolun/talkative/pkg/protocol"
)

// writeDeadliner is implemented by transports that can bound a write.
type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// SafeConn wraps a client transport with write synchronization.
//
// Handlers, relays from other connections and broadcasts all write to the
// same socket. Without the mutex their frame bytes could interleave on the
// wire. Reads are only ever done by the connection's own goroutine.
type SafeConn struct {
	rw     io.ReadWriteCloser
	reader *bufio.Reader
	remote net.Addr

	maxFrame     uint32
	writeTimeout time.Duration

	mu        sync.Mutex // Protects writes to rw
	closeOnce sync.Once
	closeErr  error
}

// NewSafeConn wraps rw. A zero maxFrame means protocol.MaxFrameSize; a zero
// writeTimeout disables write deadlines.
func NewSafeConn(rw io.ReadWriteCloser, remote net.Addr, maxFrame uint32, writeTimeout time.Duration) *SafeConn {
	if maxFrame == 0 {
		maxFrame = protocol.MaxFrameSize
	}
	return &SafeConn{
		rw:           rw,
		reader:       bufio.NewReader(rw),
		remote:       remote,
		maxFrame:     maxFrame,
		writeTimeout: writeTimeout,
	}
}

// ReadEnvelope reads and decodes the next envelope.
func (sc *SafeConn) ReadEnvelope() (*protocol.Envelope, error) {
	payload, err := protocol.ReadFrameLimit(sc.reader, sc.maxFrame)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(payload)
}

// WriteEnvelope encodes env and writes it as one frame.
func (sc *SafeConn) WriteEnvelope(env *protocol.Envelope) error {
	payload, err := env.Encode()
	if err != nil {
		return err
	}
	return sc.WriteFrame(payload)
}

// WriteFrame writes a pre-encoded payload. Broadcasts encode once and call
// this for every recipient.
func (sc *SafeConn) WriteFrame(payload []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.writeTimeout > 0 {
		if d, ok := sc.rw.(writeDeadliner); ok {
			d.SetWriteDeadline(time.Now().Add(sc.writeTimeout))
			defer d.SetWriteDeadline(time.Time{})
		}
	}
	return protocol.WriteFrame(sc.rw, payload)
}

// Close closes the underlying transport. Safe to call more than once.
func (sc *SafeConn) Close() error {
	sc.closeOnce.Do(func() {
		sc.closeErr = sc.rw.Close()
	})
	return sc.closeErr
}

// RemoteAddr returns the peer address.
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.remote
}
