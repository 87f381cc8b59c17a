// Package client speaks the chat protocol from the user side: it dials a
// server over TCP, WebSocket or SSH, runs the login handshake and sends
// requests while collecting pushed envelopes.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/aeolun/talkative/pkg/protocol"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("connection closed")

// ReplyError is a 400 or 412 reply from the server.
type ReplyError struct {
	Code    int
	Message string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("server replied %d: %s", e.Code, e.Message)
}

// Options tune Dial. Zero values pick the defaults.
type Options struct {
	DialTimeout    time.Duration // default 5s
	RequestTimeout time.Duration // default 10s, applied when ctx has no deadline

	// SSH only
	Username        string // used when the address has no user@ part
	SSHPassword     string
	HostKeyCallback ssh.HostKeyCallback

	Logger *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	return o
}

const (
	replyBuffer = 16
	pushBuffer  = 256
)

// Connection is one client connection. Requests are serialized: the server
// answers them in order, so the next reply belongs to the request in flight.
// Relayed messages and refresh notices arrive on Pushes.
type Connection struct {
	addr      string
	transport string
	rw        io.ReadWriteCloser
	opts      Options
	log       zerolog.Logger

	sendMu sync.Mutex // Protects writes to rw
	reqMu  sync.Mutex // One request in flight

	mu       sync.Mutex // Protects username, capture and err
	username string
	capture  *[]*protocol.Envelope // set while history is being replayed
	err      error

	replies chan *protocol.Envelope
	pushes  chan *protocol.Envelope
	dropped atomic.Uint64

	done      chan struct{}
	closing   atomic.Bool
	closeOnce sync.Once
}

// Dial connects to addr. See parseServerAddress for the accepted forms.
func Dial(ctx context.Context, addr string, opts Options) (*Connection, error) {
	opts = opts.withDefaults()
	ep, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	var rw io.ReadWriteCloser
	switch ep.transport {
	case "tcp":
		rw, err = dialTCP(ctx, ep.hostPort)
	case "websocket":
		rw, err = DialWebSocket(ctx, ep.url)
	case "ssh":
		rw, err = dialSSH(ctx, ep, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", ep.display, err)
	}
	return NewConnection(rw, ep.display, ep.transport, opts), nil
}

// NewConnection wraps an established transport and starts reading from it.
func NewConnection(rw io.ReadWriteCloser, addr, transport string, opts Options) *Connection {
	opts = opts.withDefaults()
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "client").Str("server", addr).Logger()
	}

	c := &Connection{
		addr:      addr,
		transport: transport,
		rw:        rw,
		opts:      opts,
		log:       logger,
		replies:   make(chan *protocol.Envelope, replyBuffer),
		pushes:    make(chan *protocol.Envelope, pushBuffer),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Addr returns the server address as dialed.
func (c *Connection) Addr() string { return c.addr }

// Transport returns tcp, websocket or ssh.
func (c *Connection) Transport() string { return c.transport }

// Username returns the name logged in with, "" before Login.
func (c *Connection) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// Pushes delivers envelopes the server sent on its own: relayed messages and
// 205/206 refresh notices. When nobody drains it the oldest are dropped.
func (c *Connection) Pushes() <-chan *protocol.Envelope { return c.pushes }

// Dropped returns how many pushes were discarded because Pushes was full.
func (c *Connection) Dropped() uint64 { return c.dropped.Load() }

// Done is closed when the connection ends.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, nil while it is open or after Close.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the transport. Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closing.Store(true)
	c.closeOnce.Do(func() {
		err = c.rw.Close()
	})
	<-c.done
	return err
}

// Send writes env without waiting for a reply.
func (c *Connection) Send(env *protocol.Envelope) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	payload, err := env.Encode()
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := protocol.WriteFrame(c.rw, payload); err != nil {
		return fmt.Errorf("write %s: %w", env.Key(), err)
	}
	c.log.Debug().Str("key", env.Key()).Msg("sent")
	return nil
}

// Request sends env and waits for the server's reply. A 400 or 412 reply is
// returned together with a *ReplyError.
func (c *Connection) Request(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}

	// Replies to earlier fire-and-forget sends would be mistaken for ours.
	c.drainReplies()

	if err := c.Send(env); err != nil {
		return nil, err
	}

	select {
	case reply := <-c.replies:
		return checkReply(reply)
	case <-c.done:
		// A rejection is written just before the server hangs up.
		select {
		case reply := <-c.replies:
			return checkReply(reply)
		default:
		}
		if err := c.Err(); err != nil {
			return nil, err
		}
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for reply to %s: %w", env.Key(), ctx.Err())
	}
}

func checkReply(reply *protocol.Envelope) (*protocol.Envelope, error) {
	if reply.Response == protocol.CodeError || reply.Response == protocol.CodeAuthFailed {
		return reply, &ReplyError{Code: reply.Response, Message: reply.Error}
	}
	return reply, nil
}

func (c *Connection) drainReplies() {
	for {
		select {
		case stale := <-c.replies:
			c.log.Debug().Int("response", stale.Response).Str("error", stale.Error).Msg("discarded stale reply")
		default:
			return
		}
	}
}

func (c *Connection) readLoop() {
	defer close(c.done)

	reader := bufio.NewReader(c.rw)
	for {
		payload, err := protocol.ReadFrame(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !c.closing.Load() {
				c.fail(err)
			}
			c.closeOnce.Do(func() { c.rw.Close() })
			return
		}

		env, err := protocol.Decode(payload)
		if err != nil {
			c.log.Warn().Err(err).Msg("undecodable envelope from server")
			continue
		}
		c.route(env)
	}
}

func (c *Connection) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

// route separates replies from pushes. Relayed envelopes carry an action
// and no response code; refresh notices are 205 and 206.
func (c *Connection) route(env *protocol.Envelope) {
	switch env.Response {
	case 0:
		c.mu.Lock()
		capture := c.capture
		if capture != nil && env.Action == protocol.ActionMessage {
			*capture = append(*capture, env)
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		c.push(env)
	case protocol.CodeRefreshUsers, protocol.CodeRefreshChats:
		c.push(env)
	default:
		offer(c.replies, env)
	}
}

func (c *Connection) push(env *protocol.Envelope) {
	if !offer(c.pushes, env) {
		c.dropped.Add(1)
	}
}

// offer queues env, discarding the oldest entry when ch is full. It reports
// false when something was discarded.
func offer(ch chan *protocol.Envelope, env *protocol.Envelope) bool {
	select {
	case ch <- env:
		return true
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- env:
	default:
	}
	return false
}
