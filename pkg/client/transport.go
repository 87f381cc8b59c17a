package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/ssh"
)

// sshVersionPrefix is the banner every chat server advertises.
const sshVersionPrefix = "SSH-2.0-Talkative"

func dialTCP(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}
	return conn, nil
}

// wsClientConn carries the framed stream over binary WebSocket messages.
type wsClientConn struct {
	ws     *websocket.Conn
	reader io.Reader
	wmu    sync.Mutex
}

// DialWebSocket connects to a ws:// or wss:// URL.
func DialWebSocket(ctx context.Context, url string) (io.ReadWriteCloser, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	return &wsClientConn{ws: ws}, nil
}

func (c *wsClientConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			mt, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsClientConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsClientConn) Close() error {
	c.wmu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.ws.Close()
}

// dialSSH logs in with a password and opens the session channel the
// protocol runs over.
func dialSSH(ctx context.Context, ep *endpoint, opts Options) (io.ReadWriteCloser, error) {
	user := ep.user
	if user == "" {
		user = opts.Username
	}
	if user == "" {
		return nil, errors.New("ssh address needs a user (ssh://user@host)")
	}
	if opts.HostKeyCallback == nil {
		return nil, errors.New("ssh dial needs a HostKeyCallback")
	}

	var d net.Dialer
	netConn, err := d.DialContext(ctx, "tcp", ep.hostPort)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(opts.SSHPassword)},
		HostKeyCallback: opts.HostKeyCallback,
		Timeout:         opts.DialTimeout,
	}

	if deadline, ok := ctx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, ep.hostPort, config)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	netConn.SetDeadline(time.Time{})

	banner := string(clientConn.ServerVersion())
	if !strings.HasPrefix(banner, sshVersionPrefix) {
		clientConn.Close()
		return nil, fmt.Errorf("remote server advertised %q, expected prefix %q", banner, sshVersionPrefix)
	}

	client := ssh.NewClient(clientConn, chans, reqs)
	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("open ssh channel: %w", err)
	}
	go ssh.DiscardRequests(requests)

	return &sshClientConn{channel: channel, client: client}, nil
}

type sshClientConn struct {
	channel ssh.Channel
	client  *ssh.Client
	once    sync.Once
}

func (c *sshClientConn) Read(b []byte) (int, error) {
	return c.channel.Read(b)
}

func (c *sshClientConn) Write(b []byte) (int, error) {
	return c.channel.Write(b)
}

func (c *sshClientConn) Close() error {
	var err error
	c.once.Do(func() {
		if closeErr := c.channel.Close(); closeErr != nil && !errors.Is(closeErr, io.EOF) {
			err = closeErr
		}
		c.client.Close()
	})
	return err
}
