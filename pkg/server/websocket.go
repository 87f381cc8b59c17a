package server

import (
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aeolun/talkative/pkg/logx"
	"github.com/aeolun/talkative/pkg/protocol"
)

// wsConn presents a WebSocket as a byte stream carrying the same
// length-prefixed frames as TCP. Frames may span or share binary messages.
type wsConn struct {
	ws     *websocket.Conn
	reader io.Reader // current message, nil between messages
}

func (c *wsConn) Read(p []byte) (int, error) {
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

// Write sends p as one binary message. SafeConn hands over whole frames.
func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) Close() error {
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

// newUpgrader builds the upgrader for /ws. Requests without an Origin header
// come from non-browser clients and are allowed; browsers must match
// allowedOrigins unless it is empty.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowed) == 0 {
				return true
			}
			if _, ok := allowed[origin]; ok {
				return true
			}
			logx.Warn("websocket connection rejected: origin not allowed", "origin", origin)
			return false
		},
	}
}

// HandleWebSocket upgrades the request and runs the protocol over it.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.shutdown:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ip := requestIP(r)
	if !s.connLimiter.Allow(ip) {
		s.log.Warn().Str("remote", ip).Msg("websocket rejected: rate limit exceeded")
		http.Error(w, msgRateLimited, http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	ws.SetReadLimit(int64(s.frameLimit()) + protocol.HeaderSize)

	s.wg.Add(1)
	defer s.wg.Done()
	s.serveConn(&wsConn{ws: ws}, ws.RemoteAddr(), "websocket", "")
}

func (s *Server) frameLimit() uint32 {
	if s.config.MaxFrameSize == 0 {
		return protocol.MaxFrameSize
	}
	return s.config.MaxFrameSize
}

func requestIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
