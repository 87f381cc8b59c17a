package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aeolun/talkative/pkg/database"
	"github.com/aeolun/talkative/pkg/logx"
	"github.com/aeolun/talkative/pkg/protocol"
)

// Server accepts client connections on TCP, SSH and WebSocket and runs one
// connection loop per client.
type Server struct {
	config ServerConfig
	gw     database.Gateway

	registry    *Registry
	router      *Router
	auth        *AuthNegotiator
	bus         *EventBus
	metrics     *Metrics
	connLimiter *IPRateLimiter
	upgrader    websocket.Upgrader

	mu           sync.Mutex // Protects the listeners and httpServer
	listener     net.Listener
	sshListener  net.Listener
	httpListener net.Listener
	httpServer   *http.Server

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	startTime time.Time
	log       zerolog.Logger
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host           string
	TCPPort        int
	HTTPPort       int // 0 = disabled
	SSHPort        int // 0 = disabled
	SSHHostKeyPath string
	AllowedOrigins []string // empty allows any websocket origin

	MaxFrameSize        uint32
	MessageRateLimit    int // envelopes per minute per connection, 0 = unlimited
	MessageBurst        int
	ConnectionRateLimit int // new connections per minute per IP, 0 = unlimited
	ConnectionBurst     int
	WriteTimeout        time.Duration

	AuthTimeout  time.Duration
	HistoryLimit int

	Storage database.Config
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		Host:                "127.0.0.1",
		TCPPort:             7777,
		SSHHostKeyPath:      "~/.talkative/ssh_host_key",
		MaxFrameSize:        protocol.MaxFrameSize,
		MessageRateLimit:    600,
		MessageBurst:        60,
		ConnectionRateLimit: 60,
		ConnectionBurst:     20,
		WriteTimeout:        10 * time.Second,
		AuthTimeout:         DefaultAuthTimeout,
		HistoryLimit:        100,
		Storage: database.Config{
			Engine: "sqlite",
			Path:   "~/.talkative/talkative.db",
		},
	}
}

// New creates a server on top of gw. Login flags left over from a previous
// run are cleared.
func New(config ServerConfig, gw database.Gateway) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	if err := gw.ResetActive(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("reset active users: %w", err)
	}

	metrics := NewMetrics()
	registry := NewRegistry()
	registry.SetMetrics(metrics)
	registry.SetRateLimit(config.MessageRateLimit, config.MessageBurst)

	bus := NewEventBus()
	auth := NewAuthNegotiator(gw, registry, bus, metrics, config.AuthTimeout)
	router := NewRouter()
	RegisterDefaultHandlers(router, newServices(gw, registry, bus, auth, metrics, config.HistoryLimit))

	s := &Server{
		config:      config,
		gw:          gw,
		registry:    registry,
		router:      router,
		auth:        auth,
		bus:         bus,
		metrics:     metrics,
		connLimiter: NewIPRateLimiter(config.ConnectionRateLimit, config.ConnectionBurst),
		upgrader:    newUpgrader(config.AllowedOrigins),
		ctx:         ctx,
		cancel:      cancel,
		shutdown:    make(chan struct{}),
		startTime:   time.Now(),
		log:         logx.Component("server"),
	}
	s.subscribe()
	return s, nil
}

// subscribe wires the presence refresh broadcast to login and logout.
func (s *Server) subscribe() {
	presenceChanged := func(ev Event) {
		n := s.registry.Broadcast(protocol.Success(protocol.CodeRefreshUsers), func(other *Session) bool {
			return other != ev.Session
		})
		s.log.Debug().Str("topic", ev.Topic).Str("user", ev.Username).Int("notified", n).Msg("presence refresh sent")
	}
	s.bus.Subscribe(TopicAuth, presenceChanged)
	s.bus.Subscribe(TopicLogout, presenceChanged)
	s.bus.Subscribe(TopicMessage, func(ev Event) {
		s.log.Debug().
			Str("from", ev.Envelope.From).
			Str("to", ev.Envelope.To).
			Str("chat", ev.Envelope.Chat).
			Msg("message relayed")
	})
}

// Registry returns the live session registry.
func (s *Server) Registry() *Registry { return s.registry }

// Router returns the command router. Extra handlers may be registered
// before Start.
func (s *Server) Router() *Router { return s.router }

// Events returns the server's event bus.
func (s *Server) Events() *EventBus { return s.bus }

// Metrics returns the server's collectors.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Start opens the configured listeners and begins accepting connections.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.TCPPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.Serve(listener)
	s.log.Info().Str("addr", listener.Addr().String()).Msg("TCP server listening")

	if err := s.startSSHServer(); err != nil {
		s.Stop()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	if s.config.HTTPPort > 0 {
		addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.HTTPPort))
		hl, err := net.Listen("tcp", addr)
		if err != nil {
			s.Stop()
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		s.ServeWeb(hl)
		s.log.Info().Str("addr", hl.Addr().String()).Msg("HTTP server listening (/metrics, /health, /ws)")
	}
	return nil
}

// Serve accepts protocol connections from l until Stop.
func (s *Server) Serve(l net.Listener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(l)
}

// ServeWeb serves the HTTP endpoints on l until Stop.
func (s *Server) ServeWeb(l net.Listener) {
	srv := &http.Server{
		Handler:           s.HTTPHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.httpListener = l
	s.httpServer = srv
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("HTTP server error")
		}
	}()
}

// HTTPHandler returns the router for /metrics, /health and /ws.
func (s *Server) HTTPHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logx.RequestLogger())
	r.Use(middleware.Recoverer)

	r.Get("/health", s.HealthHandler)
	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/ws", s.HandleWebSocket)
	return r
}

// HealthHandler reports liveness and a few counters as JSON.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"sessions":    s.registry.Count(),
		"connections": s.registry.ConnectionCount(),
		"uptime":      time.Since(s.startTime).Round(time.Second).String(),
	})
}

// Addr returns the TCP listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// HTTPAddr returns the HTTP listener address, or nil when disabled.
func (s *Server) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpListener == nil {
		return nil
	}
	return s.httpListener.Addr()
}

// SSHAddr returns the SSH listener address, or nil when disabled.
func (s *Server) SSHAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sshListener == nil {
		return nil
	}
	return s.sshListener.Addr()
}

// Stop gracefully stops the server and closes the gateway.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.log.Info().Msg("graceful shutdown initiated")
		close(s.shutdown)

		s.mu.Lock()
		for _, l := range []net.Listener{s.listener, s.sshListener} {
			if l != nil {
				l.Close()
			}
		}
		if s.httpServer != nil {
			s.httpServer.Close()
		}
		s.mu.Unlock()

		s.registry.CloseAll()
		s.wg.Wait()
		s.cancel()
		s.connLimiter.Stop()

		if err = s.gw.Close(); err != nil {
			s.log.Error().Err(err).Msg("close storage")
		}
		s.log.Info().Msg("graceful shutdown complete")
	})
	return err
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop(l net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn().Err(err).Msg("accept error")
			continue
		}

		ip, _ := splitAddr(conn.RemoteAddr())
		if !s.connLimiter.Allow(ip) {
			s.log.Warn().Str("remote", ip).Msg("connection rejected: rate limit exceeded")
			conn.Close()
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn, conn.RemoteAddr(), "tcp", "")
		}()
	}
}
