package server

import (
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/talkative/pkg/logx"
	"github.com/aeolun/talkative/pkg/protocol"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// AuthState is where a connection stands in the handshake.
type AuthState int32

const (
	StateConnected AuthState = iota
	StatePresenceReceived
	StateChallengeSent
	StateAuthenticated
	StateRejected
)

func (s AuthState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StatePresenceReceived:
		return "presence_received"
	case StateChallengeSent:
		return "challenge_sent"
	case StateAuthenticated:
		return "authenticated"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Session represents one live client connection.
type Session struct {
	ID          uint64
	Conn        *SafeConn
	Transport   string // tcp, ssh or websocket
	IP          string
	Port        int
	ConnectedAt time.Time
	Principal   string // user already authenticated by the transport (SSH)

	mu       sync.RWMutex // Protects username, pubKey and followUps
	username string       // set once the handshake succeeds
	pubKey   string

	state     atomic.Int32
	loggedOut atomic.Bool
	timedOut  atomic.Bool   // handshake timeout already counted
	limiter   *rate.Limiter // nil when unlimited

	// followUps are written after the current reply, in order
	followUps []*protocol.Envelope
}

// Username returns the authenticated username, "" before auth completes.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// PubKey returns the public key the client presented at login.
func (s *Session) PubKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pubKey
}

func (s *Session) State() AuthState {
	return AuthState(s.state.Load())
}

func (s *Session) setState(st AuthState) {
	s.state.Store(int32(st))
}

// transition moves from one state to another and reports whether the session
// was in the expected state.
func (s *Session) transition(from, to AuthState) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

func (s *Session) authenticate(username, pubKey string) {
	s.mu.Lock()
	s.username = username
	s.pubKey = pubKey
	s.mu.Unlock()
	s.setState(StateAuthenticated)
}

// Send writes env to this session's connection.
func (s *Session) Send(env *protocol.Envelope) error {
	return s.Conn.WriteEnvelope(env)
}

// queueFollowUp schedules env to be written right after the reply to the
// request being handled.
func (s *Session) queueFollowUp(env *protocol.Envelope) {
	s.mu.Lock()
	s.followUps = append(s.followUps, env)
	s.mu.Unlock()
}

func (s *Session) takeFollowUps() []*protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.followUps
	s.followUps = nil
	return out
}

// String identifies the session in logs.
func (s *Session) String() string {
	return "session " + strconv.FormatUint(s.ID, 10)
}

// Registry tracks open connections and the username -> session map.
// At most one session owns a username; a second Register for the same name
// fails instead of replacing the first.
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]*Session
	sessions map[uint64]*Session // every open connection
	nextID   atomic.Uint64

	// Per-connection envelope rate; zero means unlimited
	rateLimit rate.Limit
	rateBurst int

	metrics *Metrics
	log     zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:   make(map[string]*Session),
		sessions: make(map[uint64]*Session),
		log:      logx.Component("registry"),
	}
}

// SetMetrics attaches metrics to the registry
func (r *Registry) SetMetrics(metrics *Metrics) {
	r.metrics = metrics
}

// SetRateLimit configures the limiter given to new sessions: perMinute
// envelopes per minute with the given burst. Zero disables limiting.
func (r *Registry) SetRateLimit(perMinute, burst int) {
	if perMinute <= 0 {
		r.rateLimit = 0
		return
	}
	if burst <= 0 {
		burst = perMinute
	}
	r.rateLimit = rate.Limit(float64(perMinute) / 60)
	r.rateBurst = burst
}

// Open creates the session for a freshly accepted connection.
func (r *Registry) Open(conn *SafeConn, transport string) *Session {
	sess := &Session{
		ID:          r.nextID.Add(1),
		Conn:        conn,
		Transport:   transport,
		ConnectedAt: time.Now(),
	}
	sess.IP, sess.Port = splitAddr(conn.RemoteAddr())
	if r.rateLimit > 0 {
		sess.limiter = rate.NewLimiter(r.rateLimit, r.rateBurst)
	}

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	open := len(r.sessions)
	r.mu.Unlock()

	r.metrics.RecordConnection(transport)
	r.metrics.RecordOpenConnections(open)
	return sess
}

// Close forgets the connection, releases its username if it owns one, and
// closes the socket. It reports whether the session still owned a username.
func (r *Registry) Close(sess *Session) bool {
	r.mu.Lock()
	delete(r.sessions, sess.ID)
	owned := r.removeLocked(sess)
	open, active := len(r.sessions), len(r.byName)
	r.mu.Unlock()

	sess.Conn.Close()
	r.metrics.RecordOpenConnections(open)
	r.metrics.RecordActiveSessions(active)
	return owned
}

// Register binds username to sess. It returns false, leaving the existing
// entry untouched, when the name is already taken.
func (r *Registry) Register(username string, sess *Session) bool {
	r.mu.Lock()
	if _, taken := r.byName[username]; taken {
		r.mu.Unlock()
		return false
	}
	r.byName[username] = sess
	active := len(r.byName)
	r.mu.Unlock()

	r.metrics.RecordActiveSessions(active)
	return true
}

// Unregister removes the entry for username and returns the session it
// pointed to, or nil.
func (r *Registry) Unregister(username string) *Session {
	r.mu.Lock()
	sess, ok := r.byName[username]
	if ok {
		delete(r.byName, username)
	}
	active := len(r.byName)
	r.mu.Unlock()

	if ok {
		r.metrics.RecordActiveSessions(active)
	}
	return sess
}

// UnregisterSession removes sess's username entry only if sess still owns
// it, so a stale connection cannot drop a newer login.
func (r *Registry) UnregisterSession(sess *Session) bool {
	r.mu.Lock()
	owned := r.removeLocked(sess)
	active := len(r.byName)
	r.mu.Unlock()

	if owned {
		r.metrics.RecordActiveSessions(active)
	}
	return owned
}

func (r *Registry) removeLocked(sess *Session) bool {
	name := sess.Username()
	if name == "" {
		return false
	}
	if cur, ok := r.byName[name]; ok && cur == sess {
		delete(r.byName, name)
		return true
	}
	return false
}

// Lookup returns the live session for username, or nil.
func (r *Registry) Lookup(username string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[username]
}

// Usernames returns the registered names in sorted order.
func (r *Registry) Usernames() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Count returns the number of authenticated sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// ConnectionCount returns the number of open connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Deliver writes env to sess. A failed write evicts sess.
func (r *Registry) Deliver(sess *Session, env *protocol.Envelope) error {
	if err := sess.Send(env); err != nil {
		r.Evict(sess, err)
		return err
	}
	r.metrics.RecordEnvelopeSent(env.Key())
	return nil
}

// Broadcast sends env to every authenticated session accepted by include
// (nil includes all). Sessions whose write fails are evicted. It returns
// the number of successful deliveries.
func (r *Registry) Broadcast(env *protocol.Envelope, include func(*Session) bool) int {
	payload, err := env.Encode()
	if err != nil {
		r.log.Error().Err(err).Msg("encode broadcast")
		return 0
	}

	r.mu.RLock()
	targets := make([]*Session, 0, len(r.byName))
	for _, sess := range r.byName {
		if include == nil || include(sess) {
			targets = append(targets, sess)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, sess := range targets {
		if err := sess.Conn.WriteFrame(payload); err != nil {
			r.Evict(sess, err)
			continue
		}
		sent++
	}

	r.metrics.RecordBroadcastFanout(len(targets))
	for i := 0; i < sent; i++ {
		r.metrics.RecordEnvelopeSent(env.Key())
	}
	return sent
}

// Evict drops a session whose connection is broken. Its own read loop then
// fails and finishes the cleanup.
func (r *Registry) Evict(sess *Session, cause error) {
	owned := r.UnregisterSession(sess)
	sess.Conn.Close()
	if owned {
		r.metrics.RecordEviction()
		r.log.Warn().
			Err(cause).
			Uint64("session", sess.ID).
			Str("user", sess.Username()).
			Msg("evicted session after failed write")
	}
}

// All returns every open connection.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// CloseAll closes every connection and clears the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[uint64]*Session)
	r.byName = make(map[string]*Session)
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.Conn.Close()
	}
	r.metrics.RecordOpenConnections(0)
	r.metrics.RecordActiveSessions(0)
}

// splitAddr extracts the IP and port of addr; unknown parts stay zero.
func splitAddr(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String(), tcp.Port
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	p, _ := strconv.Atoi(port)
	return host, p
}
