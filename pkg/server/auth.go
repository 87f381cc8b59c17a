package server

import (
	"context"
	"crypto/hmac"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aeolun/talkative/pkg/database"
	"github.com/aeolun/talkative/pkg/logx"
	"github.com/aeolun/talkative/pkg/protocol"
)

// ErrAuthRejected marks a handshake that failed; the connection is closed
// after the reply is written.
var ErrAuthRejected = errors.New("authentication rejected")

// DefaultAuthTimeout bounds the wait between a challenge and its answer.
const DefaultAuthTimeout = 30 * time.Second

// Reply texts. They say as little as the status codes already do.
const (
	msgUserRequired  = "user required"
	msgUnknownUser   = "user not registered"
	msgUsernameInUse = "username already in use"
	msgAuthFailed    = "authentication failed"
	msgOutOfOrder    = "unexpected presence"

	msgPrincipalMismatch = "user does not match transport login"
)

// pendingAuth is a challenge waiting for its answer.
type pendingAuth struct {
	name   string
	digest []byte
	pubKey string
	sess   *Session
	timer  *time.Timer
}

// AuthNegotiator runs the presence -> challenge -> verify handshake.
type AuthNegotiator struct {
	gw       database.Gateway
	registry *Registry
	bus      *EventBus
	metrics  *Metrics
	timeout  time.Duration

	mu      sync.Mutex
	pending map[*Session]*pendingAuth // one challenge per connection

	newNonce func() ([]byte, error)
	log      zerolog.Logger
}

// NewAuthNegotiator creates a negotiator. A zero timeout uses
// DefaultAuthTimeout.
func NewAuthNegotiator(gw database.Gateway, registry *Registry, bus *EventBus, metrics *Metrics, timeout time.Duration) *AuthNegotiator {
	if timeout <= 0 {
		timeout = DefaultAuthTimeout
	}
	return &AuthNegotiator{
		gw:       gw,
		registry: registry,
		bus:      bus,
		metrics:  metrics,
		timeout:  timeout,
		pending:  make(map[*Session]*pendingAuth),
		newNonce: protocol.NewNonce,
		log:      logx.Component("auth"),
	}
}

// Presence answers a presence envelope with a 511 challenge.
func (a *AuthNegotiator) Presence(ctx context.Context, sess *Session, env *protocol.Envelope) (*protocol.Envelope, error) {
	if !sess.transition(StateConnected, StatePresenceReceived) {
		return protocol.ErrorResponse(msgOutOfOrder), nil
	}

	name := env.User
	if name == "" {
		return a.reject(sess, name, msgUserRequired)
	}
	if sess.Principal != "" && sess.Principal != name {
		return a.reject(sess, name, msgPrincipalMismatch)
	}
	if a.registry.Lookup(name) != nil {
		return a.reject(sess, name, msgUsernameInUse)
	}

	user, err := a.gw.UserByName(ctx, name)
	if errors.Is(err, database.ErrNotFound) {
		return a.reject(sess, name, msgUnknownUser)
	}
	if err != nil {
		sess.setState(StateConnected)
		return nil, fmt.Errorf("look up %s: %w", name, err)
	}

	nonce, err := a.newNonce()
	if err != nil {
		sess.setState(StateConnected)
		return nil, err
	}

	p := &pendingAuth{
		name:   name,
		digest: protocol.ComputeDigest(user.AuthKey, nonce),
		pubKey: env.PubKey,
		sess:   sess,
	}

	// Connections racing for the same name each get a challenge;
	// Registry.Register in Verify picks the winner.
	a.mu.Lock()
	a.pending[sess] = p
	p.timer = time.AfterFunc(a.timeout, func() { a.expire(sess, p) })
	a.mu.Unlock()

	sess.setState(StateChallengeSent)
	a.log.Debug().Uint64("session", sess.ID).Str("user", name).Msg("challenge sent")

	reply := protocol.Success(protocol.CodeChallenge)
	reply.Action = protocol.ActionAuth
	reply.SetDataString(base64.StdEncoding.EncodeToString(nonce))
	return reply, nil
}

// Verify checks the digest of an auth envelope. The pending challenge is
// consumed whatever the outcome.
func (a *AuthNegotiator) Verify(ctx context.Context, sess *Session, env *protocol.Envelope) (*protocol.Envelope, error) {
	name := env.Actor()

	a.mu.Lock()
	p, ok := a.pending[sess]
	if ok {
		delete(a.pending, sess)
		p.timer.Stop()
	}
	a.mu.Unlock()

	if !ok || p.name != name || sess.State() != StateChallengeSent {
		return a.fail(sess, name, "no pending challenge")
	}

	given, err := base64.StdEncoding.DecodeString(env.DataString())
	if err != nil || !hmac.Equal(p.digest, given) {
		return a.fail(sess, name, "digest mismatch")
	}

	if !a.registry.Register(name, sess) {
		return a.reject(sess, name, msgUsernameInUse)
	}
	sess.authenticate(name, p.pubKey)

	if err := a.gw.LoginUser(ctx, name, sess.IP, sess.Port, p.pubKey); err != nil {
		a.log.Error().Err(err).Uint64("session", sess.ID).Str("user", name).Msg("record login")
	}

	a.metrics.RecordAuth("ok")
	a.log.Info().
		Uint64("session", sess.ID).
		Str("user", name).
		Str("remote", sess.IP).
		Str("transport", sess.Transport).
		Msg("user authenticated")

	a.bus.Publish(TopicAuth, Event{Username: name, Session: sess})

	reply := protocol.Success(protocol.CodeAuthOK)
	reply.Action = protocol.ActionAuth
	return reply, nil
}

// Forget drops any challenge still pending for sess.
func (a *AuthNegotiator) Forget(sess *Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.pending[sess]; ok {
		p.timer.Stop()
		delete(a.pending, sess)
	}
}

// PendingCount returns the number of outstanding challenges.
func (a *AuthNegotiator) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *AuthNegotiator) expire(sess *Session, p *pendingAuth) {
	a.mu.Lock()
	cur, ok := a.pending[sess]
	if ok && cur == p {
		delete(a.pending, sess)
	}
	a.mu.Unlock()
	if !ok || cur != p {
		return
	}

	sess.setState(StateRejected)
	a.handshakeTimedOut(sess)
	a.log.Info().Uint64("session", sess.ID).Str("user", p.name).Msg("challenge expired")
	sess.Conn.Close()
}

// handshakeTimedOut counts a timed out handshake once per session, whether
// the challenge expiry or the connection watchdog notices it first.
func (a *AuthNegotiator) handshakeTimedOut(sess *Session) {
	if sess.timedOut.CompareAndSwap(false, true) {
		a.metrics.RecordAuth("timeout")
	}
}

// reject ends the handshake with a 400 and closes the connection.
func (a *AuthNegotiator) reject(sess *Session, name, text string) (*protocol.Envelope, error) {
	sess.setState(StateRejected)
	a.metrics.RecordAuth("rejected")
	a.log.Info().Uint64("session", sess.ID).Str("user", name).Str("reason", text).Msg("presence rejected")
	return protocol.ErrorResponse(text), ErrAuthRejected
}

// fail ends the handshake with a 412.
func (a *AuthNegotiator) fail(sess *Session, name, reason string) (*protocol.Envelope, error) {
	sess.setState(StateRejected)
	a.metrics.RecordAuth("failed")
	a.log.Info().Uint64("session", sess.ID).Str("user", name).Str("reason", reason).Msg("authentication failed")

	reply := &protocol.Envelope{
		Response: protocol.CodeAuthFailed,
		Action:   protocol.ActionAuth,
		Error:    msgAuthFailed,
		Time:     protocol.Stamp(),
	}
	return reply, ErrAuthRejected
}
