package server

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/aeolun/talkative/pkg/protocol"
)

// ErrRateLimited is reported when a connection sends faster than its limiter allows.
var ErrRateLimited = errors.New("rate limit exceeded")

// Texts of the generic 400 replies produced at the dispatch boundary.
const (
	msgUnknownAction = "unknown action"
	msgLoginRequired = "login required"
	msgRateLimited   = "rate limit exceeded"
	msgInternalError = "internal error"
)

// serveConn runs the read -> dispatch -> reply loop of one client until the
// transport fails or the handshake or an exit ends the session. principal
// is the user the transport already authenticated, "" if none.
func (s *Server) serveConn(rw io.ReadWriteCloser, remote net.Addr, transport, principal string) {
	conn := NewSafeConn(rw, remote, s.config.MaxFrameSize, s.config.WriteTimeout)
	sess := s.registry.Open(conn, transport)
	sess.Principal = principal
	defer s.closeSession(sess)

	select {
	case <-s.shutdown:
		return
	default:
	}

	log := s.log.With().
		Uint64("session", sess.ID).
		Str("remote", remoteString(remote)).
		Str("transport", transport).
		Logger()
	log.Debug().Msg("connection opened")

	// A client that never completes the handshake is dropped.
	watchdog := time.AfterFunc(s.auth.timeout, func() {
		if sess.State() != StateAuthenticated {
			s.auth.handshakeTimedOut(sess)
			log.Info().Str("state", sess.State().String()).Msg("handshake timed out")
			conn.Close()
		}
	})
	defer watchdog.Stop()

	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				log.Debug().Msg("client disconnected")
			case errors.Is(err, protocol.ErrFrameTooLarge), errors.Is(err, protocol.ErrInvalidEnvelope):
				log.Warn().Err(err).Msg("protocol fault, closing connection")
			default:
				log.Debug().Err(err).Msg("read error")
			}
			return
		}
		s.metrics.RecordEnvelopeReceived(env.Key())

		if !s.handleEnvelope(s.ctx, sess, env) {
			return
		}
	}
}

// handleEnvelope dispatches env and writes the reply and any follow-ups.
// It returns false when the connection must be closed.
func (s *Server) handleEnvelope(ctx context.Context, sess *Session, env *protocol.Envelope) bool {
	var (
		reply *protocol.Envelope
		err   error
	)
	if sess.limiter != nil && !sess.limiter.Allow() {
		err = ErrRateLimited
	} else {
		start := time.Now()
		reply, err = s.router.Dispatch(ctx, sess, env)
		s.metrics.RecordHandlerDuration(env.Key(), time.Since(start))
	}

	keep := true
	switch {
	case err == nil:
	case errors.Is(err, ErrHandlerNotFound):
		s.log.Debug().Uint64("session", sess.ID).Str("key", env.Key()).Msg("no handler")
		reply = protocol.ErrorResponse(msgUnknownAction)
	case errors.Is(err, ErrLoginRequired):
		reply = protocol.ErrorResponse(msgLoginRequired)
	case errors.Is(err, ErrRateLimited):
		reply = protocol.ErrorResponse(msgRateLimited)
	case errors.Is(err, ErrAuthRejected), errors.Is(err, ErrSessionClosed):
		keep = false
	default:
		s.log.Error().Err(err).Uint64("session", sess.ID).Str("key", env.Key()).Msg("handler failed")
		reply = protocol.ErrorResponse(msgInternalError)
	}

	if reply != nil {
		if err := s.send(sess, reply); err != nil {
			return false
		}
	}
	for _, f := range sess.takeFollowUps() {
		if err := s.send(sess, f); err != nil {
			return false
		}
	}
	return keep
}

func (s *Server) send(sess *Session, env *protocol.Envelope) error {
	if err := sess.Send(env); err != nil {
		s.log.Debug().Err(err).Uint64("session", sess.ID).Msg("write failed")
		return err
	}
	s.metrics.RecordEnvelopeSent(env.Key())
	return nil
}

// closeSession is the single teardown path for exit, disconnect, eviction
// and shutdown. The logout is recorded at most once.
func (s *Server) closeSession(sess *Session) {
	s.auth.Forget(sess)
	s.registry.Close(sess)

	name := sess.Username()
	if name == "" || !sess.loggedOut.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.gw.LogoutUser(ctx, name, sess.IP, sess.Port); err != nil {
		s.log.Error().Err(err).Str("user", name).Msg("record logout")
	}
	s.log.Info().Uint64("session", sess.ID).Str("user", name).Msg("user logged out")
	s.bus.Publish(TopicLogout, Event{Username: name, Session: sess})
}

func remoteString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
