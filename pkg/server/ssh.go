package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/ssh"

	"github.com/aeolun/talkative/pkg/database"
)

// sshUserExtension carries the SSH login name from auth to the session.
const sshUserExtension = "user"

// startSSHServer starts the SSH server on the configured port
func (s *Server) startSSHServer() error {
	if s.config.SSHPort <= 0 {
		s.log.Debug().Int("ssh_port", s.config.SSHPort).Msg("SSH server disabled")
		return nil
	}

	config, err := s.SSHServerConfig()
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.SSHPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.ServeSSH(listener, config)
	s.log.Info().Str("addr", listener.Addr().String()).Msg("SSH server listening")
	return nil
}

// SSHServerConfig loads the host key and returns a config that accepts the
// password of any registered user.
func (s *Server) SSHServerConfig() (*ssh.ServerConfig, error) {
	hostKey, err := loadOrGenerateHostKey(s.config.SSHHostKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load host key: %w", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: s.authenticateSSHPassword,
		ServerVersion:    "SSH-2.0-Talkative",
	}
	config.AddHostKey(hostKey)
	return config, nil
}

// ServeSSH accepts SSH connections from l until Stop.
func (s *Server) ServeSSH(l net.Listener, config *ssh.ServerConfig) {
	s.mu.Lock()
	s.sshListener = l
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptSSHLoop(l, config)
}

// acceptSSHLoop accepts incoming SSH connections
func (s *Server) acceptSSHLoop(listener net.Listener, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer listener.Close()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn().Err(err).Msg("SSH accept error")
			continue
		}

		ip, _ := splitAddr(conn.RemoteAddr())
		if !s.connLimiter.Allow(ip) {
			s.log.Warn().Str("remote", ip).Msg("SSH connection rejected: rate limit exceeded")
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleSSHConnection(conn, config)
	}
}

// handleSSHConnection runs the SSH handshake and one protocol session per
// "session" channel.
func (s *Server) handleSSHConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(s.auth.timeout))
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		s.log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("SSH handshake failed")
		return
	}
	conn.SetDeadline(time.Time{})
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	// chans only ends with the transport, which a client may hold open.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.shutdown:
			sshConn.Close()
		case <-done:
		}
	}()

	var principal string
	if sshConn.Permissions != nil {
		principal = sshConn.Permissions.Extensions[sshUserExtension]
	}

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			s.log.Warn().Err(err).Msg("could not accept SSH channel")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			go handleSSHChannelRequests(requests)
			rw := &sshChannelConn{channel: channel}
			s.serveConn(rw, sshConn.RemoteAddr(), "ssh", principal)
		}()
	}
}

func handleSSHChannelRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "shell", "pty-req", "env", "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// sshChannelConn adapts ssh.Channel to io.ReadWriteCloser.
type sshChannelConn struct {
	channel ssh.Channel
}

func (c *sshChannelConn) Read(b []byte) (int, error) {
	return c.channel.Read(b)
}

func (c *sshChannelConn) Write(b []byte) (int, error) {
	return c.channel.Write(b)
}

func (c *sshChannelConn) Close() error {
	return c.channel.Close()
}

// authenticateSSHPassword checks the password against the user's bcrypt
// verifier. The chat handshake still runs over the channel afterwards.
func (s *Server) authenticateSSHPassword(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	name := meta.User()

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	user, err := s.gw.UserByName(ctx, name)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			s.log.Error().Err(err).Str("user", name).Msg("SSH auth lookup failed")
		}
		return nil, fmt.Errorf("authentication failed")
	}
	if user.PasswordHash == "" || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), password) != nil {
		s.log.Info().Str("user", name).Str("remote", meta.RemoteAddr().String()).Msg("SSH password rejected")
		return nil, fmt.Errorf("authentication failed")
	}

	s.log.Debug().Str("user", name).Str("remote", meta.RemoteAddr().String()).Msg("SSH password accepted")
	return &ssh.Permissions{
		Extensions: map[string]string{sshUserExtension: name},
	}, nil
}

// loadOrGenerateHostKey loads the SSH host key or generates one if it doesn't exist
func loadOrGenerateHostKey(path string) (ssh.Signer, error) {
	keyPath, err := expandHome(path)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(keyPath) == "" {
		return nil, fmt.Errorf("ssh host key path is empty; set [server].ssh_host_key (default %s)", DefaultConfig().SSHHostKeyPath)
	}

	keyBytes, err := os.ReadFile(keyPath)
	if err == nil {
		key, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	privateKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})

	if err := os.MkdirAll(filepath.Dir(keyPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(keyPath, privateKeyPEM, 0600); err != nil {
		return nil, fmt.Errorf("failed to write key: %w", err)
	}

	key, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated key: %w", err)
	}
	return key, nil
}
