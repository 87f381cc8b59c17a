package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/aeolun/talkative/pkg/client"
	"github.com/aeolun/talkative/pkg/client/crypto"
	"github.com/aeolun/talkative/pkg/database"
	"github.com/aeolun/talkative/pkg/logx"
	"github.com/aeolun/talkative/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(loremIpsum)

// randomMessage returns 5 to 50 lorem words.
func randomMessage(r *rand.Rand) string {
	n := 5 + r.Intn(46)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[r.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

// Stats tracks performance metrics
type Stats struct {
	messagesSent      atomic.Int64
	messagesReceived  atomic.Int64
	totalLatency      atomic.Int64 // in microseconds
	latencySamples    atomic.Int64
	connectionErrors  atomic.Int64
	successfulClients atomic.Int64

	sendFailures    atomic.Int64
	requestFailures atomic.Int64
	decryptFailures atomic.Int64
	disconnections  atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Sent         int64
	Received     int64
	Failed       int64
	ConnErrors   int64
	AvgLatencyUs float64
}

func (s *Stats) recordSent() { s.messagesSent.Add(1) }
func (s *Stats) recordReceived() { s.messagesReceived.Add(1) }
func (s *Stats) recordSendFailure() { s.sendFailures.Add(1) }
func (s *Stats) recordRequestFailure() { s.requestFailures.Add(1) }
func (s *Stats) recordDecryptFailure() { s.decryptFailures.Add(1) }
func (s *Stats) recordDisconnection() { s.disconnections.Add(1) }
func (s *Stats) recordConnectionError() { s.connectionErrors.Add(1) }
func (s *Stats) recordLatency(d time.Duration) {
	s.totalLatency.Add(d.Microseconds())
	s.latencySamples.Add(1)
}

func (s *Stats) snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Sent:       s.messagesSent.Load(),
		Received:   s.messagesReceived.Load(),
		ConnErrors: s.connectionErrors.Load(),
		Failed: s.sendFailures.Load() + s.requestFailures.Load() +
			s.decryptFailures.Load() + s.disconnections.Load(),
	}
	if n := s.latencySamples.Load(); n > 0 {
		snap.AvgLatencyUs = float64(s.totalLatency.Load()) / float64(n)
	}
	return snap
}

// BotClient is one simulated user.
type BotClient struct {
	id    int
	name  string
	peers []string
	opts  options
	stats *Stats
	rng   *rand.Rand
	log   zerolog.Logger

	conn *client.Connection
	keys *crypto.X25519KeyPair // nil when messages go out in plain text

	pairMu   sync.Mutex
	pairKeys map[string][]byte

	exiting atomic.Bool
}

// NewBotClient creates a bot named name that messages everyone else in
// names.
func NewBotClient(id int, name string, names []string, opts options, stats *Stats) *BotClient {
	peers := make([]string, 0, len(names)-1)
	for _, n := range names {
		if n != name {
			peers = append(peers, n)
		}
	}
	return &BotClient{
		id:       id,
		name:     name,
		peers:    peers,
		opts:     opts,
		stats:    stats,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano() + int64(id))),
		log:      logx.Component("bot").With().Str("bot", name).Logger(),
		pairKeys: make(map[string][]byte),
	}
}

// Connect dials the server and logs in.
func (bc *BotClient) Connect(ctx context.Context) error {
	pubKey := ""
	if bc.opts.keyDir != "" {
		kp, _, err := crypto.NewKeyStore(bc.opts.keyDir).LoadOrGenerateKey(bc.opts.server, bc.name)
		if err != nil {
			return fmt.Errorf("load key: %w", err)
		}
		bc.keys = kp
		pubKey = kp.EncodedPublicKey()
	}

	conn, err := client.Dial(ctx, bc.opts.server, client.Options{
		Username:    bc.name,
		SSHPassword: bc.opts.password,
		Logger:      &bc.log,
	})
	if err != nil {
		return err
	}
	if err := conn.Login(ctx, bc.name, bc.opts.password, pubKey); err != nil {
		conn.Close()
		return err
	}
	bc.conn = conn
	bc.log.Debug().Str("transport", conn.Transport()).Msg("connected")
	go bc.receiveLoop()
	return nil
}

func (bc *BotClient) receiveLoop() {
	for {
		select {
		case env := <-bc.conn.Pushes():
			if env.Action != protocol.ActionMessage {
				continue
			}
			if bc.keys != nil && env.Text == "" {
				if _, err := bc.open(env); err != nil {
					bc.stats.recordDecryptFailure()
					bc.log.Debug().Err(err).Str("from", env.From).Msg("decrypt failed")
					continue
				}
			}
			bc.stats.recordReceived()
		case <-bc.conn.Done():
			if !bc.exiting.Load() {
				bc.stats.recordDisconnection()
				bc.log.Warn().Err(bc.conn.Err()).Msg("disconnected")
			}
			return
		}
	}
}

// pairKey returns the shared key with peer, fetching its public key once.
func (bc *BotClient) pairKey(ctx context.Context, peer string) ([]byte, error) {
	bc.pairMu.Lock()
	key, ok := bc.pairKeys[peer]
	bc.pairMu.Unlock()
	if ok {
		return key, nil
	}

	pub, err := bc.conn.PublicKey(ctx, peer)
	if err != nil {
		return nil, err
	}
	if pub == "" {
		return nil, errors.New("peer has no public key")
	}
	key, err = crypto.PairKey(bc.keys, bc.name, peer, pub)
	if err != nil {
		return nil, err
	}

	bc.pairMu.Lock()
	bc.pairKeys[peer] = key
	bc.pairMu.Unlock()
	return key, nil
}

func (bc *BotClient) open(env *protocol.Envelope) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key, err := bc.pairKey(ctx, env.From)
	if err != nil {
		return "", err
	}
	return crypto.OpenText(key, env.DataString())
}

// SendRandomMessage sends lorem text to a random peer.
func (bc *BotClient) SendRandomMessage(ctx context.Context) error {
	peer := bc.peers[bc.rng.Intn(len(bc.peers))]
	text := randomMessage(bc.rng)

	var err error
	if bc.keys != nil {
		var key []byte
		key, err = bc.pairKey(ctx, peer)
		if err == nil {
			var sealed string
			if sealed, err = crypto.SealText(key, text); err == nil {
				err = bc.conn.SendSealed(peer, "", sealed)
			}
		}
	} else {
		err = bc.conn.SendText(peer, "", text)
	}
	if err != nil {
		bc.stats.recordSendFailure()
		return err
	}
	bc.stats.recordSent()
	return nil
}

// Ping times a user list request.
func (bc *BotClient) Ping(ctx context.Context) error {
	start := time.Now()
	if _, err := bc.conn.Users(ctx); err != nil {
		bc.stats.recordRequestFailure()
		return err
	}
	bc.stats.recordLatency(time.Since(start))
	return nil
}

// Run sends messages until duration passes or ctx ends, then waits
// shutdownDelay and exits.
func (bc *BotClient) Run(ctx context.Context, duration, shutdownDelay time.Duration) {
	defer bc.exit()

	endTime := time.Now().Add(duration)
	for iteration := 1; time.Now().Before(endTime); iteration++ {
		if err := bc.SendRandomMessage(ctx); err != nil {
			bc.log.Debug().Err(err).Msg("send failed")
		}
		if iteration%5 == 0 {
			if err := bc.Ping(ctx); err != nil {
				bc.log.Debug().Err(err).Msg("ping failed")
			}
		}

		delay := bc.opts.minDelay + time.Duration(bc.rng.Int63n(int64(bc.opts.maxDelay-bc.opts.minDelay)))
		select {
		case <-time.After(delay):
		case <-bc.conn.Done():
			return
		case <-ctx.Done():
			return
		}
	}

	// Stagger shutdown to avoid a thundering herd of exits
	select {
	case <-time.After(shutdownDelay):
	case <-ctx.Done():
	}
}

func (bc *BotClient) exit() {
	bc.exiting.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := bc.conn.Exit(ctx); err != nil {
		bc.log.Debug().Err(err).Msg("exit failed")
	}
	bc.conn.Close()
}

// provisionUsers creates the bot users that do not exist yet and returns
// how many were created.
func provisionUsers(ctx context.Context, cfg database.Config, names []string, password string) (int, error) {
	for _, name := range names {
		if err := protocol.ValidateUsername(name); err != nil {
			return 0, err
		}
	}

	gw, err := database.Open(ctx, cfg)
	if err != nil {
		return 0, err
	}
	defer gw.Close()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, name := range names {
		err := gw.CreateUser(ctx, name, string(hash), protocol.DeriveAuthKey(name, password))
		if errors.Is(err, database.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return created, fmt.Errorf("create %s: %w", name, err)
		}
		created++
	}
	return created, nil
}
