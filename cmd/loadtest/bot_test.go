package main

import (
	"context"
	"io"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/talkative/pkg/database"
	"github.com/aeolun/talkative/pkg/logx"
	"github.com/aeolun/talkative/pkg/protocol"
	"github.com/aeolun/talkative/pkg/server"
)

func TestMain(m *testing.M) {
	logx.Init(false, io.Discard)
	os.Exit(m.Run())
}

func TestRandomMessage(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		words := strings.Fields(randomMessage(r))
		assert.GreaterOrEqual(t, len(words), 5)
		assert.LessOrEqual(t, len(words), 50)
	}
}

func TestStatsSnapshot(t *testing.T) {
	s := &Stats{}
	assert.Zero(t, s.snapshot().AvgLatencyUs)

	s.recordSent()
	s.recordSent()
	s.recordReceived()
	s.recordSendFailure()
	s.recordDisconnection()
	s.recordConnectionError()
	s.recordLatency(2 * time.Millisecond)
	s.recordLatency(4 * time.Millisecond)

	snap := s.snapshot()
	assert.Equal(t, int64(2), snap.Sent)
	assert.Equal(t, int64(1), snap.Received)
	assert.Equal(t, int64(2), snap.Failed)
	assert.Equal(t, int64(1), snap.ConnErrors)
	assert.Equal(t, 3000.0, snap.AvgLatencyUs)
}

func TestProvisionUsers_SQLite(t *testing.T) {
	ctx := context.Background()
	cfg := database.Config{Engine: "sqlite", Path: filepath.Join(t.TempDir(), "bots.db")}
	names := []string{"bot0", "bot1", "bot2"}

	created, err := provisionUsers(ctx, cfg, names, "secret")
	require.NoError(t, err)
	assert.Equal(t, 3, created)

	created, err = provisionUsers(ctx, cfg, names, "secret")
	require.NoError(t, err)
	assert.Zero(t, created, "existing users are skipped")

	gw, err := database.Open(ctx, cfg)
	require.NoError(t, err)
	defer gw.Close()
	user, err := gw.UserByName(ctx, "bot1")
	require.NoError(t, err)
	assert.Equal(t, protocol.DeriveAuthKey("bot1", "secret"), user.AuthKey)
}

func TestProvisionUsers_RejectsReservedNames(t *testing.T) {
	cfg := database.Config{Engine: "sqlite", Path: filepath.Join(t.TempDir(), "bots.db")}
	_, err := provisionUsers(context.Background(), cfg, []string{"bot0", "bot__1"}, "secret")
	assert.ErrorIs(t, err, protocol.ErrInvalidUsername)
}

func startServer(t *testing.T, names []string, password string) string {
	t.Helper()
	ctx := context.Background()
	gw := database.NewMemDB()
	for _, name := range names {
		require.NoError(t, gw.CreateUser(ctx, name, "", protocol.DeriveAuthKey(name, password)))
	}

	cfg := server.DefaultConfig()
	cfg.ConnectionRateLimit = 0
	cfg.MessageRateLimit = 0
	srv, err := server.New(cfg, gw)
	require.NoError(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.Serve(l)
	t.Cleanup(func() { srv.Stop() })
	return l.Addr().String()
}

func TestBots_ExchangeMessages(t *testing.T) {
	for _, encrypted := range []bool{false, true} {
		name := "plain"
		if encrypted {
			name = "sealed"
		}
		t.Run(name, func(t *testing.T) {
			names := []string{"bot0", "bot1"}
			o := options{
				server:   startServer(t, names, "loadtest"),
				duration: 400 * time.Millisecond,
				minDelay: 5 * time.Millisecond,
				maxDelay: 20 * time.Millisecond,
				password: "loadtest",
			}
			if encrypted {
				o.keyDir = t.TempDir()
			}

			stats := &Stats{}
			ctx := context.Background()
			bots := make([]*BotClient, len(names))
			for i, n := range names {
				bots[i] = NewBotClient(i, n, names, o, stats)
				require.NoError(t, bots[i].Connect(ctx))
			}

			var wg sync.WaitGroup
			for _, bot := range bots {
				wg.Add(1)
				go func(bot *BotClient) {
					defer wg.Done()
					bot.Run(ctx, o.duration, 0)
				}(bot)
			}
			wg.Wait()

			snap := stats.snapshot()
			assert.Positive(t, snap.Sent)
			assert.Positive(t, snap.Received)
			assert.LessOrEqual(t, snap.Received, snap.Sent)
			assert.Zero(t, stats.sendFailures.Load())
			assert.Zero(t, stats.decryptFailures.Load())
			assert.Zero(t, stats.disconnections.Load())
		})
	}
}

func TestBots_ConnectFailsWithWrongPassword(t *testing.T) {
	names := []string{"bot0", "bot1"}
	o := options{server: startServer(t, names, "right"), password: "wrong"}

	bot := NewBotClient(0, "bot0", names, o, &Stats{})
	assert.Error(t, bot.Connect(context.Background()))
}
