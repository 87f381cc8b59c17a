package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_WritesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "server.toml")

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig(), config)

	_, err = os.Stat(path)
	require.NoError(t, err, "default config should be written")

	// The written file parses back to the defaults.
	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7777, again.Server.TCPPort)
	assert.Equal(t, "sqlite", again.Storage.Engine)
	assert.Equal(t, 30, again.Auth.AuthTimeoutSeconds)
	assert.Equal(t, 100, again.Storage.HistoryLimit)
}

func TestLoadConfig_ParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	content := `
[server]
host = "0.0.0.0"
tcp_port = 9000
http_port = 9080
ssh_port = 9022
allowed_origins = ["https://chat.example.com"]

[limits]
message_rate_limit = 120
write_timeout_seconds = 3

[auth]
auth_timeout_seconds = 5

[storage]
engine = "postgres"
postgres_dsn = "postgres://talkative@localhost/talkative"
history_limit = 20
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	config, err := LoadConfig(path)
	require.NoError(t, err)

	sc, err := config.ToServerConfig()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", sc.Host)
	assert.Equal(t, 9000, sc.TCPPort)
	assert.Equal(t, 9080, sc.HTTPPort)
	assert.Equal(t, 9022, sc.SSHPort)
	assert.Equal(t, []string{"https://chat.example.com"}, sc.AllowedOrigins)
	assert.Equal(t, 120, sc.MessageRateLimit)
	assert.Equal(t, DefaultConfig().MessageBurst, sc.MessageBurst)
	assert.Equal(t, 3*time.Second, sc.WriteTimeout)
	assert.Equal(t, 5*time.Second, sc.AuthTimeout)
	assert.Equal(t, 20, sc.HistoryLimit)

	db, err := config.DatabaseConfig()
	require.NoError(t, err)
	assert.Equal(t, "postgres", db.Engine)
	assert.Equal(t, "postgres://talkative@localhost/talkative", db.DSN)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\ntcp_port = "), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("TALKATIVE_SERVER_TCP_PORT", "7000")
	t.Setenv("TALKATIVE_SERVER_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("TALKATIVE_STORAGE_ENGINE", "memory")
	t.Setenv("TALKATIVE_LIMITS_MESSAGE_BURST", "not-a-number")

	config, err := LoadConfig(filepath.Join(t.TempDir(), "server.toml"))
	require.NoError(t, err)
	assert.Equal(t, 7000, config.Server.TCPPort)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, config.Server.AllowedOrigins)
	assert.Equal(t, "memory", config.Storage.Engine)
	assert.Equal(t, DefaultConfig().MessageBurst, config.Limits.MessageBurst, "unparsable values are ignored")
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := expandHome("~/.talkative/db")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".talkative/db"), got)

	got, err = expandHome("/var/lib/talkative.db")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/talkative.db", got)
}
