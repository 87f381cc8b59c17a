package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aeolun/talkative/pkg/protocol"
)

func TestAddUser_RejectsReservedNames(t *testing.T) {
	configPath = filepath.Join(t.TempDir(), "server.toml")

	for _, name := range []string{"", "alice__bob", "_alice", "alice_"} {
		err := addUser(context.Background(), name, "secret")
		assert.ErrorIs(t, err, protocol.ErrInvalidUsername, name)
	}
}
