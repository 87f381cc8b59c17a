package protocol

import (
	"crypto/hmac"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveAuthKey(t *testing.T) {
	key := DeriveAuthKey("Bob", "secret")
	assert.Len(t, key, 128, "hex of a 64 byte key")
	assert.Equal(t, key, DeriveAuthKey("bob", "secret"), "username salt is case-insensitive")
	assert.NotEqual(t, key, DeriveAuthKey("carol", "secret"))
	assert.NotEqual(t, key, DeriveAuthKey("bob", "other"))
}

func TestNewNonce(t *testing.T) {
	a, err := NewNonce()
	require.NoError(t, err)
	b, err := NewNonce()
	require.NoError(t, err)
	assert.Len(t, a, NonceSize)
	assert.NotEqual(t, a, b)
}

func TestAnswerChallengeMatchesServerDigest(t *testing.T) {
	key := DeriveAuthKey("bob", "secret")
	nonce, err := NewNonce()
	require.NoError(t, err)

	answer, err := AnswerChallenge(key, base64.StdEncoding.EncodeToString(nonce))
	require.NoError(t, err)

	got, err := base64.StdEncoding.DecodeString(answer)
	require.NoError(t, err)
	assert.True(t, hmac.Equal(ComputeDigest(key, nonce), got))

	other, err := NewNonce()
	require.NoError(t, err)
	assert.False(t, hmac.Equal(ComputeDigest(key, other), got), "digest is bound to its nonce")

	_, err = AnswerChallenge(key, "%%%")
	assert.Error(t, err)
}
