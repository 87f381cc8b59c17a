package protocol

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// AuthKeyIterations is the PBKDF2 round count used to derive auth keys
	AuthKeyIterations = 10000

	// NonceSize is the number of random bytes in an auth challenge
	NonceSize = 64
)

// DeriveAuthKey derives the long-lived auth key shared by client and server.
// The lowercased username is the salt, so the same password yields different
// keys for different accounts.
func DeriveAuthKey(username, password string) string {
	key := pbkdf2.Key([]byte(password), []byte(strings.ToLower(username)), AuthKeyIterations, sha512.Size, sha512.New)
	return hex.EncodeToString(key)
}

// NewNonce returns NonceSize random bytes.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, nil
}

// ComputeDigest returns HMAC-SHA256(authKey, nonce).
func ComputeDigest(authKey string, nonce []byte) []byte {
	mac := hmac.New(sha256.New, []byte(authKey))
	mac.Write(nonce)
	return mac.Sum(nil)
}

// AnswerChallenge computes the base64 digest a client returns for a
// base64-encoded challenge nonce.
func AnswerChallenge(authKey, challenge string) (string, error) {
	nonce, err := base64.StdEncoding.DecodeString(challenge)
	if err != nil {
		return "", fmt.Errorf("decode challenge: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ComputeDigest(authKey, nonce)), nil
}
