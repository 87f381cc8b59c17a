package crypto

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// KeysDirName is the subdirectory holding private keys
	KeysDirName = "keys"

	// KeyFileExtension is the extension for key files
	KeyFileExtension = ".x25519"

	KeyFileMode = 0600
	KeyDirMode  = 0700
)

var (
	ErrKeyNotFound    = errors.New("encryption key not found")
	ErrKeyFileCorrupt = errors.New("key file is corrupt")
	ErrInvalidUser    = errors.New("username is required")
)

// KeyStore keeps one private key per server and username on disk, so a
// user presents the same public key on every login.
type KeyStore struct {
	baseDir string
}

// NewKeyStore creates a KeyStore rooted at configDir.
func NewKeyStore(configDir string) *KeyStore {
	return &KeyStore{baseDir: configDir}
}

func (ks *KeyStore) keysDir() (string, error) {
	dir := filepath.Join(ks.baseDir, KeysDirName)
	if err := os.MkdirAll(dir, KeyDirMode); err != nil {
		return "", fmt.Errorf("failed to create keys directory: %w", err)
	}
	return dir, nil
}

// keyFilePath returns {keysDir}/{server}_{username}.x25519
func (ks *KeyStore) keyFilePath(server, username string) (string, error) {
	if username == "" {
		return "", ErrInvalidUser
	}
	dir, err := ks.keysDir()
	if err != nil {
		return "", err
	}
	name := sanitizeForFilename(server) + "_" + sanitizeForFilename(username) + KeyFileExtension
	return filepath.Join(dir, name), nil
}

// sanitizeForFilename makes host:port and usernames safe as path components.
func sanitizeForFilename(s string) string {
	s = strings.ReplaceAll(s, ":", "_")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	return strings.ReplaceAll(s, "..", "_")
}

// SaveKey writes privateKey atomically with owner-only permissions.
func (ks *KeyStore) SaveKey(server, username string, privateKey []byte) error {
	if len(privateKey) != X25519KeySize {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKeySize, X25519KeySize, len(privateKey))
	}

	path, err := ks.keyFilePath(server, username)
	if err != nil {
		return err
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, privateKey, KeyFileMode); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to save key file: %w", err)
	}
	return nil
}

// LoadKey reads the private key of username on server.
func (ks *KeyStore) LoadKey(server, username string) ([]byte, error) {
	path, err := ks.keyFilePath(server, username)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	if len(data) != X25519KeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrKeyFileCorrupt, X25519KeySize, len(data))
	}
	return data, nil
}

func (ks *KeyStore) HasKey(server, username string) bool {
	path, err := ks.keyFilePath(server, username)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Size() == X25519KeySize
}

func (ks *KeyStore) DeleteKey(server, username string) error {
	path, err := ks.keyFilePath(server, username)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete key file: %w", err)
	}
	return nil
}

// LoadOrGenerateKey returns the stored key pair, generating and saving one
// on first use. The bool reports whether the key is new.
func (ks *KeyStore) LoadOrGenerateKey(server, username string) (*X25519KeyPair, bool, error) {
	privateKey, err := ks.LoadKey(server, username)
	if err == nil {
		publicKey, err := X25519PrivateToPublic(privateKey)
		if err != nil {
			return nil, false, err
		}
		kp := &X25519KeyPair{}
		copy(kp.PrivateKey[:], privateKey)
		copy(kp.PublicKey[:], publicKey)
		return kp, false, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, false, err
	}

	kp, err := GenerateX25519KeyPair()
	if err != nil {
		return nil, false, err
	}
	if err := ks.SaveKey(server, username, kp.PrivateKey[:]); err != nil {
		return nil, false, err
	}
	return kp, true, nil
}

// ListKeys returns the names of the stored key files.
func (ks *KeyStore) ListKeys() ([]string, error) {
	dir, err := ks.keysDir()
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var keys []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), KeyFileExtension) {
			keys = append(keys, entry.Name())
		}
	}
	return keys, nil
}
