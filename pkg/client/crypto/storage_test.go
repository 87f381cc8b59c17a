package crypto

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestKeyStore_SaveAndLoadKey(t *testing.T) {
	ks := NewKeyStore(t.TempDir())

	kp, err := GenerateX25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateX25519KeyPair() error = %v", err)
	}
	if ks.HasKey("chat.example.com:7777", "alice") {
		t.Error("HasKey() true before saving")
	}
	if err := ks.SaveKey("chat.example.com:7777", "alice", kp.PrivateKey[:]); err != nil {
		t.Fatalf("SaveKey() error = %v", err)
	}
	if !ks.HasKey("chat.example.com:7777", "alice") {
		t.Error("HasKey() false after saving")
	}

	loaded, err := ks.LoadKey("chat.example.com:7777", "alice")
	if err != nil {
		t.Fatalf("LoadKey() error = %v", err)
	}
	if !bytes.Equal(kp.PrivateKey[:], loaded) {
		t.Error("loaded key doesn't match saved key")
	}

	if err := ks.DeleteKey("chat.example.com:7777", "alice"); err != nil {
		t.Fatalf("DeleteKey() error = %v", err)
	}
	if _, err := ks.LoadKey("chat.example.com:7777", "alice"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("LoadKey() after delete error = %v, want ErrKeyNotFound", err)
	}
	if err := ks.DeleteKey("chat.example.com:7777", "alice"); err != nil {
		t.Errorf("DeleteKey() of a missing key error = %v", err)
	}
}

func TestKeyStore_LoadOrGenerateKey(t *testing.T) {
	ks := NewKeyStore(t.TempDir())

	first, created, err := ks.LoadOrGenerateKey("localhost:7777", "bob")
	if err != nil {
		t.Fatalf("LoadOrGenerateKey() error = %v", err)
	}
	if !created {
		t.Error("first call should generate a key")
	}

	second, created, err := ks.LoadOrGenerateKey("localhost:7777", "bob")
	if err != nil {
		t.Fatalf("LoadOrGenerateKey() second call error = %v", err)
	}
	if created {
		t.Error("second call should load the stored key")
	}
	if first.PublicKey != second.PublicKey {
		t.Error("reloaded key pair has a different public key")
	}

	other, _, _ := ks.LoadOrGenerateKey("otherhost:7777", "bob")
	if other.PublicKey == first.PublicKey {
		t.Error("servers share a key")
	}
}

func TestKeyStore_Validation(t *testing.T) {
	ks := NewKeyStore(t.TempDir())

	if err := ks.SaveKey("host", "alice", make([]byte, 16)); !errors.Is(err, ErrInvalidKeySize) {
		t.Errorf("SaveKey() short key error = %v", err)
	}
	if err := ks.SaveKey("host", "", make([]byte, X25519KeySize)); !errors.Is(err, ErrInvalidUser) {
		t.Errorf("SaveKey() empty user error = %v", err)
	}
}

func TestKeyStore_FilePermissionsAndListing(t *testing.T) {
	dir := t.TempDir()
	ks := NewKeyStore(dir)

	kp, _ := GenerateX25519KeyPair()
	if err := ks.SaveKey("host:1", "alice", kp.PrivateKey[:]); err != nil {
		t.Fatalf("SaveKey() error = %v", err)
	}
	if err := ks.SaveKey("host:1", "bob", kp.PrivateKey[:]); err != nil {
		t.Fatalf("SaveKey() error = %v", err)
	}

	path := filepath.Join(dir, KeysDirName, "host_1_alice"+KeyFileExtension)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if info.Mode().Perm() != KeyFileMode {
		t.Errorf("key file mode = %o, want %o", info.Mode().Perm(), KeyFileMode)
	}

	keys, err := ks.ListKeys()
	if err != nil {
		t.Fatalf("ListKeys() error = %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("ListKeys() = %v, want 2 entries", keys)
	}
}

func TestKeyStore_CorruptKeyFile(t *testing.T) {
	dir := t.TempDir()
	ks := NewKeyStore(dir)

	path, err := ks.keyFilePath("host", "alice")
	if err != nil {
		t.Fatalf("keyFilePath() error = %v", err)
	}
	if err := os.WriteFile(path, []byte("short"), KeyFileMode); err != nil {
		t.Fatal(err)
	}
	if _, err := ks.LoadKey("host", "alice"); !errors.Is(err, ErrKeyFileCorrupt) {
		t.Errorf("LoadKey() error = %v, want ErrKeyFileCorrupt", err)
	}
	if ks.HasKey("host", "alice") {
		t.Error("HasKey() true for a corrupt file")
	}
}

func TestSanitizeForFilename(t *testing.T) {
	tests := map[string]string{
		"example.com:7777": "example.com_7777",
		"a/b\\c":           "a_b_c",
		"../etc":           "__etc",
	}
	for in, want := range tests {
		if got := sanitizeForFilename(in); got != want {
			t.Errorf("sanitizeForFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
