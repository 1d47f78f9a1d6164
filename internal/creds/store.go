// Package creds persists account credentials and the device identity.
//
// Credentials are encrypted at rest with AES-GCM under a key derived from a
// per-machine secret, so a copied credentials file is useless without the
// secret that stays on this machine.
package creds

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"

	"easmirror/internal/model"
)

const (
	credentialsFile = "credentials.enc"
	secretFile      = "machine.key"

	saltLen   = 16
	secretLen = 32
	kdfRounds = 210_000
	aesKeyLen = 32
)

// ErrNoCredentials is returned by Load when no account is stored.
var ErrNoCredentials = errors.New("no stored credentials")

// Store reads and writes the encrypted credentials file in dir.
type Store struct {
	dir string
}

// DefaultDir returns the default credentials directory:
// ~/.config/easmirror
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "easmirror"), nil
}

// NewStore creates a Store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating credentials directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Save encrypts and writes the credentials, replacing any previous account.
func (s *Store) Save(c model.Credentials) error {
	plain, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}

	secret, err := s.machineSecret()
	if err != nil {
		return err
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}

	gcm, err := newGCM(secret, salt)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plain, nil)
	blob := append(append(salt, nonce...), sealed...)

	path := filepath.Join(s.dir, credentialsFile)
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return fmt.Errorf("writing credentials file: %w", err)
	}
	return nil
}

// Load decrypts and returns the stored credentials. Returns
// [ErrNoCredentials] when no account is stored.
func (s *Store) Load() (model.Credentials, error) {
	var c model.Credentials

	blob, err := os.ReadFile(filepath.Join(s.dir, credentialsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return c, ErrNoCredentials
	}
	if err != nil {
		return c, fmt.Errorf("reading credentials file: %w", err)
	}

	secret, err := s.machineSecret()
	if err != nil {
		return c, err
	}

	if len(blob) < saltLen {
		return c, fmt.Errorf("credentials file truncated")
	}
	salt, rest := blob[:saltLen], blob[saltLen:]

	gcm, err := newGCM(secret, salt)
	if err != nil {
		return c, err
	}
	if len(rest) < gcm.NonceSize() {
		return c, fmt.Errorf("credentials file truncated")
	}
	nonce, sealed := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return c, fmt.Errorf("decrypting credentials: %w", err)
	}
	if err := json.Unmarshal(plain, &c); err != nil {
		return c, fmt.Errorf("decoding credentials: %w", err)
	}
	return c, nil
}

// Clear deletes the stored credentials. Clearing an empty store is not an
// error.
func (s *Store) Clear() error {
	err := os.Remove(filepath.Join(s.dir, credentialsFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing credentials file: %w", err)
	}
	return nil
}

// machineSecret returns the per-machine random secret, creating it on first
// use.
func (s *Store) machineSecret() ([]byte, error) {
	path := filepath.Join(s.dir, secretFile)

	secret, err := os.ReadFile(path)
	if err == nil && len(secret) == secretLen {
		return secret, nil
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading machine secret: %w", err)
	}

	secret = make([]byte, secretLen)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating machine secret: %w", err)
	}
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return nil, fmt.Errorf("writing machine secret: %w", err)
	}
	return secret, nil
}

func newGCM(secret, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(secret, salt, kdfRounds, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}
