package credstore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

// SealedStore is the hardened tier: values are sealed with secretbox using
// a key derived from a per-device secret. It stands in for the platform
// keychain, which is unavailable on some devices and emulators; callers are
// expected to wrap it in a Tiered store so its failures degrade silently.
type SealedStore struct {
	mu   sync.Mutex
	path string
	key  [32]byte
}

// ErrDecrypt indicates a value could not be opened, either because the
// device secret changed or the file was tampered with.
var ErrDecrypt = errors.New("credstore: cannot open sealed value")

const (
	nonceSize = 24
	saltSize  = 16
)

// sealedFile is the on-disk layout of the hardened tier.
type sealedFile struct {
	Salt    string            `json:"salt"`
	Entries map[string]string `json:"entries"`
}

// NewSealed opens (or initializes) a sealed store at path, deriving its key
// from the device secret at secretPath. The secret is created on first use.
func NewSealed(path, secretPath string) (*SealedStore, error) {
	secret, err := loadOrCreateSecret(secretPath)
	if err != nil {
		return nil, err
	}

	s := &SealedStore{path: path}
	salt, err := s.loadSalt()
	if err != nil {
		return nil, err
	}

	derived, err := scrypt.Key(secret, salt, 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("credstore: derive key: %w", err)
	}
	copy(s.key[:], derived)
	return s, nil
}

// Get returns the decrypted value for key, or ErrNotFound.
func (s *SealedStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.load()
	if err != nil {
		return "", err
	}
	sealed, ok := file.Entries[key]
	if !ok {
		return "", ErrNotFound
	}
	return s.open(sealed)
}

// Set seals value under key. An empty value deletes the key.
func (s *SealedStore) Set(ctx context.Context, key, value string) error {
	if value == "" {
		return s.Delete(ctx, key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.load()
	if err != nil {
		return err
	}
	sealed, err := s.seal(value)
	if err != nil {
		return err
	}
	file.Entries[key] = sealed
	return s.save(file)
}

// Delete removes key. Deleting an absent key is not an error.
func (s *SealedStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := file.Entries[key]; !ok {
		return nil
	}
	delete(file.Entries, key)
	return s.save(file)
}

func (s *SealedStore) seal(value string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("credstore: nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(value), &nonce, &s.key)
	return base64.RawStdEncoding.EncodeToString(box), nil
}

func (s *SealedStore) open(sealed string) (string, error) {
	box, err := base64.RawStdEncoding.DecodeString(sealed)
	if err != nil || len(box) < nonceSize {
		return "", ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], box[:nonceSize])
	plain, ok := secretbox.Open(nil, box[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

func (s *SealedStore) load() (*sealedFile, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &sealedFile{Entries: map[string]string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("credstore: read %s: %w", s.path, err)
	}
	file := &sealedFile{}
	if err := json.Unmarshal(raw, file); err != nil {
		return nil, fmt.Errorf("credstore: decode %s: %w", s.path, err)
	}
	if file.Entries == nil {
		file.Entries = map[string]string{}
	}
	return file, nil
}

func (s *SealedStore) save(file *sealedFile) error {
	raw, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("credstore: encode: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("credstore: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("credstore: rename %s: %w", tmp, err)
	}
	return nil
}

// loadSalt reads the salt recorded in the sealed file, generating and
// persisting a fresh one when the file does not exist yet.
func (s *SealedStore) loadSalt() ([]byte, error) {
	file, err := s.load()
	if err != nil {
		return nil, err
	}
	if file.Salt != "" {
		salt, err := base64.RawStdEncoding.DecodeString(file.Salt)
		if err != nil {
			return nil, fmt.Errorf("credstore: decode salt: %w", err)
		}
		return salt, nil
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("credstore: salt: %w", err)
	}
	file.Salt = base64.RawStdEncoding.EncodeToString(salt)
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return nil, fmt.Errorf("credstore: create data dir: %w", err)
	}
	if err := s.save(file); err != nil {
		return nil, err
	}
	return salt, nil
}

func loadOrCreateSecret(path string) ([]byte, error) {
	secret, err := os.ReadFile(path)
	if err == nil && len(secret) >= 16 {
		return secret, nil
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("credstore: read device secret: %w", err)
	}

	secret = make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("credstore: generate device secret: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("credstore: create secret dir: %w", err)
	}
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return nil, fmt.Errorf("credstore: write device secret: %w", err)
	}
	return secret, nil
}
