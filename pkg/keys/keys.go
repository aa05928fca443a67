// Package keys derives and holds the per-session symmetric key used to
// encrypt cached records at rest.
//
// The key is derived from the user's *public* identifier. This is a
// deliberate concession: browser-extension signers never expose the
// private key, so encryption at rest here defends against casual local
// inspection of the cache, not against a determined attacker with device
// access.
package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// saltV1 is the fixed application-level salt mixed into key
	// derivation. Changing it invalidates every existing cache.
	saltV1 = "bridgecache:at-rest:v1"

	pbkdf2Iterations = 100_000
	keySize          = 32 // AES-256
)

var (
	// ErrNotInitialized is returned when encrypt/decrypt is called before
	// Initialize (or after Clear). Sequencing bug upstream; fail closed.
	ErrNotInitialized = errors.New("key service not initialized")
	// ErrKeyDerivation is returned when the identity cannot be decoded.
	ErrKeyDerivation = errors.New("key derivation failed")
	// ErrEncrypt wraps failures producing ciphertext.
	ErrEncrypt = errors.New("encrypt failed")
	// ErrDecrypt wraps authentication-tag mismatches (tampered or
	// wrong-key data). Callers treat this as "drop this record".
	ErrDecrypt = errors.New("decrypt failed")
)

// Service holds the session key and performs authenticated encryption of
// JSON-serializable records. Construct once at session start and pass by
// reference; the zero value is unusable until Initialize.
type Service struct {
	mu       sync.RWMutex
	aead     cipher.AEAD
	identity string
}

// NewService returns an uninitialized key service.
func NewService() *Service { return &Service{} }

// Initialize derives the session key from the given identity (a
// hex-encoded public key) and the fixed salt. Idempotent per session:
// re-initializing with the same identity is a no-op, re-initializing with
// a different identity replaces the key.
func (s *Service) Initialize(identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aead != nil && s.identity == identity {
		return nil
	}
	seed, err := hex.DecodeString(identity)
	if err != nil || len(seed) == 0 {
		return fmt.Errorf("%w: identity is not valid hex", ErrKeyDerivation)
	}
	key := pbkdf2.Key(seed, []byte(saltV1), pbkdf2Iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyDerivation, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyDerivation, err)
	}
	s.aead = aead
	s.identity = identity
	return nil
}

// Ready reports whether a session key is held.
func (s *Service) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aead != nil
}

// Clear discards the in-memory key. Called on logout; after this,
// encrypt/decrypt fail closed until the next Initialize.
func (s *Service) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aead = nil
	s.identity = ""
}

// Encrypt serializes record to JSON and seals it with a fresh random IV.
// Ciphertext and IV are returned base64-encoded for storage.
func (s *Service) Encrypt(record any) (ciphertext, iv string, err error) {
	s.mu.RLock()
	aead := s.aead
	s.mu.RUnlock()
	if aead == nil {
		return "", "", ErrNotInitialized
	}
	plaintext, err := json.Marshal(record)
	if err != nil {
		return "", "", fmt.Errorf("%w: marshal: %v", ErrEncrypt, err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", "", fmt.Errorf("%w: nonce: %v", ErrEncrypt, err)
	}
	ct := aead.Seal(nil, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ct), base64.StdEncoding.EncodeToString(nonce), nil
}

// Decrypt is the inverse of Encrypt, unmarshaling the recovered JSON into
// out. Authentication failures surface as ErrDecrypt, never as garbage.
func (s *Service) Decrypt(ciphertext, iv string, out any) error {
	s.mu.RLock()
	aead := s.aead
	s.mu.RUnlock()
	if aead == nil {
		return ErrNotInitialized
	}
	ct, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return fmt.Errorf("%w: ciphertext encoding: %v", ErrDecrypt, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return fmt.Errorf("%w: iv encoding: %v", ErrDecrypt, err)
	}
	if len(nonce) != aead.NonceSize() {
		return fmt.Errorf("%w: invalid iv length %d", ErrDecrypt, len(nonce))
	}
	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("%w: unmarshal: %v", ErrDecrypt, err)
	}
	return nil
}
