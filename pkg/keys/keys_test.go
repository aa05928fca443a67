package keys

import (
	"errors"
	"strings"
	"testing"
)

const identA = "a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f90"
const identB = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	s := NewService()
	if err := s.Initialize(identA); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	in := map[string]any{"content": "hello", "created_at": float64(1000)}
	ct, iv, err := s.Encrypt(in)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if ct == "" || iv == "" {
		t.Fatalf("expected non-empty ciphertext and iv")
	}
	var out map[string]any
	if err := s.Decrypt(ct, iv, &out); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if out["content"] != "hello" || out["created_at"] != float64(1000) {
		t.Fatalf("round trip mismatch: %v", out)
	}
}

func TestFreshIVPerCall(t *testing.T) {
	s := NewService()
	if err := s.Initialize(identA); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	_, iv1, err := s.Encrypt("same record")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	_, iv2, err := s.Encrypt("same record")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if iv1 == iv2 {
		t.Fatalf("iv reused across encryption calls")
	}
}

func TestDecryptWithWrongIdentityFailsClosed(t *testing.T) {
	a := NewService()
	if err := a.Initialize(identA); err != nil {
		t.Fatalf("Initialize A: %v", err)
	}
	ct, iv, err := a.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	b := NewService()
	if err := b.Initialize(identB); err != nil {
		t.Fatalf("Initialize B: %v", err)
	}
	var out string
	err = b.Decrypt(ct, iv, &out)
	if !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
	if out != "" {
		t.Fatalf("decrypt with wrong key leaked plaintext: %q", out)
	}
}

func TestUninitializedFailsClosed(t *testing.T) {
	s := NewService()
	if _, _, err := s.Encrypt("x"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized from Encrypt, got %v", err)
	}
	var out string
	if err := s.Decrypt("ct", "iv", &out); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized from Decrypt, got %v", err)
	}
}

func TestClearDiscardsKey(t *testing.T) {
	s := NewService()
	if err := s.Initialize(identA); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	ct, iv, err := s.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	s.Clear()
	if s.Ready() {
		t.Fatalf("service still ready after Clear")
	}
	var out string
	if err := s.Decrypt(ct, iv, &out); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized after Clear, got %v", err)
	}
}

func TestInitializeIdempotentPerIdentity(t *testing.T) {
	s := NewService()
	if err := s.Initialize(identA); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	ct, iv, err := s.Encrypt("record")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	// re-initializing with the same identity must keep records readable
	if err := s.Initialize(identA); err != nil {
		t.Fatalf("re-Initialize: %v", err)
	}
	var out string
	if err := s.Decrypt(ct, iv, &out); err != nil {
		t.Fatalf("Decrypt after re-init: %v", err)
	}
	if out != "record" {
		t.Fatalf("unexpected plaintext %q", out)
	}
}

func TestInitializeRejectsMalformedIdentity(t *testing.T) {
	s := NewService()
	for _, ident := range []string{"", "not-hex", strings.Repeat("zz", 16)} {
		if err := s.Initialize(ident); !errors.Is(err, ErrKeyDerivation) {
			t.Fatalf("identity %q: expected ErrKeyDerivation, got %v", ident, err)
		}
	}
}
