// Package transport declares the boundary contracts the cache core
// consumes. Implementations (relay websockets, signer extensions) live
// outside this module; tests inject fakes.
package transport

import (
	"context"
	"errors"

	"bridgecache/pkg/models"
)

// ErrNoSigner is returned when an operation needs the local identity but
// no signer is available. Recoverable: surfaced to the caller, never
// fatal to the engine.
var ErrNoSigner = errors.New("no signer available")

// ErrNoTransport is returned when a fetch or subscribe is requested but
// no transport was wired.
var ErrNoTransport = errors.New("no transport available")

// Signer exposes the local user's identity. The core treats it as opaque
// and uses it only to decide message direction and reject
// self-conversations.
type Signer interface {
	GetPublicKey(ctx context.Context) (string, error)
}

// Transport wraps the relay protocol. Messages it delivers are already
// decrypted plaintext; wire-level cryptography is out of scope here.
type Transport interface {
	// FetchMessages returns messages exchanged with counterpart newer
	// than since, up to limit.
	FetchMessages(ctx context.Context, counterpart string, since int64, limit int) ([]models.Message, error)
	// Subscribe opens a live push subscription. The returned teardown
	// must be idempotent and safe to call while a fetch is in flight.
	Subscribe(ctx context.Context, onMessage func(models.Message)) (func(), error)
}
