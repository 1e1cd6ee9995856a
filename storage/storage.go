// Package storage defines the shared-state abstractions used by the
// authentication service: the distributed rate-limit counter, the consumed
// OAuth state ledger and the CSRF token bindings.
//
// Nothing in this package holds session contents. Sessions live only in the
// encrypted cookie; backends store counters, nonces and CSRF tokens so that
// several processes can agree on them without sharing memory.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by backends after Close has been called.
var ErrClosed = errors.New("store closed")

// WindowKey identifies one fixed rate-limit window.
type WindowKey struct {
	Identifier  string
	Endpoint    string
	WindowStart time.Time
}

// String returns the canonical key used by key/value backends.
func (k WindowKey) String() string {
	return fmt.Sprintf("%s|%s|%d", k.Identifier, k.Endpoint, k.WindowStart.UnixMilli())
}

// CounterStore increments fixed-window request counters.
type CounterStore interface {
	// Increment atomically adds one to the counter for key, creating it at 1
	// when absent, and returns the new count. The counter may be dropped once
	// window has elapsed after key.WindowStart.
	Increment(ctx context.Context, key WindowKey, window time.Duration) (int64, error)
}

// NonceLedger records OAuth state nonces that have already been redeemed.
type NonceLedger interface {
	// Consume records nonce for ttl. It returns false when the nonce was
	// already recorded and has not yet expired.
	Consume(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

// BindingStore holds one CSRF token per session id.
type BindingStore interface {
	PutBinding(ctx context.Context, sessionID, token string, ttl time.Duration) error
	// GetBinding returns ErrNotFound when no live binding exists.
	GetBinding(ctx context.Context, sessionID string) (string, error)
	// DeleteBinding is idempotent.
	DeleteBinding(ctx context.Context, sessionID string) error
}

// Store is implemented by every backend.
type Store interface {
	CounterStore
	NonceLedger
	BindingStore
	Close() error
}
