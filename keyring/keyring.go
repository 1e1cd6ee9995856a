// Package keyring keeps the service master secret in a memguard enclave
// (encrypted while at rest in memory) and derives purpose-bound sub-keys from
// it with HKDF-SHA256. Session encryption and flow-state signing never share
// key material.
package keyring

import (
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/kserw/forceauth-sub002/internal/util"
)

// Purpose labels bind a derived key to a single use.
type Purpose string

const (
	PurposeSession Purpose = "forceauth/session/v1"
	PurposeState   Purpose = "forceauth/state/v1"
)

const minSecretLen = 32

var hkdfSalt = []byte("forceauth:keyring:v1")

// ErrDestroyed is returned by Derive after Destroy.
var ErrDestroyed = errors.New("keyring destroyed")

// Keyring holds the sealed master secret.
type Keyring struct {
	mu     sync.RWMutex
	master *memguard.Enclave
}

// New seals a copy of secret in an enclave. The caller's slice is wiped.
func New(secret []byte) (*Keyring, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("master secret must be at least %d bytes, got %d", minSecretLen, len(secret))
	}
	sealed := util.CopyBytes(secret)
	util.WipeBytes(secret)
	return &Keyring{master: memguard.NewEnclave(sealed)}, nil
}

// Derive returns a fresh 32-byte key for purpose. Callers own the returned
// slice and should wipe it when they are done with it.
func (k *Keyring) Derive(purpose Purpose) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.master == nil {
		return nil, ErrDestroyed
	}

	buf, err := k.master.Open()
	if err != nil {
		return nil, fmt.Errorf("opening master secret enclave: %w", err)
	}
	defer buf.Destroy()

	return util.HKDF(buf.Bytes(), hkdfSalt, []byte(purpose))
}

// Destroy drops the enclave reference. Derived keys already handed out are
// not affected.
func (k *Keyring) Destroy() {
	k.mu.Lock()
	k.master = nil
	k.mu.Unlock()
}
