// Package memory provides an in-process storage.Store. It is suitable for a
// single instance and for tests; state does not survive a restart.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/kserw/forceauth-sub002/storage"
)

// Store implements storage.Store with mutex-guarded maps.
type Store struct {
	mu       sync.Mutex
	counters map[string]storage.Entry
	nonces   map[string]storage.Entry
	bindings map[string]storage.Entry
	closed   bool

	now    func() time.Time
	stopCh chan struct{}
	done   chan struct{}
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithSweepInterval starts a background goroutine that drops expired entries
// every interval. Without it expired entries are only skipped on read.
func WithSweepInterval(interval time.Duration) Option {
	return func(s *Store) {
		if interval <= 0 {
			return
		}
		s.stopCh = make(chan struct{})
		s.done = make(chan struct{})
		go s.sweepLoop(interval)
	}
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		counters: make(map[string]storage.Entry),
		nonces:   make(map[string]storage.Entry),
		bindings: make(map[string]storage.Entry),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Increment(ctx context.Context, key storage.WindowKey, window time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, storage.ErrClosed
	}

	k := key.String()
	e, ok := s.counters[k]
	if !ok || e.Expired(s.now()) {
		e = storage.Entry{ExpiresAt: storage.WindowExpiry(key, window)}
	}
	e.Count++
	s.counters[k] = e
	return e.Count, nil
}

func (s *Store) Consume(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, storage.ErrClosed
	}

	now := s.now()
	if e, ok := s.nonces[nonce]; ok && !e.Expired(now) {
		return false, nil
	}
	s.nonces[nonce] = storage.NewEntry(now, ttl)
	return true, nil
}

func (s *Store) PutBinding(ctx context.Context, sessionID, token string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	e := storage.NewEntry(s.now(), ttl)
	e.Value = token
	s.bindings[sessionID] = e
	return nil
}

func (s *Store) GetBinding(ctx context.Context, sessionID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", storage.ErrClosed
	}

	e, ok := s.bindings[sessionID]
	if !ok || e.Expired(s.now()) {
		return "", storage.ErrNotFound
	}
	return e.Value, nil
}

func (s *Store) DeleteBinding(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	delete(s.bindings, sessionID)
	return nil
}

// Sweep removes every entry that has expired and returns how many were dropped.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for _, m := range []map[string]storage.Entry{s.counters, s.nonces, s.bindings} {
		for k, e := range m {
			if e.Expired(now) {
				delete(m, k)
				n++
			}
		}
	}
	return n
}

func (s *Store) sweepLoop(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopCh:
			return
		}
	}
}

// Close stops the sweeper. Later calls fail with storage.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.stopCh != nil {
		close(s.stopCh)
		<-s.done
	}
	return nil
}
