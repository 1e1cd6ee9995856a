// Package bbolt provides a BBolt-backed storage.Store for single-node
// deployments that need rate-limit windows, consumed state nonces and CSRF
// bindings to survive a restart.
package bbolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/kserw/forceauth-sub002/storage"
)

var (
	bucketCounters = []byte("rate_windows")
	bucketNonces   = []byte("state_nonces")
	bucketBindings = []byte("csrf_bindings")
)

// Store implements storage.Store backed by a BBolt database. Every mutation
// runs inside a single write transaction, which BBolt serializes.
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New returns a Store backed by db, creating the buckets it needs.
func New(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketCounters, bucketNonces, bucketBindings} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// NewFromFile opens a BBolt database at path and returns a Store.
func NewFromFile(path string, options *bbolt.Options) (*Store, error) {
	if options == nil {
		options = &bbolt.Options{Timeout: time.Second}
	}
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func getEntry(b *bbolt.Bucket, key string) (storage.Entry, bool, error) {
	data := b.Get([]byte(key))
	if data == nil {
		return storage.Entry{}, false, nil
	}
	var e storage.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return storage.Entry{}, false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return e, true, nil
}

func putEntry(b *bbolt.Bucket, key string, e storage.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func (s *Store) update(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(fn)
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return storage.ErrClosed
	}
	return err
}

func (s *Store) view(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.View(fn)
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return storage.ErrClosed
	}
	return err
}

func (s *Store) Increment(ctx context.Context, key storage.WindowKey, window time.Duration) (int64, error) {
	var count int64
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCounters)
		k := key.String()
		e, ok, err := getEntry(b, k)
		if err != nil {
			return err
		}
		if !ok || e.Expired(s.now()) {
			e = storage.Entry{ExpiresAt: storage.WindowExpiry(key, window)}
		}
		e.Count++
		count = e.Count
		return putEntry(b, k, e)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) Consume(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	consumed := false
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketNonces)
		now := s.now()
		e, ok, err := getEntry(b, nonce)
		if err != nil {
			return err
		}
		if ok && !e.Expired(now) {
			return nil
		}
		consumed = true
		return putEntry(b, nonce, storage.NewEntry(now, ttl))
	})
	if err != nil {
		return false, err
	}
	return consumed, nil
}

func (s *Store) PutBinding(ctx context.Context, sessionID, token string, ttl time.Duration) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		e := storage.NewEntry(s.now(), ttl)
		e.Value = token
		return putEntry(tx.Bucket(bucketBindings), sessionID, e)
	})
}

func (s *Store) GetBinding(ctx context.Context, sessionID string) (string, error) {
	var token string
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		e, ok, err := getEntry(tx.Bucket(bucketBindings), sessionID)
		if err != nil {
			return err
		}
		if !ok || e.Expired(s.now()) {
			return fmt.Errorf("csrf binding %s: %w", sessionID, storage.ErrNotFound)
		}
		token = e.Value
		return nil
	})
	return token, err
}

func (s *Store) DeleteBinding(ctx context.Context, sessionID string) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBindings).Delete([]byte(sessionID))
	})
}

// Prune deletes expired entries from every bucket and returns the number removed.
func (s *Store) Prune(ctx context.Context) (int, error) {
	removed := 0
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		now := s.now()
		for _, name := range [][]byte{bucketCounters, bucketNonces, bucketBindings} {
			b := tx.Bucket(name)
			var stale [][]byte
			err := b.ForEach(func(k, v []byte) error {
				var e storage.Entry
				if err := json.Unmarshal(v, &e); err != nil || e.Expired(now) {
					stale = append(stale, append([]byte(nil), k...))
				}
				return nil
			})
			if err != nil {
				return err
			}
			for _, k := range stale {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
			removed += len(stale)
		}
		return nil
	})
	return removed, err
}
