// Package postgres implements storage.Store backed by PostgreSQL, for
// deployments where several service instances share rate-limit windows,
// consumed state nonces and CSRF bindings.
//
// Counter mutation is a single INSERT ... ON CONFLICT DO UPDATE ... RETURNING
// statement, so concurrent instances never lose an increment.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kserw/forceauth-sub002/storage"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New returns a Store backed by the given pgx connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// NewFromDSN creates a connection pool from a DSN string, ensures the schema
// exists, and returns a new Store.
func NewFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return New(pool), nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Increment(ctx context.Context, key storage.WindowKey, window time.Duration) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO rate_limit_windows (identifier, endpoint, window_start, count, expires_at)
		 VALUES ($1, $2, $3, 1, $4)
		 ON CONFLICT (identifier, endpoint, window_start)
		 DO UPDATE SET count = rate_limit_windows.count + 1
		 RETURNING count`,
		key.Identifier, key.Endpoint, key.WindowStart.UTC(), storage.WindowExpiry(key, window).UTC(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("incrementing rate window: %w", err)
	}
	return count, nil
}

// Consume inserts the nonce, or takes over a row whose previous use has
// expired. Zero affected rows means a live row already exists.
func (s *Store) Consume(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	now := s.now().UTC()
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO oauth_state_nonces (nonce, expires_at)
		 VALUES ($1, $2)
		 ON CONFLICT (nonce)
		 DO UPDATE SET expires_at = EXCLUDED.expires_at
		 WHERE oauth_state_nonces.expires_at <= $3`,
		nonce, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("consuming state nonce: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) PutBinding(ctx context.Context, sessionID, token string, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO csrf_bindings (session_id, token, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (session_id)
		 DO UPDATE SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at`,
		sessionID, token, s.now().UTC().Add(ttl))
	if err != nil {
		return fmt.Errorf("storing csrf binding: %w", err)
	}
	return nil
}

func (s *Store) GetBinding(ctx context.Context, sessionID string) (string, error) {
	var token string
	err := s.pool.QueryRow(ctx,
		`SELECT token FROM csrf_bindings WHERE session_id = $1 AND expires_at > $2`,
		sessionID, s.now().UTC()).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("csrf binding %s: %w", sessionID, storage.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("loading csrf binding: %w", err)
	}
	return token, nil
}

func (s *Store) DeleteBinding(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM csrf_bindings WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("deleting csrf binding: %w", err)
	}
	return nil
}

// Prune deletes expired rows from every table and returns the number removed.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	now := s.now().UTC()
	var total int64
	for _, stmt := range []string{
		`DELETE FROM rate_limit_windows WHERE expires_at <= $1`,
		`DELETE FROM oauth_state_nonces WHERE expires_at <= $1`,
		`DELETE FROM csrf_bindings WHERE expires_at <= $1`,
	} {
		tag, err := s.pool.Exec(ctx, stmt, now)
		if err != nil {
			return total, fmt.Errorf("pruning: %w", err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}
