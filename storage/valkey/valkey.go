// Package valkey implements storage.Store on Valkey (or Redis). Counter and
// ledger writes run as Lua scripts so each one is a single atomic step on the
// server, no matter how many service instances share the keyspace.
package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/kserw/forceauth-sub002/storage"
)

// DefaultKeyPrefix namespaces every key written by the store.
const DefaultKeyPrefix = "forceauth:"

const connectionVerifyTimeout = 5 * time.Second

// luaIncrementWindow increments a counter and arms its expiry on creation.
const luaIncrementWindow = `
local c = redis.call('INCR', KEYS[1])
if c == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return c
`

// luaConsumeNonce sets the key only when absent. 1 means newly recorded.
const luaConsumeNonce = `
if redis.call('SET', KEYS[1], '1', 'NX', 'PX', ARGV[1]) then
  return 1
end
return 0
`

// Config holds connection settings.
type Config struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	TLS       *tls.Config
	Logger    *slog.Logger
}

// Store implements storage.Store backed by Valkey.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New connects to Valkey and verifies the connection with PING.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
		Password:    cfg.Password,
		TLSConfig:   cfg.TLS,
	}
	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("creating valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to valkey: %w", err)
	}

	logger.Info("connected to valkey storage", "address", cfg.Address, "db", cfg.DB, "prefix", prefix)
	return NewWithClient(client, prefix, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client valkeygo.Client, prefix string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, prefix: prefix, logger: logger}
}

// Close closes the client connection.
func (s *Store) Close() error {
	s.client.Close()
	return nil
}

func (s *Store) windowKey(key storage.WindowKey) string {
	return s.prefix + "rl:" + key.String()
}

func (s *Store) nonceKey(nonce string) string {
	return s.prefix + "state:" + nonce
}

func (s *Store) bindingKey(sessionID string) string {
	return s.prefix + "csrf:" + sessionID
}

func millis(d time.Duration) string {
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return strconv.FormatInt(ms, 10)
}

func (s *Store) Increment(ctx context.Context, key storage.WindowKey, window time.Duration) (int64, error) {
	// The key outlives its window slightly so a late increment never recreates
	// a counter that is about to be replaced.
	ttl := time.Until(storage.WindowExpiry(key, window)) + time.Second
	count, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaIncrementWindow).
			Numkeys(1).
			Key(s.windowKey(key)).
			Arg(millis(ttl)).
			Build(),
	).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("incrementing rate window: %w", err)
	}
	return count, nil
}

func (s *Store) Consume(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeNonce).
			Numkeys(1).
			Key(s.nonceKey(nonce)).
			Arg(millis(ttl)).
			Build(),
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("consuming state nonce: %w", err)
	}
	return n == 1, nil
}

func (s *Store) PutBinding(ctx context.Context, sessionID, token string, ttl time.Duration) error {
	err := s.client.Do(ctx, s.client.B().Set().Key(s.bindingKey(sessionID)).Value(token).Ex(ttl).Build()).Error()
	if err != nil {
		return fmt.Errorf("storing csrf binding: %w", err)
	}
	return nil
}

func (s *Store) GetBinding(ctx context.Context, sessionID string) (string, error) {
	token, err := s.client.Do(ctx, s.client.B().Get().Key(s.bindingKey(sessionID)).Build()).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return "", fmt.Errorf("csrf binding %s: %w", sessionID, storage.ErrNotFound)
		}
		return "", fmt.Errorf("loading csrf binding: %w", err)
	}
	return token, nil
}

func (s *Store) DeleteBinding(ctx context.Context, sessionID string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.bindingKey(sessionID)).Build()).Error(); err != nil {
		return fmt.Errorf("deleting csrf binding: %w", err)
	}
	return nil
}
