package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kserw/forceauth-sub002/config"
	"github.com/kserw/forceauth-sub002/storage"
	bboltstorage "github.com/kserw/forceauth-sub002/storage/bbolt"
	"github.com/kserw/forceauth-sub002/storage/memory"
	"github.com/kserw/forceauth-sub002/storage/postgres"
	"github.com/kserw/forceauth-sub002/storage/valkey"
)

// pruner is implemented by backends that do not expire entries on their own.
type pruner interface {
	prune(ctx context.Context) (int64, error)
}

type bboltPruner struct{ s *bboltstorage.Store }

func (p bboltPruner) prune(ctx context.Context) (int64, error) {
	n, err := p.s.Prune(ctx)
	return int64(n), err
}

type postgresPruner struct{ s *postgres.Store }

func (p postgresPruner) prune(ctx context.Context) (int64, error) {
	return p.s.Prune(ctx)
}

// openStore opens the configured backend. The returned pruner is nil for
// backends with native expiry.
func openStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (storage.Store, pruner, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		return memory.New(memory.WithSweepInterval(time.Minute)), nil, nil
	case config.BackendBBolt:
		if err := os.MkdirAll(filepath.Dir(cfg.BBoltPath), 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		s, err := bboltstorage.NewFromFile(cfg.BBoltPath, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bbolt storage: %w", err)
		}
		return s, bboltPruner{s}, nil
	case config.BackendPostgres:
		s, err := postgres.NewFromDSN(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		return s, postgresPruner{s}, nil
	case config.BackendValkey:
		s, err := valkey.New(valkey.Config{
			Address:   cfg.Valkey.Address,
			Password:  cfg.Valkey.Password,
			DB:        cfg.Valkey.DB,
			KeyPrefix: cfg.Valkey.KeyPrefix,
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open valkey storage: %w", err)
		}
		return s, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// runPruner removes expired rows every interval until ctx is done.
func runPruner(ctx context.Context, p pruner, interval, timeout time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, timeout)
			n, err := p.prune(pctx)
			cancel()
			if err != nil {
				logger.Warn("pruning expired entries failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("pruned expired entries", "count", n)
			}
		}
	}
}
