package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/kserw/forceauth-sub002/storage"
)

const defaultGovernorTimeout = 250 * time.Millisecond

// GovernorConfig configures a Governor.
type GovernorConfig struct {
	Limit   int
	Window  time.Duration
	Timeout time.Duration
	Logger  *slog.Logger
	// OnFailOpen is called every time a request is allowed because the
	// store failed.
	OnFailOpen func(endpoint string, err error)
}

// Governor enforces a budget shared by every instance using one atomic
// increment per request in a storage.CounterStore.
type Governor struct {
	store      storage.CounterStore
	limit      int
	window     time.Duration
	timeout    time.Duration
	logger     *slog.Logger
	onFailOpen func(string, error)
	now        func() time.Time

	// failLog keeps a dead store from flooding the log.
	failLog rate.Sometimes
}

// NewGovernor returns a Governor counting in store.
func NewGovernor(store storage.CounterStore, cfg GovernorConfig) *Governor {
	g := &Governor{
		store:      store,
		limit:      cfg.Limit,
		window:     cfg.Window,
		timeout:    cfg.Timeout,
		logger:     cfg.Logger,
		onFailOpen: cfg.OnFailOpen,
		now:        time.Now,
		failLog:    rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
	if g.window <= 0 {
		g.window = time.Minute
	}
	if g.timeout <= 0 {
		g.timeout = defaultGovernorTimeout
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With("component", "ratelimit")
	return g
}

// Limit returns the per-window budget.
func (g *Governor) Limit() int { return g.limit }

// Check counts one request from identifier against endpoint. It never
// returns an error: if the store fails or times out the request is allowed
// and the decision is marked Degraded.
func (g *Governor) Check(ctx context.Context, identifier, endpoint string) Decision {
	now := g.now()
	start := WindowStart(now, g.window)
	reset := start.Add(g.window)
	if g.limit <= 0 {
		return Decision{Allowed: true, ResetAt: reset}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	count, err := g.store.Increment(ctx, storage.WindowKey{
		Identifier:  identifier,
		Endpoint:    endpoint,
		WindowStart: start,
	}, g.window)
	if err != nil {
		g.failOpen(endpoint, err)
		return Decision{Allowed: true, Limit: g.limit, Remaining: g.limit, ResetAt: reset, Degraded: true}
	}

	return Decision{
		Allowed:   count <= int64(g.limit),
		Limit:     g.limit,
		Remaining: int(max(0, int64(g.limit)-count)),
		ResetAt:   reset,
	}
}

func (g *Governor) failOpen(endpoint string, err error) {
	if g.onFailOpen != nil {
		g.onFailOpen(endpoint, err)
	}
	g.failLog.Do(func() {
		g.logger.Warn("rate limit store unavailable; allowing request", "endpoint", endpoint, "error", err)
	})
}
