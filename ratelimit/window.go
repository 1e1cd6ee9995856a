package ratelimit

import (
	"sync"
	"time"
)

type bucket struct {
	start time.Time
	count int
}

// FixedWindow is an in-memory counter allowing limit requests per key per
// aligned window.
type FixedWindow struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	buckets map[string]*bucket
	now     func() time.Time
}

// NewFixedWindow returns a limiter. A limit of zero or less disables it.
func NewFixedWindow(limit int, window time.Duration) *FixedWindow {
	if window <= 0 {
		window = time.Minute
	}
	return &FixedWindow{
		limit:   limit,
		window:  window,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow counts one request for key.
func (fw *FixedWindow) Allow(key string) Decision {
	now := fw.now()
	start := WindowStart(now, fw.window)
	reset := start.Add(fw.window)
	if fw.limit <= 0 {
		return Decision{Allowed: true, ResetAt: reset}
	}

	fw.mu.Lock()
	b, ok := fw.buckets[key]
	if !ok || !b.start.Equal(start) {
		b = &bucket{start: start}
		fw.buckets[key] = b
	}
	b.count++
	count := b.count
	fw.mu.Unlock()

	return Decision{
		Allowed:   count <= fw.limit,
		Limit:     fw.limit,
		Remaining: max(0, fw.limit-count),
		ResetAt:   reset,
	}
}

// Sweep removes buckets from past windows.
func (fw *FixedWindow) Sweep() {
	start := WindowStart(fw.now(), fw.window)
	fw.mu.Lock()
	defer fw.mu.Unlock()
	for k, b := range fw.buckets {
		if b.start.Before(start) {
			delete(fw.buckets, k)
		}
	}
}

func (fw *FixedWindow) size() int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return len(fw.buckets)
}

// LocalConfig sets the per-process budgets.
type LocalConfig struct {
	Window      time.Duration
	GlobalLimit int
	AuthLimit   int
	APILimit    int
}

// Local bundles the three per-process budgets: every request, the
// authentication endpoints, and per-session API calls.
type Local struct {
	Global *FixedWindow
	Auth   *FixedWindow
	API    *FixedWindow

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewLocal builds the budgets.
func NewLocal(cfg LocalConfig) *Local {
	return &Local{
		Global: NewFixedWindow(cfg.GlobalLimit, cfg.Window),
		Auth:   NewFixedWindow(cfg.AuthLimit, cfg.Window),
		API:    NewFixedWindow(cfg.APILimit, cfg.Window),
	}
}

// StartSweeper drops stale buckets every interval until Stop is called.
func (l *Local) StartSweeper(interval time.Duration) {
	if interval <= 0 || l.stopCh != nil {
		return
	}
	l.stopCh = make(chan struct{})
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Sweep()
			case <-l.stopCh:
				return
			}
		}
	}()
}

// Sweep sweeps all three budgets.
func (l *Local) Sweep() {
	l.Global.Sweep()
	l.Auth.Sweep()
	l.API.Sweep()
}

// Stop ends the sweeper goroutine, if running.
func (l *Local) Stop() {
	if l.stopCh == nil {
		return
	}
	l.stopOnce.Do(func() {
		close(l.stopCh)
		<-l.done
	})
}
