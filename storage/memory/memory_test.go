package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kserw/forceauth-sub002/storage"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestIncrement(t *testing.T) {
	clock := newClock()
	s := New(WithClock(clock.Now))
	defer s.Close()
	ctx := context.Background()

	key := storage.WindowKey{Identifier: "ip", Endpoint: "/auth/login", WindowStart: clock.Now()}
	for i := int64(1); i <= 3; i++ {
		n, err := s.Increment(ctx, key, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	other := key
	other.Endpoint = "/auth/refresh"
	n, err := s.Increment(ctx, other, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "endpoints count separately")

	clock.Advance(time.Minute)
	n, err = s.Increment(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "expired window restarts")
}

func TestIncrementConcurrent(t *testing.T) {
	s := New()
	defer s.Close()
	key := storage.WindowKey{Identifier: "ip", Endpoint: "e", WindowStart: time.Now()}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Increment(context.Background(), key, time.Hour)
		}()
	}
	wg.Wait()

	n, err := s.Increment(context.Background(), key, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(51), n)
}

func TestConsume(t *testing.T) {
	clock := newClock()
	s := New(WithClock(clock.Now))
	defer s.Close()
	ctx := context.Background()

	ok, err := s.Consume(ctx, "n1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Consume(ctx, "n1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "replay must be rejected")

	clock.Advance(2 * time.Minute)
	ok, err = s.Consume(ctx, "n1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBindings(t *testing.T) {
	clock := newClock()
	s := New(WithClock(clock.Now))
	defer s.Close()
	ctx := context.Background()

	_, err := s.GetBinding(ctx, "sess")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.PutBinding(ctx, "sess", "tok", time.Hour))
	got, err := s.GetBinding(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, "tok", got)

	require.NoError(t, s.DeleteBinding(ctx, "sess"))
	require.NoError(t, s.DeleteBinding(ctx, "sess"))
	_, err = s.GetBinding(ctx, "sess")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.PutBinding(ctx, "sess", "tok", time.Hour))
	clock.Advance(time.Hour)
	_, err = s.GetBinding(ctx, "sess")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSweep(t *testing.T) {
	clock := newClock()
	s := New(WithClock(clock.Now))
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.PutBinding(ctx, "a", "1", time.Minute))
	require.NoError(t, s.PutBinding(ctx, "b", "2", time.Hour))
	_, err := s.Consume(ctx, "n", time.Minute)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 2, s.Sweep())

	got, err := s.GetBinding(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "2", got)
}

func TestClosedAndCancelled(t *testing.T) {
	s := New(WithSweepInterval(time.Millisecond))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Consume(context.Background(), "n", time.Minute)
	assert.True(t, errors.Is(err, storage.ErrClosed))

	live := New()
	defer live.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = live.Increment(ctx, storage.WindowKey{}, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
