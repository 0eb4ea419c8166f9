package ratelimit

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/authkit/internal/cache"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMemoryCounter() (*Counter, *testClock) {
	clock := &testClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	return NewCounter(cache.NewMemoryStore(cache.WithClock(clock.Now))), clock
}

func TestDeriveKey(t *testing.T) {
	key := DeriveKey("203.0.113.7", "login:POST")

	require.Regexp(t, regexp.MustCompile(`^ratelimit:login:POST:[0-9a-f]{16}$`), key)
	require.Equal(t, key, DeriveKey("203.0.113.7", "login:POST"))
	require.NotEqual(t, key, DeriveKey("203.0.113.8", "login:POST"))
	require.NotContains(t, key, "203.0.113.7")
	// sha256("alice@example.com")[:16]
	require.Equal(t, "ratelimit:forgot_password:POST:ff8d9819fc0e12bf", DeriveKey("alice@example.com", "forgot_password:POST"))
}

func TestCounterAdmitsUpToLimitThenRejects(t *testing.T) {
	counter, _ := newMemoryCounter()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		decision, err := counter.CheckAndIncrement(ctx, "k", 5, time.Minute)
		require.NoError(t, err)
		require.True(t, decision.Allowed, "request %d", i)
		require.EqualValues(t, i, decision.Count)
		require.Equal(t, 5-i, decision.Remaining)
	}

	decision, err := counter.CheckAndIncrement(ctx, "k", 5, time.Minute)
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Greater(t, decision.RetryAfter, time.Duration(0))
	require.Equal(t, 60, decision.RetryAfterSeconds())
	require.EqualValues(t, 5, decision.Count, "rejections must not increment")
}

func TestCounterRetryAfterRoundsUpRemainingTTL(t *testing.T) {
	counter, clock := newMemoryCounter()
	ctx := context.Background()

	_, err := counter.CheckAndIncrement(ctx, "k", 1, time.Minute)
	require.NoError(t, err)

	clock.Advance(30*time.Second + 200*time.Millisecond)
	decision, err := counter.CheckAndIncrement(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, 30, decision.RetryAfterSeconds())

	clock.Advance(29*time.Second + 700*time.Millisecond)
	decision, err = counter.CheckAndIncrement(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, time.Second, decision.RetryAfter, "retry after is floored at one second")
}

func TestCounterWindowStartsAtFirstAdmittedRequest(t *testing.T) {
	counter, clock := newMemoryCounter()
	ctx := context.Background()

	clock.Advance(45 * time.Second)
	_, err := counter.CheckAndIncrement(ctx, "k", 1, time.Minute)
	require.NoError(t, err)

	// A wall-clock aligned window would have reset at the minute boundary.
	clock.Advance(30 * time.Second)
	decision, err := counter.CheckAndIncrement(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	require.False(t, decision.Allowed)

	clock.Advance(31 * time.Second)
	decision, err = counter.CheckAndIncrement(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, decision.Allowed)
}

func TestCounterAcceptsBoundaryBurst(t *testing.T) {
	counter, clock := newMemoryCounter()
	ctx := context.Background()
	const limit = 3

	_, err := counter.CheckAndIncrement(ctx, "k", limit, time.Minute)
	require.NoError(t, err)
	clock.Advance(59 * time.Second)

	admitted := 1
	for i := 0; i < limit-1; i++ {
		d, err := counter.CheckAndIncrement(ctx, "k", limit, time.Minute)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		admitted++
	}

	clock.Advance(2 * time.Second)
	for i := 0; i < limit; i++ {
		d, err := counter.CheckAndIncrement(ctx, "k", limit, time.Minute)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		admitted++
	}

	// Fixed windows admit up to 2x limit across a boundary within a few seconds.
	require.Equal(t, 2*limit, admitted)
}

func TestCounterConcurrentCallersNeverOvershoot(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	stores := map[string]cache.Store{
		"memory": cache.NewMemoryStore(),
		"redis":  cache.NewRedisStoreFromClient(client),
	}

	for name, store := range stores {
		store := store
		t.Run(name, func(t *testing.T) {
			counter := NewCounter(store)
			const (
				limit   = 10
				callers = 64
			)

			var (
				admitted int64
				wg       sync.WaitGroup
				start    = make(chan struct{})
			)
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					d, err := counter.CheckAndIncrement(context.Background(), "shared", limit, time.Minute)
					if err == nil && d.Allowed {
						atomic.AddInt64(&admitted, 1)
					}
				}()
			}
			close(start)
			wg.Wait()

			require.EqualValues(t, limit, admitted)
		})
	}
}

func TestCounterNearLimit(t *testing.T) {
	counter, _ := newMemoryCounter()
	ctx := context.Background()

	var near []bool
	for i := 0; i < 5; i++ {
		d, err := counter.CheckAndIncrement(ctx, "k", 5, time.Minute)
		require.NoError(t, err)
		near = append(near, d.NearLimit)
	}
	require.Equal(t, []bool{false, false, false, true, true}, near)
}

func TestCounterRejectsInvalidRule(t *testing.T) {
	counter, _ := newMemoryCounter()

	_, err := counter.CheckAndIncrement(context.Background(), "k", 0, time.Minute)
	require.ErrorIs(t, err, ErrInvalidRule)

	_, err = counter.CheckAndIncrement(context.Background(), "k", 1, 0)
	require.ErrorIs(t, err, ErrInvalidRule)
}

type failingStore struct {
	cache.Store
	err error
}

func (f failingStore) IncrementIfBelow(context.Context, string, int64, time.Duration) (int64, time.Duration, bool, error) {
	return 0, 0, false, f.err
}

func TestCounterWrapsStoreErrors(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	counter := NewCounter(failingStore{err: cause})

	_, err := counter.CheckAndIncrement(context.Background(), "k", 1, time.Minute)
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.ErrorIs(t, err, cause)

	_, err = NewCounter(nil).CheckAndIncrement(context.Background(), "k", 1, time.Minute)
	require.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestCounterHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	_, err := NewCounter(cache.NewRedisStoreFromClient(client)).CheckAndIncrement(ctx, "k", 1, time.Minute)
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.ErrorIs(t, err, context.Canceled)
}
