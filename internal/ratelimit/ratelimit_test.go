package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bizdir/internal/config"
	"github.com/sells-group/bizdir/internal/store"
)

var noon = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func TestDayAndNextReset(t *testing.T) {
	est := time.FixedZone("EST", -5*3600)
	late := time.Date(2026, 5, 10, 21, 30, 0, 0, est)

	assert.Equal(t, "2026-05-11", Day(late))
	assert.Equal(t, time.Date(2026, 5, 12, 0, 0, 0, 0, time.UTC), NextReset(late))
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), NextReset(time.Date(2026, 12, 31, 23, 59, 0, 0, time.UTC)))
}

func newStoreQuota(limit int) (*Quota, *store.MemoryStore) {
	st := store.NewMemory()
	c := NewStoreCounter(st)
	c.now = func() time.Time { return noon }
	q := NewQuota(c, limit)
	q.now = func() time.Time { return noon }
	return q, st
}

func TestQuota_Allow(t *testing.T) {
	q, _ := newStoreQuota(3)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d, err := q.Allow(ctx, "user-1")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, int64(3-i), d.Remaining)
		assert.Zero(t, d.RetryAfter)
	}

	d, err := q.Allow(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Remaining)
	assert.Equal(t, int64(3), d.Limit)
	assert.Equal(t, 12*time.Hour, d.RetryAfter)
	assert.Equal(t, time.Date(2026, 5, 11, 0, 0, 0, 0, time.UTC), d.Reset)

	other, err := q.Allow(ctx, "user-2")
	require.NoError(t, err)
	assert.True(t, other.Allowed)
}

func TestQuota_ConcurrentNeverOverAdmits(t *testing.T) {
	q, _ := newStoreQuota(50)
	ctx := context.Background()

	var mu sync.Mutex
	allowed := 0
	var wg sync.WaitGroup
	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := q.Allow(ctx, "burst")
			if err == nil && d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}

func TestQuota_DefaultLimit(t *testing.T) {
	assert.Equal(t, int64(1000), NewQuota(NewStoreCounter(store.NewMemory()), 0).Limit())
}

type failingCounter struct{}

func (failingCounter) Increment(context.Context, string, int64) (int64, error) {
	return 0, errors.New("store down")
}

func TestQuota_CounterError(t *testing.T) {
	_, err := NewQuota(failingCounter{}, 10).Allow(context.Background(), "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store down")
}

func TestStoreCounter_ScopedByDay(t *testing.T) {
	st := store.NewMemory()
	c := NewStoreCounter(st)
	ctx := context.Background()

	c.now = func() time.Time { return noon }
	n, err := c.Increment(ctx, "k", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	c.now = func() time.Time { return noon.Add(24 * time.Hour) }
	n, err = c.Increment(ctx, "k", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestNewCounter(t *testing.T) {
	st := store.NewMemory()

	c, err := NewCounter(config.RateLimitConfig{}, nil, st)
	require.NoError(t, err)
	assert.IsType(t, &StoreCounter{}, c)

	_, err = NewCounter(config.RateLimitConfig{Backend: "redis"}, nil, st)
	assert.Error(t, err)

	c, err = NewCounter(config.RateLimitConfig{Backend: "redis"}, NewRedisClient(config.RedisConfig{Addr: "localhost:6379"}), st)
	require.NoError(t, err)
	assert.IsType(t, &RedisCounter{}, c)

	_, err = NewCounter(config.RateLimitConfig{Backend: "memcached"}, nil, st)
	assert.Error(t, err)
}
