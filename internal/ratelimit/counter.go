package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/bizdir/internal/config"
	"github.com/sells-group/bizdir/internal/store"
)

const keyUsageDaily = "bizdir:usage:%s:%s"

// RedisCounter keeps daily counters in Redis. Keys expire an hour after
// their day ends, so no reset job is needed.
type RedisCounter struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisCounter creates a Redis-backed counter.
func NewRedisCounter(client redis.UniversalClient) *RedisCounter {
	return &RedisCounter{client: client, now: time.Now}
}

// Increment implements Counter with INCRBY and EXPIREAT in one MULTI.
func (c *RedisCounter) Increment(ctx context.Context, key string, by int64) (int64, error) {
	now := c.now()
	k := fmt.Sprintf(keyUsageDaily, Day(now), strings.TrimSpace(key))

	var incr *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.IncrBy(ctx, k, by)
		pipe.ExpireAt(ctx, k, NextReset(now).Add(time.Hour))
		return nil
	})
	if err != nil {
		return 0, eris.Wrap(err, "ratelimit: redis incrby")
	}
	return incr.Val(), nil
}

// StoreCounter keeps daily counters in the primary store.
type StoreCounter struct {
	usage store.Usage
	now   func() time.Time
}

// NewStoreCounter creates a store-backed counter.
func NewStoreCounter(usage store.Usage) *StoreCounter {
	return &StoreCounter{usage: usage, now: time.Now}
}

// Increment implements Counter. Rows are keyed by day and key; the
// reset-limits job deletes past days.
func (c *StoreCounter) Increment(ctx context.Context, key string, by int64) (int64, error) {
	day := Day(c.now())
	n, err := c.usage.IncrementUsage(ctx, day+":"+strings.TrimSpace(key), day, by)
	if err != nil {
		return 0, eris.Wrap(err, "ratelimit: store increment")
	}
	return n, nil
}

// NewRedisClient opens the client shared by the Redis counter and the sync
// run lock.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     strings.TrimSpace(cfg.Addr),
		Password: strings.TrimSpace(cfg.Password),
		DB:       cfg.DB,
	})
}

// NewCounter picks the counter backend from config. The Redis backend
// needs a configured address.
func NewCounter(cfg config.RateLimitConfig, client redis.UniversalClient, usage store.Usage) (Counter, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "store":
		return NewStoreCounter(usage), nil
	case "redis":
		if client == nil {
			return nil, eris.New("ratelimit: redis backend requires redis.addr")
		}
		return NewRedisCounter(client), nil
	default:
		return nil, eris.Errorf("ratelimit: unknown backend %q", cfg.Backend)
	}
}
