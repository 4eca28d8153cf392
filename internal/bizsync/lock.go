package bizsync

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrSyncInProgress rejects a sync while another one holds the run lock.
var ErrSyncInProgress = eris.New("bizsync: sync already in progress")

// RunLock serializes sync runs. TryLock never waits: it returns
// ErrSyncInProgress when the lock is held.
type RunLock interface {
	TryLock(ctx context.Context) (release func(), err error)
}

// LocalLock is a RunLock for a single process.
type LocalLock struct {
	mu sync.Mutex
}

// NewLocalLock creates an in-process run lock.
func NewLocalLock() *LocalLock {
	return &LocalLock{}
}

// TryLock implements RunLock.
func (l *LocalLock) TryLock(context.Context) (func(), error) {
	if !l.mu.TryLock() {
		return nil, ErrSyncInProgress
	}
	var once sync.Once
	return func() { once.Do(l.mu.Unlock) }, nil
}

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisLock is a RunLock shared by every process using the same Redis. The
// key expires after ttl so a crashed holder cannot block syncs forever.
type RedisLock struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	script *redis.Script
}

// NewRedisLock creates a Redis-backed run lock.
func NewRedisLock(client redis.UniversalClient, key string, ttl time.Duration) *RedisLock {
	if key == "" {
		key = "bizdir:sync:lock"
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisLock{client: client, key: key, ttl: ttl, script: redis.NewScript(lockReleaseScript)}
}

// TryLock implements RunLock. Release deletes the key only while it still
// holds this holder's token.
func (l *RedisLock) TryLock(ctx context.Context) (func(), error) {
	token := ulid.Make().String()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, eris.Wrap(err, "bizsync: acquire redis lock")
	}
	if !ok {
		return nil, ErrSyncInProgress
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := l.script.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil {
				zap.L().Warn("bizsync: release redis lock", zap.String("key", l.key), zap.Error(err))
			}
		})
	}, nil
}
