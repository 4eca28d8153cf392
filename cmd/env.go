package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bizdir/internal/bizsync"
	"github.com/sells-group/bizdir/internal/bizsync/normalize"
	"github.com/sells-group/bizdir/internal/bizsync/source"
	"github.com/sells-group/bizdir/internal/config"
	"github.com/sells-group/bizdir/internal/fetcher"
	"github.com/sells-group/bizdir/internal/monitoring"
	"github.com/sells-group/bizdir/internal/query"
	"github.com/sells-group/bizdir/internal/ratelimit"
	"github.com/sells-group/bizdir/internal/resilience"
	"github.com/sells-group/bizdir/internal/scheduler"
	"github.com/sells-group/bizdir/internal/store"
)

// appEnv holds the store, clients and engines shared by the commands.
type appEnv struct {
	Store    store.Store
	Redis    *redis.Client // nil unless redis.addr is set
	Metrics  *monitoring.Metrics
	Alerter  *monitoring.Alerter
	Registry *source.Registry
	Sync     *bizsync.Engine
	Query    *query.Engine
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Redis != nil {
		_ = e.Redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the configured store and applies migrations.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEnv wires the store, the sync engine and the query engine. Callers
// should defer env.Close().
func initEnv(ctx context.Context) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st, Metrics: monitoring.NewMetrics()}

	if cfg.Redis.Enabled() {
		env.Redis = ratelimit.NewRedisClient(cfg.Redis)
		if err := env.Redis.Ping(ctx).Err(); err != nil {
			env.Close()
			return nil, eris.Wrapf(err, "ping redis %s", cfg.Redis.Addr)
		}
		zap.L().Info("redis enabled", zap.String("addr", cfg.Redis.Addr))
	}

	n, err := normalize.New(cfg.Normalize.FieldsPath)
	if err != nil {
		env.Close()
		return nil, err
	}

	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent: cfg.Sync.UserAgent,
		Timeout:   time.Duration(cfg.Sync.CSVTimeoutSecs) * time.Second,
	})
	env.Registry = source.NewRegistry(f, source.Options{
		CSVTimeout:  time.Duration(cfg.Sync.CSVTimeoutSecs) * time.Second,
		JSONTimeout: time.Duration(cfg.Sync.JSONTimeoutSecs) * time.Second,
		Breaker:     resilience.FromCircuitConfig(cfg.Sync.BreakerThreshold, cfg.Sync.BreakerResetSecs),
	})

	env.Alerter = monitoring.NewAlerter(cfg.Monitoring, st)
	env.Sync = bizsync.NewEngine(st, env.Registry, n, source.FromConfig(cfg.Sources), bizsync.EngineOptions{
		Batch:             bizsync.BatchOptionsFromConfig(cfg.Sync),
		SourceConcurrency: cfg.Sync.SourceConcurrency,
		Lock:              runLock(cfg, env.Redis),
		Notifier:          env.Alerter,
		Metrics:           env.Metrics,
	})
	env.Query = query.NewEngine(st, cfg.Query)
	return env, nil
}

// runLock shares the sync lock through Redis when it is configured.
func runLock(c *config.Config, client *redis.Client) bizsync.RunLock {
	if client == nil {
		return bizsync.NewLocalLock()
	}
	return bizsync.NewRedisLock(client, "", time.Duration(c.Sync.LockTTLMinutes)*time.Minute)
}

// quota builds the daily quota on the configured counter backend.
func (e *appEnv) quota() (*ratelimit.Quota, error) {
	var client redis.UniversalClient
	if e.Redis != nil {
		client = e.Redis
	}
	counter, err := ratelimit.NewCounter(cfg.RateLimit, client, e.Store)
	if err != nil {
		return nil, err
	}
	return ratelimit.NewQuota(counter, cfg.RateLimit.DailyLimit), nil
}

// jobs builds the periodic job set.
func (e *appEnv) jobs() *scheduler.Jobs {
	return scheduler.NewJobs(e.Sync, e.Store, e.Alerter, cfg.Schedule)
}

// checker builds the background sync health checker.
func (e *appEnv) checker() *monitoring.Checker {
	return monitoring.NewChecker(monitoring.NewCollector(e.Store), e.Alerter, cfg.Monitoring)
}
