package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Sync       SyncConfig       `yaml:"sync" mapstructure:"sync"`
	Sources    []SourceConfig   `yaml:"sources" mapstructure:"sources"`
	Normalize  NormalizeConfig  `yaml:"normalize" mapstructure:"normalize"`
	Query      QueryConfig      `yaml:"query" mapstructure:"query"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit" mapstructure:"ratelimit"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Schedule   ScheduleConfig   `yaml:"schedule" mapstructure:"schedule"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// SyncConfig configures the ingestion pipeline.
type SyncConfig struct {
	BatchSize            int    `yaml:"batch_size" mapstructure:"batch_size"`
	MaxConcurrentBatches int    `yaml:"max_concurrent_batches" mapstructure:"max_concurrent_batches"`
	GroupDelayMs         int    `yaml:"group_delay_ms" mapstructure:"group_delay_ms"`
	CommitAttempts       int    `yaml:"commit_attempts" mapstructure:"commit_attempts"`
	RetryBackoffMs       int    `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	SourceConcurrency    int    `yaml:"source_concurrency" mapstructure:"source_concurrency"`
	CSVTimeoutSecs       int    `yaml:"csv_timeout_secs" mapstructure:"csv_timeout_secs"`
	JSONTimeoutSecs      int    `yaml:"json_timeout_secs" mapstructure:"json_timeout_secs"`
	UserAgent            string `yaml:"user_agent" mapstructure:"user_agent"`
	LockTTLMinutes       int    `yaml:"lock_ttl_minutes" mapstructure:"lock_ttl_minutes"`
	BreakerThreshold     int    `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs     int    `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// GroupDelay returns the pause between concurrent batch groups.
func (s SyncConfig) GroupDelay() time.Duration {
	return time.Duration(s.GroupDelayMs) * time.Millisecond
}

// RetryBackoff returns the linear backoff unit for batch commits.
func (s SyncConfig) RetryBackoff() time.Duration {
	return time.Duration(s.RetryBackoffMs) * time.Millisecond
}

// SourceConfig describes one upstream open-data source.
type SourceConfig struct {
	Name       string `yaml:"name" mapstructure:"name"`
	Kind       string `yaml:"kind" mapstructure:"kind"`
	URL        string `yaml:"url" mapstructure:"url"`
	Path       string `yaml:"path" mapstructure:"path"`
	Province   string `yaml:"province" mapstructure:"province"`
	ResourceID string `yaml:"resource_id" mapstructure:"resource_id"`
	PageSize   int    `yaml:"page_size" mapstructure:"page_size"`
	MaxPages   int    `yaml:"max_pages" mapstructure:"max_pages"`
	Disabled   bool   `yaml:"disabled" mapstructure:"disabled"`
}

// NormalizeConfig configures field resolution.
type NormalizeConfig struct {
	FieldsPath string `yaml:"fields_path" mapstructure:"fields_path"`
}

// QueryConfig configures the read path.
type QueryConfig struct {
	ExportMax int `yaml:"export_max" mapstructure:"export_max"`
}

// RateLimitConfig configures the per-key daily quota.
type RateLimitConfig struct {
	DailyLimit int    `yaml:"daily_limit" mapstructure:"daily_limit"`
	Backend    string `yaml:"backend" mapstructure:"backend"`
}

// RedisConfig holds the optional Redis connection used for quotas and locks.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Addr) != ""
}

// ScheduleConfig holds cron specs for the periodic jobs.
type ScheduleConfig struct {
	Timezone         string `yaml:"timezone" mapstructure:"timezone"`
	Sync             string `yaml:"sync" mapstructure:"sync"`
	CleanupLogs      string `yaml:"cleanup_logs" mapstructure:"cleanup_logs"`
	ResetLimits      string `yaml:"reset_limits" mapstructure:"reset_limits"`
	WeeklyReport     string `yaml:"weekly_report" mapstructure:"weekly_report"`
	LogRetentionDays int    `yaml:"log_retention_days" mapstructure:"log_retention_days"`
	CleanupBatch     int    `yaml:"cleanup_batch" mapstructure:"cleanup_batch"`
	CatchUp          bool   `yaml:"catch_up" mapstructure:"catch_up"`
}

// MonitoringConfig configures operator notifications and sync health alerts.
type MonitoringConfig struct {
	WebhookURL        string `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	StaleSyncHours    int    `yaml:"stale_sync_hours" mapstructure:"stale_sync_hours"`
	FailureStreak     int    `yaml:"failure_streak" mapstructure:"failure_streak"`
}

// defaultSources mirrors the provincial open-data portals ingested weekly.
// Resource ids come from the environment; a CKAN source without one is skipped.
// The national Statistics Canada extract is large and opt-in.
func defaultSources() []map[string]any {
	return []map[string]any{
		{
			"name":        "ontario",
			"kind":        "ckan",
			"url":         "https://data.ontario.ca/api/3/action/datastore_search",
			"province":    "ON",
			"resource_id": os.Getenv("ONTARIO_DATA_RESOURCE_ID"),
		},
		{
			"name":        "bc",
			"kind":        "ckan",
			"url":         "https://catalogue.data.gov.bc.ca/api/3/action/datastore_search",
			"province":    "BC",
			"resource_id": os.Getenv("BC_DATA_RESOURCE_ID"),
		},
		{
			"name":        "alberta",
			"kind":        "ckan",
			"url":         "https://data.alberta.ca/api/3/action/datastore_search",
			"province":    "AB",
			"resource_id": os.Getenv("ALBERTA_DATA_RESOURCE_ID"),
		},
		{
			"name":     "statscan",
			"kind":     "csv",
			"url":      "https://www150.statcan.gc.ca/n1/pub/21-26-0003/2023001/ODBus_v4.zip",
			"province": "ALL",
			"disabled": true,
		},
	}
}

// Load reads configuration from .env, config file and environment.
func Load() (*Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("BIZDIR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("sync.batch_size", 500)
	v.SetDefault("sync.max_concurrent_batches", 5)
	v.SetDefault("sync.group_delay_ms", 50)
	v.SetDefault("sync.commit_attempts", 3)
	v.SetDefault("sync.retry_backoff_ms", 1000)
	v.SetDefault("sync.source_concurrency", 1)
	v.SetDefault("sync.csv_timeout_secs", 60)
	v.SetDefault("sync.json_timeout_secs", 30)
	v.SetDefault("sync.user_agent", "bizdir/1.0")
	v.SetDefault("sync.lock_ttl_minutes", 120)
	v.SetDefault("sync.breaker_threshold", 3)
	v.SetDefault("sync.breaker_reset_secs", 3600)
	v.SetDefault("sources", defaultSources())
	v.SetDefault("query.export_max", 10000)
	v.SetDefault("ratelimit.daily_limit", 1000)
	v.SetDefault("ratelimit.backend", "store")
	v.SetDefault("schedule.timezone", "America/Toronto")
	v.SetDefault("schedule.sync", "0 2 * * 0")
	v.SetDefault("schedule.cleanup_logs", "0 3 * * *")
	v.SetDefault("schedule.reset_limits", "0 0 * * *")
	v.SetDefault("schedule.weekly_report", "0 9 * * 1")
	v.SetDefault("schedule.log_retention_days", 30)
	v.SetDefault("schedule.cleanup_batch", 500)
	v.SetDefault("schedule.catch_up", true)
	v.SetDefault("monitoring.check_interval_secs", 900)
	v.SetDefault("monitoring.stale_sync_hours", 192)
	v.SetDefault("monitoring.failure_streak", 2)

	// Legacy quota variable.
	if dl := os.Getenv("RATE_LIMIT_PER_DAY"); dl != "" {
		v.SetDefault("ratelimit.daily_limit", dl)
	}

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
