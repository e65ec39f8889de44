// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/leaderboard-crawler/internal/api"
	"github.com/JakeFAU/leaderboard-crawler/internal/browser"
	"github.com/JakeFAU/leaderboard-crawler/internal/cache"
	"github.com/JakeFAU/leaderboard-crawler/internal/crawl"
	"github.com/JakeFAU/leaderboard-crawler/internal/leaderboard"
	"github.com/JakeFAU/leaderboard-crawler/internal/logging"
	"github.com/JakeFAU/leaderboard-crawler/internal/pagemodel"
	"github.com/JakeFAU/leaderboard-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/leaderboard-crawler/internal/policy/robots"
	"github.com/JakeFAU/leaderboard-crawler/internal/rankings"
	"github.com/JakeFAU/leaderboard-crawler/internal/retry"
	"github.com/JakeFAU/leaderboard-crawler/internal/scheduler"
	"github.com/JakeFAU/leaderboard-crawler/internal/storage/gcs"
	"github.com/JakeFAU/leaderboard-crawler/internal/storage/postgres"
	"github.com/JakeFAU/leaderboard-crawler/internal/validation"
)

// EnvPrefix prefixes every environment override, e.g. HARVESTER_SERVER_PORT.
const EnvPrefix = "HARVESTER"

// Persistence and quarantine backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendGCS      = "gcs"
	BackendPostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	API         api.Config        `mapstructure:"api"`
	Logging     logging.Config    `mapstructure:"logging"`
	Crawl       crawl.Config      `mapstructure:"crawl"`
	Browser     browser.Config    `mapstructure:"browser"`
	PageModel   pagemodel.Config  `mapstructure:"pagemodel"`
	Robots      robots.Config     `mapstructure:"robots"`
	Cache       cache.Config      `mapstructure:"cache"`
	RateLimit   ratelimit.Config  `mapstructure:"ratelimit"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Validation  ValidationConfig  `mapstructure:"validation"`
	Quarantine  QuarantineConfig  `mapstructure:"quarantine"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Rankings    rankings.Config   `mapstructure:"rankings"`
	Scheduler   scheduler.Config  `mapstructure:"scheduler"`
	Workers     WorkersConfig     `mapstructure:"workers"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

// RetryConfig is the crawl cycle retry policy.
type RetryConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	InitialDelay  time.Duration `mapstructure:"initial_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	JitterRatio   float64       `mapstructure:"jitter_ratio"`
}

// Policy converts the config into a retry policy classifying with retry.IsTransient.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts:   r.MaxAttempts,
		InitialDelay:  r.InitialDelay,
		MaxDelay:      r.MaxDelay,
		BackoffFactor: r.BackoffFactor,
		JitterRatio:   r.JitterRatio,
		Retryable:     retry.IsTransient,
	}
}

// ValidationConfig selects how invalid fields are handled.
type ValidationConfig struct {
	Strategy string `mapstructure:"strategy"`
}

// QuarantineConfig selects the quarantine store.
type QuarantineConfig struct {
	Capacity int             `mapstructure:"capacity"`
	Backend  string          `mapstructure:"backend"`
	Postgres postgres.Config `mapstructure:"postgres"`
	// ReprocessOnCleanup retries retry_later records on every cleanup tick.
	ReprocessOnCleanup bool `mapstructure:"reprocess_on_cleanup"`
}

// PersistenceConfig selects the snapshot store.
type PersistenceConfig struct {
	Backend     string     `mapstructure:"backend"`
	SQLitePath  string     `mapstructure:"sqlite_path"`
	GCS         gcs.Config `mapstructure:"gcs"`
	LogCapacity int        `mapstructure:"log_capacity"`
}

// PubSubConfig holds metadata for commit notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
}

// WorkersConfig sizes the refresh worker pool.
type WorkersConfig struct {
	Count      int `mapstructure:"count"`
	QueueDepth int `mapstructure:"queue_depth"`
	LogSize    int `mapstructure:"log_size"`
}

// Load builds a Config from disk/environment. A .env file in the working
// directory is loaded into the environment first when present.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("api.request_timeout", api.DefaultRequestTimeout)
	v.SetDefault("api.auth.enabled", false)
	v.SetDefault("api.auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")

	crawlDefaults := crawl.DefaultConfig()
	v.SetDefault("crawl.global_url", "https://leaderboard.example.com/rankings")
	v.SetDefault("crawl.server_url_template", "https://leaderboard.example.com/rankings/{region}/{server}")
	v.SetDefault("crawl.max_pages", crawlDefaults.MaxPages)
	v.SetDefault("crawl.step_timeout", crawlDefaults.StepTimeout)
	v.SetDefault("crawl.poll_interval", crawlDefaults.PollInterval)
	v.SetDefault("crawl.settle_delay", crawlDefaults.SettleDelay)
	v.SetDefault("crawl.cycle_timeout", crawlDefaults.CycleTimeout)
	v.SetDefault("crawl.failure_threshold", crawlDefaults.FailureThreshold)
	v.SetDefault("crawl.topic", crawlDefaults.Topic)
	v.SetDefault("crawl.detector.similarity_threshold", crawlDefaults.Detector.SimilarityThreshold)
	v.SetDefault("crawl.detector.rank_tolerance", crawlDefaults.Detector.RankTolerance)
	v.SetDefault("crawl.detector.max_compared", crawlDefaults.Detector.MaxCompared)
	v.SetDefault("crawl.detector.reset_window.enabled", false)
	v.SetDefault("crawl.detector.reset_window.hour", 0)
	v.SetDefault("crawl.detector.reset_window.minute", 0)
	v.SetDefault("crawl.detector.reset_window.duration", "30m")
	v.SetDefault("crawl.detector.reset_window.timezone", "UTC")

	browserDefaults := browser.DefaultConfig()
	v.SetDefault("browser.max_sessions", browserDefaults.MaxSessions)
	v.SetDefault("browser.user_agent", "leaderboard-harvester/1.0")
	v.SetDefault("browser.headless", browserDefaults.Headless)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.ready_selector", browserDefaults.ReadySelector)
	v.SetDefault("browser.row_selector", browserDefaults.RowSelector)
	v.SetDefault("browser.reveal_selector", browserDefaults.RevealSelector)

	pm := pagemodel.DefaultConfig()
	v.SetDefault("pagemodel.row", pm.Row)
	v.SetDefault("pagemodel.rank.selector", pm.Rank.Selector)
	v.SetDefault("pagemodel.name.selector", pm.Name.Selector)
	v.SetDefault("pagemodel.clan.selector", pm.Clan.Selector)
	v.SetDefault("pagemodel.class.selector", pm.Class.Selector)
	v.SetDefault("pagemodel.power.selector", pm.Power.Selector)

	v.SetDefault("robots.enabled", true)
	v.SetDefault("robots.user_agent", "leaderboard-harvester/1.0")
	v.SetDefault("robots.cache_ttl", robots.DefaultCacheTTL)
	v.SetDefault("robots.timeout", "10s")

	cacheDefaults := cache.DefaultConfig()
	v.SetDefault("cache.main.ttl", cacheDefaults.Main.TTL)
	v.SetDefault("cache.main.capacity", cacheDefaults.Main.Capacity)
	v.SetDefault("cache.server.ttl", cacheDefaults.Server.TTL)
	v.SetDefault("cache.server.capacity", cacheDefaults.Server.Capacity)
	v.SetDefault("cache.query.ttl", cacheDefaults.Query.TTL)
	v.SetDefault("cache.query.capacity", cacheDefaults.Query.Capacity)

	v.SetDefault("ratelimit.identity.capacity", 60)
	v.SetDefault("ratelimit.identity.refill_per_second", 1.0)
	v.SetDefault("ratelimit.route.capacity", 600)
	v.SetDefault("ratelimit.route.refill_per_second", 10.0)
	v.SetDefault("ratelimit.idle_ttl", ratelimit.DefaultIdleTTL)
	v.SetDefault("ratelimit.trusted_identities", []string{})

	v.SetDefault("retry.max_attempts", retry.DefaultMaxAttempts)
	v.SetDefault("retry.initial_delay", retry.DefaultInitialDelay)
	v.SetDefault("retry.max_delay", retry.DefaultMaxDelay)
	v.SetDefault("retry.backoff_factor", retry.DefaultBackoffFactor)
	v.SetDefault("retry.jitter_ratio", retry.DefaultJitterRatio)

	v.SetDefault("validation.strategy", string(validation.StrategyQuarantine))

	v.SetDefault("quarantine.capacity", 1000)
	v.SetDefault("quarantine.backend", BackendMemory)
	v.SetDefault("quarantine.postgres.dsn", "")
	v.SetDefault("quarantine.postgres.table", "quarantine_records")
	v.SetDefault("quarantine.postgres.max_conns", 4)
	v.SetDefault("quarantine.reprocess_on_cleanup", true)

	v.SetDefault("persistence.backend", BackendMemory)
	v.SetDefault("persistence.sqlite_path", "data/harvester.db")
	v.SetDefault("persistence.gcs.bucket", "")
	v.SetDefault("persistence.gcs.prefix", "leaderboard")
	v.SetDefault("persistence.log_capacity", 500)

	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")

	v.SetDefault("rankings.servers", []string{})
	v.SetDefault("rankings.concurrency", rankings.DefaultConcurrency)

	v.SetDefault("scheduler.refresh_interval", scheduler.DefaultRefreshInterval)
	v.SetDefault("scheduler.cleanup_interval", scheduler.DefaultCleanupInterval)
	v.SetDefault("scheduler.refresh_on_start", true)

	v.SetDefault("workers.count", 2)
	v.SetDefault("workers.queue_depth", 64)
	v.SetDefault("workers.log_size", 256)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.API.Auth.Enabled && c.API.Auth.APIKey == "" {
		errs = append(errs, errors.New("api.auth.api_key must be set when auth is enabled"))
	}
	if err := c.Crawl.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.PageModel.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Browser.MaxSessions <= 0 {
		errs = append(errs, errors.New("browser.max_sessions must be > 0"))
	}
	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("retry.max_attempts must be >= 0"))
	}
	if c.Retry.BackoffFactor < 1 {
		errs = append(errs, errors.New("retry.backoff_factor must be >= 1"))
	}
	if c.Retry.JitterRatio < 0 || c.Retry.JitterRatio > 1 {
		errs = append(errs, errors.New("retry.jitter_ratio must be within [0, 1]"))
	}
	if _, err := validation.ParseStrategy(c.Validation.Strategy); err != nil {
		errs = append(errs, fmt.Errorf("validation.strategy: %w", err))
	}
	switch c.Quarantine.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Quarantine.Postgres.DSN == "" {
			errs = append(errs, errors.New("quarantine.postgres.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("quarantine.backend %q must be memory or postgres", c.Quarantine.Backend))
	}
	switch c.Persistence.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Persistence.SQLitePath == "" {
			errs = append(errs, errors.New("persistence.sqlite_path is required for the sqlite backend"))
		}
	case BackendGCS:
		if c.Persistence.GCS.Bucket == "" {
			errs = append(errs, errors.New("persistence.gcs.bucket is required for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("persistence.backend %q must be memory, sqlite or gcs", c.Persistence.Backend))
	}
	if c.PubSub.Enabled && c.PubSub.ProjectID == "" {
		errs = append(errs, errors.New("pubsub.project_id must be set when pubsub is enabled"))
	}
	for _, raw := range c.Rankings.Servers {
		if _, err := leaderboard.ParseScope(raw); err != nil {
			errs = append(errs, fmt.Errorf("rankings.servers: %w", err))
		}
	}
	if c.Scheduler.RefreshInterval < 0 || c.Scheduler.CleanupInterval < 0 {
		errs = append(errs, errors.New("scheduler intervals must be >= 0"))
	}
	if c.Workers.Count <= 0 {
		errs = append(errs, errors.New("workers.count must be > 0"))
	}
	if c.Workers.QueueDepth <= 0 {
		errs = append(errs, errors.New("workers.queue_depth must be > 0"))
	}
	return errors.Join(errs...)
}

// Strategy returns the parsed validation strategy. Validate has already rejected bad names.
func (c Config) Strategy() validation.Strategy {
	s, err := validation.ParseStrategy(c.Validation.Strategy)
	if err != nil {
		return validation.StrategyQuarantine
	}
	return s
}
