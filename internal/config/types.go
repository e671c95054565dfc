package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Ingest         IngestConfig         `yaml:"ingest"`
	Scrape         ScrapeConfig         `yaml:"scrape"`
	ParserConfig   ParserConfigConfig   `yaml:"parser_config"`
	BlobStore      BlobStoreConfig      `yaml:"blob_store"`
	Storage        StorageConfig        `yaml:"storage"`
	CloudPayments  CloudPaymentsConfig  `yaml:"cloudpayments"`
	Billing        BillingConfig        `yaml:"billing"`
	Notifications  NotificationsConfig  `yaml:"notifications"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	ShutdownTimeout    Duration `yaml:"shutdown_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`          // Optional prefix for all routes (e.g., "/api")
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"` // Optional API key to protect /metrics (empty disables protection)
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// IngestConfig tunes the resilient outbound HTTP client used for Instagram calls.
type IngestConfig struct {
	MaxConcurrent       int      `yaml:"max_concurrent"`        // Semaphore size for in-flight requests (default: 10)
	MaxParallelRequests int      `yaml:"max_parallel_requests"` // Hedging ceiling per logical request (default: 3)
	RequestTimeout      Duration `yaml:"request_timeout"`       // Total deadline per logical request (default: 3s)
	ConnectTimeout      Duration `yaml:"connect_timeout"`       // TCP connect deadline (default: 3s)
	SockReadTimeout     Duration `yaml:"sock_read_timeout"`     // Response header/body read deadline (default: 8s)
	KeepAlive           Duration `yaml:"keep_alive"`            // Connection keep-alive (default: 15s)
	MetricsWindow       Duration `yaml:"metrics_window"`        // Counter reset window (default: 60s)
	RefreshSuccessRate  float64  `yaml:"refresh_success_rate"`  // Below this rate the transport is rebuilt (default: 0.7)
	Retry               IngestRetryConfig `yaml:"retry"`
}

// IngestRetryConfig bounds per-request backoff retries inside the client.
type IngestRetryConfig struct {
	MaxRetries      int      `yaml:"max_retries"`      // default: 2
	InitialInterval Duration `yaml:"initial_interval"` // default: 100ms
	MaxInterval     Duration `yaml:"max_interval"`     // default: 2s
	Multiplier      float64  `yaml:"multiplier"`       // default: 2.0
}

// ScrapeConfig holds cache policy and worker/queue tuning.
type ScrapeConfig struct {
	ProfileCacheTTL  Duration `yaml:"profile_cache_ttl"`  // Freshness window (default: 24h)
	TaskStatusTTL    Duration `yaml:"task_status_ttl"`    // Task record eviction (default: 1h)
	SweepInterval    Duration `yaml:"sweep_interval"`     // Task sweeper period (default: 5m)
	PageSize         int      `yaml:"page_size"`          // GraphQL page size (default: 25)
	MaxFollowers     int      `yaml:"max_followers"`      // Traversal cap (default: 50)
	MaxFollowings    int      `yaml:"max_followings"`     // Traversal cap (default: 50)
	MutualSampleSize int      `yaml:"mutual_sample_size"` // Fallback sample when mutuals empty (default: 20)
	MediaLimit       int      `yaml:"media_limit"`        // Recent media probed for comments (default: 12)
	CommentLimit     int      `yaml:"comment_limit"`      // Comments accumulated across posts (default: 5)
	SessionFallback  bool     `yaml:"session_fallback"`   // Enable session-login comment fallback capability
	TaskStore        string   `yaml:"task_store"`         // "memory" or "redis" (default: memory)
	RedisURL         string   `yaml:"redis_url"`          // Redis connection URL for the redis task store
	RateLimit        ScrapeRateLimitConfig `yaml:"rate_limit"`
}

// ScrapeRateLimitConfig tunes the inter-page pacing sleep.
type ScrapeRateLimitConfig struct {
	BaseDelay Duration `yaml:"base_delay"` // default: 15s
	JitterMax float64  `yaml:"jitter_max"` // Fraction of base added as uniform jitter (default: 0.5)
	DelayMin  Duration `yaml:"delay_min"`  // Extra uniform delay lower bound (default: 1s)
	DelayMax  Duration `yaml:"delay_max"`  // Extra uniform delay upper bound (default: 3s)
}

// ParserConfigConfig points at the runtime-editable JSON credential file.
type ParserConfigConfig struct {
	Path string `yaml:"path"` // default: parser_config.json
}

// BlobStoreConfig holds image storage settings.
type BlobStoreConfig struct {
	BaseDir      string `yaml:"base_dir"`      // default: storage/images
	MaxDimension int    `yaml:"max_dimension"` // Downscale bound for profile/post images (default: 1200)
	CleanupDays  int    `yaml:"cleanup_days"`  // Age threshold for cleanup runs (default: 30)
}

// StorageConfig holds the persistence backend configuration.
type StorageConfig struct {
	Backend         string             `yaml:"backend"`          // "memory", "postgres", or "mongodb"
	PostgresURL     string             `yaml:"postgres_url"`     // PostgreSQL connection string
	MongoDBURL      string             `yaml:"mongodb_url"`      // MongoDB connection string
	MongoDBDatabase string             `yaml:"mongodb_database"` // MongoDB database name
	PostgresPool    PostgresPoolConfig `yaml:"postgres_pool"`
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // default: 25
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // default: 5
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // default: 5m
}

// CloudPaymentsConfig holds payment gateway credentials and endpoints.
type CloudPaymentsConfig struct {
	PublicID    string   `yaml:"public_id"`
	APISecret   string   `yaml:"api_secret"`
	TestMode    bool     `yaml:"test_mode"`
	BaseURL     string   `yaml:"base_url"`     // Override; derived from test_mode when empty
	Timeout     Duration `yaml:"timeout"`      // default: 30s
	Email       string   `yaml:"email"`        // Receipt email attached to token charges
	ServiceName string   `yaml:"service_name"` // Prefix for invoice ids and descriptions
}

// BillingConfig tunes the subscription lifecycle engine.
type BillingConfig struct {
	TickInterval            Duration `yaml:"tick_interval"`             // Scheduler period (default: 60s)
	FailedAttemptsThreshold int      `yaml:"failed_attempts_threshold"` // Declines before downgrade (default: 3)
	MaxDowngradeDepth       int      `yaml:"max_downgrade_depth"`       // In-tick downgrade/retry bound (default: 5)
	RetryDelay              Duration `yaml:"retry_delay"`               // Next attempt after a decline (default: 24h)
	PauseDuration           Duration `yaml:"pause_duration"`            // Auto-resume window (default: 168h)
	RecurrentPeriodDays     int      `yaml:"recurrent_period_days"`     // Gateway charge period (default: 10)
	DemoFirstChargeDelay    Duration `yaml:"demo_first_charge_delay"`   // Demo upgrade first charge (default: 24h)
	DemoTargetTariff        string   `yaml:"demo_target_tariff"`        // Tariff the demo upgrades into (default: Exclusive)
}

// NotificationsConfig tunes the warming-notification scheduler.
type NotificationsConfig struct {
	Enabled      bool     `yaml:"enabled"`
	TickInterval Duration `yaml:"tick_interval"` // default: 60s
	MaxRetries   int      `yaml:"max_retries"`   // default: 3
	BotToken     string   `yaml:"bot_token"`
	BotAPIURL    string   `yaml:"bot_api_url"` // default: https://api.telegram.org
	MiniAppURL   string   `yaml:"mini_app_url"`
}

// RateLimitConfig holds inbound HTTP rate limiting configuration.
type RateLimitConfig struct {
	GlobalEnabled bool     `yaml:"global_enabled"`
	GlobalLimit   int      `yaml:"global_limit"`
	GlobalWindow  Duration `yaml:"global_window"`

	PerIPEnabled bool     `yaml:"per_ip_enabled"`
	PerIPLimit   int      `yaml:"per_ip_limit"`
	PerIPWindow  Duration `yaml:"per_ip_window"`
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
// Prevents cascading failures by failing fast when upstreams are degraded.
type CircuitBreakerConfig struct {
	Enabled          bool                 `yaml:"enabled"`           // default: true
	InstagramProfile BreakerServiceConfig `yaml:"instagram_profile"` // Web profile endpoint
	InstagramGraphQL BreakerServiceConfig `yaml:"instagram_graphql"` // Follower/following traversal
	Gateway          BreakerServiceConfig `yaml:"gateway"`           // Payment gateway calls
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // Max requests in half-open state (default: 1)
	Interval            Duration `yaml:"interval"`             // Stats reset interval in closed state (default: 60s)
	Timeout             Duration `yaml:"timeout"`              // Open state timeout before half-open (default: 60s)
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // Consecutive failures to trip (default: 5)
	FailureRatio        float64  `yaml:"failure_ratio"`        // Failure ratio to trip 0.0-1.0 (default: 0.5)
	MinRequests         uint32   `yaml:"min_requests"`         // Minimum requests before checking ratio (default: 10)
}
