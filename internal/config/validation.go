package config

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout.Duration <= 0 {
		c.Server.ShutdownTimeout = Duration{Duration: 10 * time.Second}
	}

	if c.Ingest.MaxConcurrent <= 0 {
		c.Ingest.MaxConcurrent = 10
	}
	if c.Ingest.MaxParallelRequests <= 0 {
		c.Ingest.MaxParallelRequests = 3
	}
	if c.Ingest.RequestTimeout.Duration <= 0 {
		c.Ingest.RequestTimeout = Duration{Duration: 3 * time.Second}
	}
	if c.Ingest.RefreshSuccessRate <= 0 || c.Ingest.RefreshSuccessRate > 1 {
		c.Ingest.RefreshSuccessRate = 0.7
	}
	if c.Ingest.Retry.MaxRetries < 0 {
		c.Ingest.Retry.MaxRetries = 0
	}
	if c.Ingest.Retry.InitialInterval.Duration <= 0 {
		c.Ingest.Retry.InitialInterval = Duration{Duration: 100 * time.Millisecond}
	}
	if c.Ingest.Retry.MaxInterval.Duration <= 0 {
		c.Ingest.Retry.MaxInterval = Duration{Duration: 2 * time.Second}
	}
	if c.Ingest.Retry.Multiplier <= 1 {
		c.Ingest.Retry.Multiplier = 2.0
	}

	if c.Scrape.ProfileCacheTTL.Duration <= 0 {
		c.Scrape.ProfileCacheTTL = Duration{Duration: 24 * time.Hour}
	}
	if c.Scrape.TaskStatusTTL.Duration <= 0 {
		c.Scrape.TaskStatusTTL = Duration{Duration: time.Hour}
	}
	if c.Scrape.SweepInterval.Duration <= 0 {
		c.Scrape.SweepInterval = Duration{Duration: 5 * time.Minute}
	}
	if c.Scrape.PageSize <= 0 {
		c.Scrape.PageSize = 25
	}
	if c.Scrape.MaxFollowers <= 0 {
		c.Scrape.MaxFollowers = 50
	}
	if c.Scrape.MaxFollowings <= 0 {
		c.Scrape.MaxFollowings = 50
	}
	if c.Scrape.MutualSampleSize <= 0 {
		c.Scrape.MutualSampleSize = 20
	}
	if c.Scrape.MediaLimit <= 0 {
		c.Scrape.MediaLimit = 12
	}
	if c.Scrape.CommentLimit <= 0 {
		c.Scrape.CommentLimit = 5
	}
	if c.Scrape.TaskStore == "" {
		c.Scrape.TaskStore = "memory"
	}

	if c.ParserConfig.Path == "" {
		c.ParserConfig.Path = "parser_config.json"
	}
	if c.BlobStore.BaseDir == "" {
		c.BlobStore.BaseDir = "storage/images"
	}
	if c.BlobStore.MaxDimension <= 0 {
		c.BlobStore.MaxDimension = 1200
	}
	if c.BlobStore.CleanupDays <= 0 {
		c.BlobStore.CleanupDays = 30
	}

	if c.CloudPayments.BaseURL == "" {
		if c.CloudPayments.TestMode {
			c.CloudPayments.BaseURL = "https://api.cloudpayments.ru/test"
		} else {
			c.CloudPayments.BaseURL = "https://api.cloudpayments.ru"
		}
	}
	if c.CloudPayments.Timeout.Duration <= 0 {
		c.CloudPayments.Timeout = Duration{Duration: 30 * time.Second}
	}
	if c.CloudPayments.ServiceName == "" {
		c.CloudPayments.ServiceName = "InstardingBot"
	}

	if c.Billing.TickInterval.Duration <= 0 {
		c.Billing.TickInterval = Duration{Duration: 60 * time.Second}
	}
	if c.Billing.FailedAttemptsThreshold <= 0 {
		c.Billing.FailedAttemptsThreshold = 3
	}
	if c.Billing.MaxDowngradeDepth <= 0 {
		c.Billing.MaxDowngradeDepth = 5
	}
	if c.Billing.RetryDelay.Duration <= 0 {
		c.Billing.RetryDelay = Duration{Duration: 24 * time.Hour}
	}
	if c.Billing.PauseDuration.Duration <= 0 {
		c.Billing.PauseDuration = Duration{Duration: 7 * 24 * time.Hour}
	}
	if c.Billing.RecurrentPeriodDays <= 0 {
		c.Billing.RecurrentPeriodDays = 10
	}
	if c.Billing.DemoFirstChargeDelay.Duration <= 0 {
		c.Billing.DemoFirstChargeDelay = Duration{Duration: 24 * time.Hour}
	}
	if c.Billing.DemoTargetTariff == "" {
		c.Billing.DemoTargetTariff = "Exclusive"
	}

	if c.Notifications.TickInterval.Duration <= 0 {
		c.Notifications.TickInterval = Duration{Duration: 60 * time.Second}
	}
	if c.Notifications.MaxRetries <= 0 {
		c.Notifications.MaxRetries = 3
	}
	if c.Notifications.BotAPIURL == "" {
		c.Notifications.BotAPIURL = "https://api.telegram.org"
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			errs = append(errs, "storage.postgres_url is required when storage.backend is 'postgres'")
		}
	case "mongodb":
		if c.Storage.MongoDBURL == "" {
			errs = append(errs, "storage.mongodb_url is required when storage.backend is 'mongodb'")
		}
		if c.Storage.MongoDBDatabase == "" {
			errs = append(errs, "storage.mongodb_database is required when storage.backend is 'mongodb'")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend %q is not one of memory, postgres, mongodb", c.Storage.Backend))
	}

	switch c.Scrape.TaskStore {
	case "memory":
	case "redis":
		if c.Scrape.RedisURL == "" {
			errs = append(errs, "scrape.redis_url is required when scrape.task_store is 'redis'")
		}
	default:
		errs = append(errs, fmt.Sprintf("scrape.task_store %q is not one of memory, redis", c.Scrape.TaskStore))
	}

	// Gateway credentials may be absent in development; webhook verification
	// and charges are rejected at call time when they are.
	if c.CloudPayments.PublicID != "" && c.CloudPayments.APISecret == "" {
		errs = append(errs, "cloudpayments.api_secret is required when cloudpayments.public_id is set")
	}

	if c.Notifications.Enabled && c.Notifications.BotToken == "" {
		errs = append(errs, "notifications.bot_token is required when notifications are enabled")
	}

	if c.Ingest.RequestTimeout.Duration < 100*time.Millisecond {
		errs = append(errs, "ingest.request_timeout must be at least 100ms")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// If pool config is not specified, applies sensible defaults.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}

	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
