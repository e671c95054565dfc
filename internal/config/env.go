package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadEnvFiles loads .env files before config parsing. Missing files are not
// an error; explicit environment always wins over file contents.
func LoadEnvFiles(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		_ = godotenv.Load(p)
	}
}

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "INSTARDING_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "INSTARDING_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "INSTARDING_ADMIN_METRICS_API_KEY")

	// Normalize route prefix: ensure it starts with / and doesn't end with /
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Logging config
	setIfEnv(&c.Logging.Level, "INSTARDING_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "INSTARDING_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "INSTARDING_ENVIRONMENT")

	// Storage config
	setIfEnv(&c.Storage.Backend, "INSTARDING_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "DATABASE_URL")
	setIfEnv(&c.Storage.PostgresURL, "INSTARDING_POSTGRES_URL")
	setIfEnv(&c.Storage.MongoDBURL, "INSTARDING_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "INSTARDING_MONGODB_DATABASE")

	// Gateway credentials
	setIfEnv(&c.CloudPayments.PublicID, "CLOUDPAYMENTS_PUBLIC_ID")
	setIfEnv(&c.CloudPayments.APISecret, "CLOUDPAYMENTS_API_SECRET")
	setIfEnv(&c.CloudPayments.BaseURL, "CLOUDPAYMENTS_BASE_URL")
	setBoolIfEnv(&c.CloudPayments.TestMode, "CLOUDPAYMENTS_TEST_MODE")
	setIfEnv(&c.CloudPayments.Email, "CLOUDPAYMENTS_RECEIPT_EMAIL")

	// Notifications
	setBoolIfEnv(&c.Notifications.Enabled, "NOTIFICATIONS_ENABLED")
	setIfEnv(&c.Notifications.BotToken, "BOT_TOKEN")
	setIfEnv(&c.Notifications.BotAPIURL, "BOT_API_URL")
	setIfEnv(&c.Notifications.MiniAppURL, "MINI_APP_URL")

	// Scrape / parser config
	setIfEnv(&c.ParserConfig.Path, "PARSER_CONFIG_PATH")
	setIfEnv(&c.BlobStore.BaseDir, "BLOB_STORE_DIR")
	setIfEnv(&c.Scrape.TaskStore, "INSTARDING_TASK_STORE")
	setIfEnv(&c.Scrape.RedisURL, "REDIS_URL")
	setDurationIfEnv(&c.Scrape.ProfileCacheTTL, "PROFILE_CACHE_TTL")
	setDurationIfEnv(&c.Scrape.TaskStatusTTL, "TASK_STATUS_TTL")
	setIntIfEnv(&c.Scrape.MaxFollowers, "SCRAPE_MAX_FOLLOWERS")
	setIntIfEnv(&c.Scrape.MaxFollowings, "SCRAPE_MAX_FOLLOWINGS")
	setBoolIfEnv(&c.Scrape.SessionFallback, "SCRAPE_SESSION_FALLBACK")

	// Ingest client
	setIntIfEnv(&c.Ingest.MaxConcurrent, "INGEST_MAX_CONCURRENT")
	setIntIfEnv(&c.Ingest.MaxParallelRequests, "INGEST_MAX_PARALLEL")
	setDurationIfEnv(&c.Ingest.RequestTimeout, "INGEST_REQUEST_TIMEOUT")

	// Billing
	setDurationIfEnv(&c.Billing.TickInterval, "BILLING_TICK_INTERVAL")
	setDurationIfEnv(&c.Billing.PauseDuration, "BILLING_PAUSE_DURATION")
	setIntIfEnv(&c.Billing.MaxDowngradeDepth, "BILLING_MAX_DOWNGRADE_DEPTH")
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setIntIfEnv sets an int pointer from an environment variable.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return prefix
}
