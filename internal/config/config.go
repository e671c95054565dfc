package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     Duration{Duration: 15 * time.Second},
			WriteTimeout:    Duration{Duration: 15 * time.Second},
			IdleTimeout:     Duration{Duration: 60 * time.Second},
			ShutdownTimeout: Duration{Duration: 10 * time.Second},
		},
		Ingest: IngestConfig{
			MaxConcurrent:       10,
			MaxParallelRequests: 3,
			RequestTimeout:      Duration{Duration: 3 * time.Second},
			ConnectTimeout:      Duration{Duration: 3 * time.Second},
			SockReadTimeout:     Duration{Duration: 8 * time.Second},
			KeepAlive:           Duration{Duration: 15 * time.Second},
			MetricsWindow:       Duration{Duration: 60 * time.Second},
			RefreshSuccessRate:  0.7,
			Retry: IngestRetryConfig{
				MaxRetries:      2,
				InitialInterval: Duration{Duration: 100 * time.Millisecond},
				MaxInterval:     Duration{Duration: 2 * time.Second},
				Multiplier:      2.0,
			},
		},
		Scrape: ScrapeConfig{
			ProfileCacheTTL:  Duration{Duration: 24 * time.Hour},
			TaskStatusTTL:    Duration{Duration: time.Hour},
			SweepInterval:    Duration{Duration: 5 * time.Minute},
			PageSize:         25,
			MaxFollowers:     50,
			MaxFollowings:    50,
			MutualSampleSize: 20,
			MediaLimit:       12,
			CommentLimit:     5,
			TaskStore:        "memory",
			RateLimit: ScrapeRateLimitConfig{
				BaseDelay: Duration{Duration: 15 * time.Second},
				JitterMax: 0.5,
				DelayMin:  Duration{Duration: 1 * time.Second},
				DelayMax:  Duration{Duration: 3 * time.Second},
			},
		},
		ParserConfig: ParserConfigConfig{
			Path: "parser_config.json",
		},
		BlobStore: BlobStoreConfig{
			BaseDir:      "storage/images",
			MaxDimension: 1200,
			CleanupDays:  30,
		},
		Storage: StorageConfig{
			Backend: "memory",
		},
		CloudPayments: CloudPaymentsConfig{
			TestMode:    true,
			Timeout:     Duration{Duration: 30 * time.Second},
			ServiceName: "InstardingBot",
		},
		Billing: BillingConfig{
			TickInterval:            Duration{Duration: 60 * time.Second},
			FailedAttemptsThreshold: 3,
			MaxDowngradeDepth:       5,
			RetryDelay:              Duration{Duration: 24 * time.Hour},
			PauseDuration:           Duration{Duration: 7 * 24 * time.Hour},
			RecurrentPeriodDays:     10,
			DemoFirstChargeDelay:    Duration{Duration: 24 * time.Hour},
			DemoTargetTariff:        "Exclusive",
		},
		Notifications: NotificationsConfig{
			Enabled:      false,
			TickInterval: Duration{Duration: 60 * time.Second},
			MaxRetries:   3,
			BotAPIURL:    "https://api.telegram.org",
		},
		RateLimit: RateLimitConfig{
			// Generous limits - designed to prevent spam, not restrict legitimate use
			GlobalEnabled: true,
			GlobalLimit:   1000,
			GlobalWindow:  Duration{Duration: 1 * time.Minute},
			PerIPEnabled:  true,
			PerIPLimit:    120,
			PerIPWindow:   Duration{Duration: 1 * time.Minute},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			InstagramProfile: BreakerServiceConfig{
				MaxRequests:         1,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 60 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			InstagramGraphQL: BreakerServiceConfig{
				MaxRequests:         1,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 60 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			Gateway: BreakerServiceConfig{
				MaxRequests:         1,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 60 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
