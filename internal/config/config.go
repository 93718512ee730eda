// Package config loads runtime settings from the environment.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	// DatabaseURL is the Postgres connection string.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// DBMaxConns caps the connection pool.
	DBMaxConns int32 `mapstructure:"DB_MAX_CONNS"`
	// BatchSize is how many fragments commit per transaction.
	BatchSize int `mapstructure:"BATCH_SIZE"`
	// EventBuffer and FragmentBuffer bound the inter-stage channels.
	EventBuffer    int `mapstructure:"EVENT_BUFFER"`
	FragmentBuffer int `mapstructure:"FRAGMENT_BUFFER"`
	// Concurrency is how many files ingest at once.
	Concurrency int `mapstructure:"CONCURRENCY"`
	// FetchRetries bounds transient transport retries per file.
	FetchRetries uint64 `mapstructure:"FETCH_RETRIES"`
	// LogMode selects "production" or "development" logging.
	LogMode string `mapstructure:"LOG_MODE"`
}

// Load reads configuration from the environment, applying defaults for
// everything but the database URL.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("DB_MAX_CONNS", 8)
	v.SetDefault("BATCH_SIZE", 500)
	v.SetDefault("EVENT_BUFFER", 64)
	v.SetDefault("FRAGMENT_BUFFER", 64)
	v.SetDefault("CONCURRENCY", 2)
	v.SetDefault("FETCH_RETRIES", 4)
	v.SetDefault("LOG_MODE", "production")

	// AutomaticEnv alone does not surface env-only keys to Unmarshal.
	for _, key := range []string{
		"DATABASE_URL", "DB_MAX_CONNS", "BATCH_SIZE", "EVENT_BUFFER",
		"FRAGMENT_BUFFER", "CONCURRENCY", "FETCH_RETRIES", "LOG_MODE",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return &cfg, nil
}
