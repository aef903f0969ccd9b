package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// envOverrides are applied on top of the YAML file, prefixed INGESTOR_
// (INGESTOR_PORT, INGESTOR_DATABASE_URL, ...).
type envOverrides struct {
	Port        int    `envconfig:"PORT"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
	RedisURL    string `envconfig:"REDIS_URL"`
	LogLevel    string `envconfig:"LOG_LEVEL"`
}

// Load reads configuration from a YAML file, expands environment variable
// references, applies env overrides and fills defaults.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	var env envOverrides
	if err := envconfig.Process("ingestor", &env); err != nil {
		return nil, fmt.Errorf("failed to read env overrides: %w", err)
	}
	if env.Port != 0 {
		cfg.Server.Port = env.Port
	}
	if env.DatabaseURL != "" {
		cfg.Database.URL = env.DatabaseURL
	}
	if env.RedisURL != "" {
		cfg.Redis.URL = env.RedisURL
	}
	if env.LogLevel != "" {
		cfg.Logging.Level = env.LogLevel
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.MigrationsDir == "" {
		cfg.MigrationsDir = "migrations"
	}
	if cfg.Ingest.WindowSize == 0 {
		cfg.Ingest.WindowSize = 1000
	}

	if cfg.Retry.SweepInterval == 0 {
		cfg.Retry.SweepInterval = 5 * time.Second
	}
	if cfg.Retry.Workers == 0 {
		cfg.Retry.Workers = 4
	}
	if cfg.Retry.ClaimLimit == 0 {
		cfg.Retry.ClaimLimit = 50
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 5
	}
	if cfg.Retry.SucceededRetention == 0 {
		cfg.Retry.SucceededRetention = 24 * time.Hour
	}
	if cfg.Retry.DeadLetterRetention == 0 {
		cfg.Retry.DeadLetterRetention = 7 * 24 * time.Hour
	}

	if cfg.Backoff.InitialDelay == 0 {
		cfg.Backoff.InitialDelay = time.Second
	}
	if cfg.Backoff.MaxDelay == 0 {
		cfg.Backoff.MaxDelay = 60 * time.Second
	}
	if cfg.Backoff.Multiplier == 0 {
		cfg.Backoff.Multiplier = 2.0
	}
	if cfg.Backoff.JitterFactor == 0 {
		cfg.Backoff.JitterFactor = 0.2
	}

	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.SuccessThreshold == 0 {
		cfg.Breaker.SuccessThreshold = 2
	}
	if cfg.Breaker.Timeout == 0 {
		cfg.Breaker.Timeout = 30 * time.Second
	}
	if cfg.Breaker.MonitoringPeriod == 0 {
		cfg.Breaker.MonitoringPeriod = 60 * time.Second
	}
	if cfg.Breaker.VolumeThreshold == 0 {
		cfg.Breaker.VolumeThreshold = 10
	}
	if cfg.Breaker.ErrorThresholdPct == 0 {
		cfg.Breaker.ErrorThresholdPct = 50
	}

	if cfg.Monitor.CheckInterval == 0 {
		cfg.Monitor.CheckInterval = 15 * time.Second
	}
	if cfg.Monitor.DedupWindow == 0 {
		cfg.Monitor.DedupWindow = 5 * time.Minute
	}
	if cfg.Monitor.ErrorRatePct == 0 {
		cfg.Monitor.ErrorRatePct = 25
	}
	if cfg.Monitor.RetryBacklogMax == 0 {
		cfg.Monitor.RetryBacklogMax = 500
	}
	if cfg.Monitor.DeadLetterMax == 0 {
		cfg.Monitor.DeadLetterMax = 100
	}
	if cfg.Monitor.UnhealthyOpenBreakers == 0 {
		cfg.Monitor.UnhealthyOpenBreakers = 3
	}

	if cfg.Reorg.DeepReorgDepth == 0 {
		cfg.Reorg.DeepReorgDepth = 12
	}
	if cfg.Reorg.ImpactThreshold == 0 {
		cfg.Reorg.ImpactThreshold = 20
	}
	if cfg.Reorg.RecentLimit == 0 {
		cfg.Reorg.RecentLimit = 100
	}

	for i := range cfg.Webhooks {
		if cfg.Webhooks[i].Timeout == 0 {
			cfg.Webhooks[i].Timeout = 10 * time.Second
		}
	}
}
