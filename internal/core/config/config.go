package config

import (
	"time"

	redisclient "github.com/vietddude/ingestor/internal/infra/redis"
	"github.com/vietddude/ingestor/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server        ServerConfig       `yaml:"server"`
	Logging       LoggingConfig      `yaml:"logging"`
	Database      postgres.Config    `yaml:"database"`
	Redis         redisclient.Config `yaml:"redis"`
	MigrationsDir string             `yaml:"migrations_dir"`
	Ingest        IngestConfig       `yaml:"ingest"`
	Retry         RetryConfig        `yaml:"retry"`
	Backoff       BackoffConfig      `yaml:"backoff"`
	Breaker       BreakerConfig      `yaml:"breaker"`
	Monitor       MonitorConfig      `yaml:"monitor"`
	Reorg         ReorgConfig        `yaml:"reorg"`
	Webhooks      []WebhookConfig    `yaml:"webhooks"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// IngestConfig holds normalization settings.
type IngestConfig struct {
	WindowSize int `yaml:"window_size"` // retained events for replay/inspection
}

// RetryConfig holds retry scheduler settings.
type RetryConfig struct {
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	Workers            int           `yaml:"workers"`
	ClaimLimit         int           `yaml:"claim_limit"`
	MaxAttempts        int           `yaml:"max_attempts"`
	SucceededRetention time.Duration `yaml:"succeeded_retention"`
	// DeadLetterRetention keeps dead letters queryable for this long before
	// the archiver moves them out of the active set. Zero disables archiving.
	DeadLetterRetention time.Duration `yaml:"dead_letter_retention"`
}

// BackoffConfig holds backoff policy settings.
type BackoffConfig struct {
	InitialDelay time.Duration            `yaml:"initial_delay"`
	MaxDelay     time.Duration            `yaml:"max_delay"`
	Multiplier   float64                  `yaml:"multiplier"`
	JitterFactor float64                  `yaml:"jitter_factor"`
	Profiles     map[string]ProfileConfig `yaml:"profiles"` // keyed by error type
}

// ProfileConfig overrides backoff timing for one error type.
type ProfileConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// BreakerConfig holds circuit breaker settings applied to every target.
type BreakerConfig struct {
	FailureThreshold  int           `yaml:"failure_threshold"`
	SuccessThreshold  int           `yaml:"success_threshold"`
	Timeout           time.Duration `yaml:"timeout"`
	MonitoringPeriod  time.Duration `yaml:"monitoring_period"`
	VolumeThreshold   int           `yaml:"volume_threshold"`
	ErrorThresholdPct float64       `yaml:"error_threshold_pct"`
}

// MonitorConfig holds alerting thresholds.
type MonitorConfig struct {
	CheckInterval         time.Duration `yaml:"check_interval"`
	DedupWindow           time.Duration `yaml:"dedup_window"`
	ErrorRatePct          float64       `yaml:"error_rate_pct"`
	RetryBacklogMax       int           `yaml:"retry_backlog_max"`
	DeadLetterMax         int           `yaml:"dead_letter_max"`
	UnhealthyOpenBreakers int           `yaml:"unhealthy_open_breakers"`
}

// ReorgConfig holds reorg coordinator settings.
type ReorgConfig struct {
	DeepReorgDepth  uint64 `yaml:"deep_reorg_depth"`
	ImpactThreshold int    `yaml:"impact_threshold"`
	RecentLimit     int    `yaml:"recent_limit"`
}

// WebhookConfig holds one webhook subscription.
type WebhookConfig struct {
	URL        string        `yaml:"url"`
	EventTypes []string      `yaml:"event_types"` // empty = all
	Timeout    time.Duration `yaml:"timeout"`
}
