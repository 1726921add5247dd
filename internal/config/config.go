package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the tracking engine.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Queue      QueueConfig      `yaml:"queue"`
	Tracking   TrackingConfig   `yaml:"tracking"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Retention  RetentionConfig  `yaml:"retention"`
	Rollup     RollupConfig     `yaml:"rollup"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with ECS detection.
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds the postgres event store settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the shared counter/cache settings.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// QueueConfig holds the SQS event pipeline settings.
type QueueConfig struct {
	TrackingQueueURL string `yaml:"tracking_queue_url"`
	AWSRegion        string `yaml:"aws_region"`
}

// TrackingConfig holds signing and rewriting settings.
type TrackingConfig struct {
	BaseURL          string `yaml:"base_url"`
	SigningKey       string `yaml:"signing_key"`
	PriorSigningKey  string `yaml:"prior_signing_key"` // rotation grace, at most one
	RecipientHashKey string `yaml:"recipient_hash_key"`
	// Links carrying this marker are compliance links and are never wrapped.
	UnsubscribeMarker       string `yaml:"unsubscribe_marker"`
	CoalescingWindowSeconds int    `yaml:"coalescing_window_seconds"`
	MetadataCacheTTLSeconds int    `yaml:"metadata_cache_ttl_seconds"`
}

// CoalescingWindow returns the open-dedup window as a duration.
func (c TrackingConfig) CoalescingWindow() time.Duration {
	return time.Duration(c.CoalescingWindowSeconds) * time.Second
}

// MetadataCacheTTL returns the hot-path metadata cache TTL.
func (c TrackingConfig) MetadataCacheTTL() time.Duration {
	return time.Duration(c.MetadataCacheTTLSeconds) * time.Second
}

// ClassifierConfig holds the client classifier rule settings.
type ClassifierConfig struct {
	// RulesPath points at an external YAML rule table. Empty means the
	// compiled-in default set.
	RulesPath           string `yaml:"rules_path"`
	MinHumanOpenSeconds int    `yaml:"min_human_open_seconds"`
	RateBurstMax        int    `yaml:"rate_burst_max"`
	RateWindowSeconds   int    `yaml:"rate_window_seconds"`
}

// MinHumanOpenLatency returns the send-to-open threshold below which an open
// is treated as an automated pre-fetch.
func (c ClassifierConfig) MinHumanOpenLatency() time.Duration {
	return time.Duration(c.MinHumanOpenSeconds) * time.Second
}

// RateWindow returns the per-IP burst counting window.
func (c ClassifierConfig) RateWindow() time.Duration {
	return time.Duration(c.RateWindowSeconds) * time.Second
}

// RetentionConfig holds the archive-then-delete settings.
type RetentionConfig struct {
	Enabled           bool   `yaml:"enabled"`
	RawRetentionDays  int    `yaml:"raw_retention_days"`
	SafetyMarginHours int    `yaml:"safety_margin_hours"`
	IntervalHours     int    `yaml:"interval_hours"`
	BatchSize         int    `yaml:"batch_size"`
	S3Bucket          string `yaml:"s3_bucket"`
	S3Prefix          string `yaml:"s3_prefix"`
	AWSRegion         string `yaml:"aws_region"`
}

// Interval returns how often the retention pass runs.
func (c RetentionConfig) Interval() time.Duration {
	return time.Duration(c.IntervalHours) * time.Hour
}

// SafetyMargin returns how far behind "now" the retention pass stays.
func (c RetentionConfig) SafetyMargin() time.Duration {
	return time.Duration(c.SafetyMarginHours) * time.Hour
}

// RollupConfig holds the campaign rollup refresher settings.
type RollupConfig struct {
	RefreshSeconds int `yaml:"refresh_seconds"`
}

// RefreshInterval returns the rollup refresh interval.
func (c RollupConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshSeconds) * time.Second
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8081
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 50
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 10
	}
	if cfg.Redis.URL == "" {
		cfg.Redis.URL = "redis://localhost:6379/0"
	}
	if cfg.Tracking.UnsubscribeMarker == "" {
		cfg.Tracking.UnsubscribeMarker = "x-compliance-link"
	}
	if cfg.Tracking.CoalescingWindowSeconds == 0 {
		cfg.Tracking.CoalescingWindowSeconds = 60
	}
	if cfg.Tracking.MetadataCacheTTLSeconds == 0 {
		cfg.Tracking.MetadataCacheTTLSeconds = 300
	}
	if cfg.Classifier.MinHumanOpenSeconds == 0 {
		cfg.Classifier.MinHumanOpenSeconds = 3
	}
	if cfg.Classifier.RateBurstMax == 0 {
		cfg.Classifier.RateBurstMax = 30
	}
	if cfg.Classifier.RateWindowSeconds == 0 {
		cfg.Classifier.RateWindowSeconds = 10
	}
	if cfg.Retention.RawRetentionDays == 0 {
		cfg.Retention.RawRetentionDays = 90
	}
	if cfg.Retention.SafetyMarginHours == 0 {
		cfg.Retention.SafetyMarginHours = 24
	}
	if cfg.Retention.IntervalHours == 0 {
		cfg.Retention.IntervalHours = 6
	}
	if cfg.Retention.BatchSize == 0 {
		cfg.Retention.BatchSize = 10000
	}
	if cfg.Retention.S3Prefix == "" {
		cfg.Retention.S3Prefix = "tracking/archive/"
	}
	if cfg.Rollup.RefreshSeconds == 0 {
		cfg.Rollup.RefreshSeconds = 60
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("SQS_TRACKING_QUEUE_URL"); v != "" {
		cfg.Queue.TrackingQueueURL = v
	}
	if v := os.Getenv("TRACKING_BASE_URL"); v != "" {
		cfg.Tracking.BaseURL = v
	}
	if v := os.Getenv("SIGNING_KEY"); v != "" {
		cfg.Tracking.SigningKey = v
	}
	if v := os.Getenv("PRIOR_SIGNING_KEY"); v != "" {
		cfg.Tracking.PriorSigningKey = v
	}
	if v := os.Getenv("RECIPIENT_HASH_KEY"); v != "" {
		cfg.Tracking.RecipientHashKey = v
	}
	if v := os.Getenv("ARCHIVE_S3_BUCKET"); v != "" {
		cfg.Retention.S3Bucket = v
	}
	if v := os.Getenv("ARCHIVE_S3_REGION"); v != "" {
		cfg.Retention.AWSRegion = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	return cfg, nil
}
