package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig selects the job store backend. Driver is one of
// memory, postgres or mongo; memory is not durable across restarts.
type DatabaseConfig struct {
	Driver        string `yaml:"driver"`
	DSN           string `yaml:"dsn"`
	MongoDatabase string `yaml:"mongoDatabase"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type RateLimitConfig struct {
	PerMinute int `yaml:"perMinute"`
}

type WorkerConfig struct {
	MaxConcurrency     int `yaml:"maxConcurrency"`
	PollIntervalMs     int `yaml:"pollIntervalMs"`
	MaxAttempts        int `yaml:"maxAttempts"`
	DownloadTimeoutMs  int `yaml:"downloadTimeoutMs"`
	TranscodeTimeoutMs int `yaml:"transcodeTimeoutMs"`
	UploadTimeoutMs    int `yaml:"uploadTimeoutMs"`
	// LeaseMs is how long a claim survives without a heartbeat before
	// another worker may recover the job.
	LeaseMs int `yaml:"leaseMs"`
}

type StagingConfig struct {
	Dir string `yaml:"dir"`
}

// ObjectStoreConfig configures where source videos are read from and
// where transcoded outputs are published.
type ObjectStoreConfig struct {
	Provider      string `yaml:"provider"`
	Root          string `yaml:"root"`
	Bucket        string `yaml:"bucket"`
	PublicBaseURL string `yaml:"publicBaseURL"`
}

type TranscoderConfig struct {
	FFmpegPath string `yaml:"ffmpegPath"`
}

// KafkaConfig enables lifecycle event publishing when Brokers is set.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// RetentionConfig controls deletion of terminal jobs so that the job
// store does not grow without bound.
type RetentionConfig struct {
	Enabled                bool `yaml:"enabled"`
	CleanupIntervalMinutes int  `yaml:"cleanupIntervalMinutes"`
	TerminalDays           int  `yaml:"terminalDays"`
}

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	RateLimit   RateLimitConfig   `yaml:"ratelimit"`
	Worker      WorkerConfig      `yaml:"worker"`
	Staging     StagingConfig     `yaml:"staging"`
	ObjectStore ObjectStoreConfig `yaml:"objectStore"`
	Transcoder  TranscoderConfig  `yaml:"transcoder"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Retention   RetentionConfig   `yaml:"retention"`
}

func Load(path string) *Config {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		log.Fatalf("failed to decode config: %v", err)
	}

	return cfg
}

// Parse decodes YAML config and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "memory"
	}
	if c.Database.MongoDatabase == "" {
		c.Database.MongoDatabase = "vidpipe"
	}
	if c.Worker.MaxConcurrency <= 0 {
		c.Worker.MaxConcurrency = 4
	}
	if c.Worker.PollIntervalMs <= 0 {
		c.Worker.PollIntervalMs = 2000
	}
	if c.Worker.MaxAttempts <= 0 {
		c.Worker.MaxAttempts = 3
	}
	if c.Worker.DownloadTimeoutMs <= 0 {
		c.Worker.DownloadTimeoutMs = int((5 * time.Minute).Milliseconds())
	}
	if c.Worker.TranscodeTimeoutMs <= 0 {
		c.Worker.TranscodeTimeoutMs = int((30 * time.Minute).Milliseconds())
	}
	if c.Worker.UploadTimeoutMs <= 0 {
		c.Worker.UploadTimeoutMs = int((5 * time.Minute).Milliseconds())
	}
	if c.Worker.LeaseMs <= 0 {
		c.Worker.LeaseMs = int(defaultLease.Milliseconds())
	}
	if c.Staging.Dir == "" {
		c.Staging.Dir = "./staging"
	}
	if c.ObjectStore.Provider == "" {
		c.ObjectStore.Provider = "local"
	}
	if c.ObjectStore.Provider == "local" && c.ObjectStore.Root == "" {
		c.ObjectStore.Root = "./buckets"
	}
	if c.Transcoder.FFmpegPath == "" {
		c.Transcoder.FFmpegPath = "ffmpeg"
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "transcode-status"
	}
	if c.Retention.CleanupIntervalMinutes <= 0 {
		c.Retention.CleanupIntervalMinutes = 60
	}
	if c.Retention.TerminalDays <= 0 {
		c.Retention.TerminalDays = 7
	}
}

// Validate rejects combinations that cannot be wired at startup.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory":
	case "postgres", "mongo":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver)
		}
	default:
		return fmt.Errorf("unknown database.driver %q (expected memory|postgres|mongo)", c.Database.Driver)
	}

	switch c.ObjectStore.Provider {
	case "local", "gcs":
	default:
		return fmt.Errorf("unknown objectStore.provider %q (expected local|gcs)", c.ObjectStore.Provider)
	}
	return nil
}

const defaultLease = 2 * time.Minute

// Lease falls back to the default when unset so hand-built configs
// never claim jobs with an already expired lease.
func (w WorkerConfig) Lease() time.Duration {
	if w.LeaseMs <= 0 {
		return defaultLease
	}
	return time.Duration(w.LeaseMs) * time.Millisecond
}

func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMs) * time.Millisecond
}

func (w WorkerConfig) DownloadTimeout() time.Duration {
	return time.Duration(w.DownloadTimeoutMs) * time.Millisecond
}

func (w WorkerConfig) TranscodeTimeout() time.Duration {
	return time.Duration(w.TranscodeTimeoutMs) * time.Millisecond
}

func (w WorkerConfig) UploadTimeout() time.Duration {
	return time.Duration(w.UploadTimeoutMs) * time.Millisecond
}
