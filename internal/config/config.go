package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for Harmonia.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Sources   SourcesConfig   `yaml:"sources"`
	Downloads DownloadsConfig `yaml:"downloads"`
	Logging   LoggingConfig   `yaml:"logging"`
	Shutdown  ShutdownConfig  `yaml:"shutdown"`
}

type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	SSLMode         string        `yaml:"sslmode"`
	MaxConnections  int           `yaml:"max_connections"`
	MinConnections  int           `yaml:"min_connections"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
}

// SourcesConfig selects and orders the acquisition sources.
type SourcesConfig struct {
	// Priority lists source names in the order the pool tries them.
	Priority []string     `yaml:"priority"`
	Slskd    SourceConfig `yaml:"slskd"`
	Lidarr   SourceConfig `yaml:"lidarr"`
}

type SourceConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	APIKey  string `yaml:"api_key"`
}

type DownloadsConfig struct {
	// Concurrency is the worker pool size. Default matches the number
	// of simultaneous transfers the slower external source sustains.
	Concurrency int `yaml:"concurrency"`

	QueueSize  int           `yaml:"queue_size"`
	JobTimeout time.Duration `yaml:"job_timeout"`

	// MaxReplacementAttempts bounds how many alternative releases are
	// tried after the original target proves unavailable.
	MaxReplacementAttempts int `yaml:"max_replacement_attempts"`

	// Transient fetch retry policy within a single job.
	FetchRetries  int           `yaml:"fetch_retries"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffMax    time.Duration `yaml:"backoff_max"`
	BackoffJitter time.Duration `yaml:"backoff_jitter"`

	// Reclaim settings for pending jobs orphaned by restarts.
	ReclaimInterval time.Duration `yaml:"reclaim_interval"`
	StaleAfter      time.Duration `yaml:"stale_after"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ShutdownConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Load reads configuration from a YAML file.
// This is intentionally simple and explicit.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if len(c.Sources.Priority) == 0 {
		c.Sources.Priority = []string{"slskd", "lidarr"}
	}
	if c.Downloads.Concurrency == 0 {
		c.Downloads.Concurrency = 4
	}
	if c.Downloads.QueueSize == 0 {
		c.Downloads.QueueSize = 256
	}
	if c.Downloads.JobTimeout == 0 {
		c.Downloads.JobTimeout = 30 * time.Minute
	}
	if c.Downloads.MaxReplacementAttempts == 0 {
		c.Downloads.MaxReplacementAttempts = 3
	}
	if c.Downloads.FetchRetries == 0 {
		c.Downloads.FetchRetries = 3
	}
	if c.Downloads.BackoffBase == 0 {
		c.Downloads.BackoffBase = 2 * time.Second
	}
	if c.Downloads.BackoffMax == 0 {
		c.Downloads.BackoffMax = 30 * time.Second
	}
	if c.Downloads.BackoffJitter == 0 {
		c.Downloads.BackoffJitter = 500 * time.Millisecond
	}
	if c.Downloads.ReclaimInterval == 0 {
		c.Downloads.ReclaimInterval = time.Minute
	}
	if c.Downloads.StaleAfter == 0 {
		c.Downloads.StaleAfter = 5 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = 30 * time.Second
	}
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}

	if c.Downloads.Concurrency < 1 {
		return fmt.Errorf("downloads.concurrency must be at least 1")
	}
	if c.Downloads.MaxReplacementAttempts < 0 {
		return fmt.Errorf("downloads.max_replacement_attempts must be non-negative")
	}

	for _, name := range c.Sources.Priority {
		switch name {
		case "slskd", "lidarr":
		default:
			return fmt.Errorf("unknown source in sources.priority: %s", name)
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging.format: %s", c.Logging.Format)
	}

	if c.Shutdown.Timeout <= 0 {
		return fmt.Errorf("shutdown.timeout must be positive")
	}

	return nil
}
