package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	DefaultRefreshInterval       = 30 * time.Second
	DefaultStaticRefreshInterval = 24 * time.Hour
	DefaultRetention             = 7 * 24 * time.Hour
	DefaultListen                = ":8080"
	DefaultLogLevel              = "info"
)

// FeedConfig points at the GTFS static and realtime feeds.
type FeedConfig struct {
	StaticURL    string   `yaml:"static_url" validate:"required,url"`
	RealtimeURLs []string `yaml:"realtime_urls" validate:"required,min=1,dive,url"`

	// Sent with every request, e.g. for API keys.
	Headers map[string]string `yaml:"headers"`

	RefreshInterval       time.Duration `yaml:"refresh_interval" validate:"gte=0"`
	StaticRefreshInterval time.Duration `yaml:"static_refresh_interval" validate:"gte=0"`
}

type ArchiveConfig struct {
	// Empty disables archiving.
	Backend string `yaml:"backend" validate:"omitempty,oneof=memory sqlite postgres"`

	// Postgres connection string.
	DSN string `yaml:"dsn" validate:"required_if=Backend postgres"`

	// Directory for the on disk SQLite database. In memory if empty.
	Directory string `yaml:"directory"`

	// Predictions older than this are pruned.
	Retention time.Duration `yaml:"retention" validate:"gte=0"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen" validate:"required"`
}

type MetricsConfig struct {
	// OTLP/HTTP endpoint (host:port). Empty disables export.
	Endpoint string        `yaml:"endpoint"`
	Insecure bool          `yaml:"insecure"`
	Interval time.Duration `yaml:"interval" validate:"gte=0"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
}

// Config is the root of the YAML config file.
type Config struct {
	Feed    FeedConfig    `yaml:"feed"`
	Archive ArchiveConfig `yaml:"archive"`
	HTTP    HTTPConfig    `yaml:"http"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

// Loads, defaults and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Feed.RefreshInterval == 0 {
		c.Feed.RefreshInterval = DefaultRefreshInterval
	}
	if c.Feed.StaticRefreshInterval == 0 {
		c.Feed.StaticRefreshInterval = DefaultStaticRefreshInterval
	}
	if c.Archive.Retention == 0 {
		c.Archive.Retention = DefaultRetention
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = DefaultListen
	}
	if c.Log.Level == "" {
		c.Log.Level = strings.ToLower(os.Getenv("LOG_LEVEL"))
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}
