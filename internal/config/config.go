package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the process configuration read from the environment.
type Config struct {
	ListenAddr string        `env:"LISTEN_ADDR" envDefault:":8080"`
	OriginURL  string        `env:"ORIGIN_URL" envDefault:"http://localhost:5173"`
	Timeout    time.Duration `env:"ORIGIN_TIMEOUT" envDefault:"30s"`
	LogLevel   string        `env:"LOG_LEVEL" envDefault:"info"`

	CacheBackend string `env:"CACHE_BACKEND" envDefault:"memory"`
	CacheVersion string `env:"CACHE_VERSION" envDefault:"v1"`
	CachePrefix  string `env:"CACHE_PREFIX" envDefault:"role"`
	ManifestFile string `env:"MANIFEST_FILE"`

	QueuePath  string  `env:"QUEUE_PATH" envDefault:"role-analytics.db"`
	APIBaseURL string  `env:"API_BASE_URL" envDefault:"http://localhost:54321"`
	APIKey     string  `env:"API_KEY"`
	ReplayRate float64 `env:"REPLAY_RATE" envDefault:"0"`

	ConnectivityInterval time.Duration `env:"CONNECTIVITY_INTERVAL" envDefault:"15s"`
	ControlAllowedIPs    []string      `env:"CONTROL_ALLOWED_IPS" envSeparator:"," envDefault:"127.0.0.1,::1"`

	Storage StorageConfig
}

// StorageConfig configures the S3 cache backend.
type StorageConfig struct {
	Endpoint        string `env:"S3_ENDPOINT" envDefault:"localhost:9000"`
	AccessKeyID     string `env:"S3_ACCESS_KEY" envDefault:"minioadmin"`
	SecretAccessKey string `env:"S3_SECRET_KEY" envDefault:"minioadmin"`
	Bucket          string `env:"S3_BUCKET" envDefault:"edgeworker-cache"`
	UseSSL          bool   `env:"S3_USE_SSL" envDefault:"false"`
}

// Load parses the environment into a Config.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if _, err := parseBaseURL(c.OriginURL); err != nil {
		return fmt.Errorf("ORIGIN_URL: %w", err)
	}
	if _, err := parseBaseURL(c.APIBaseURL); err != nil {
		return fmt.Errorf("API_BASE_URL: %w", err)
	}
	switch c.CacheBackend {
	case "memory", "s3":
	default:
		return fmt.Errorf("CACHE_BACKEND: unsupported backend %q", c.CacheBackend)
	}
	if strings.TrimSpace(c.CacheVersion) == "" {
		return errors.New("CACHE_VERSION cannot be empty")
	}
	if c.ReplayRate < 0 {
		return errors.New("REPLAY_RATE cannot be negative")
	}
	return nil
}

// Level maps LOG_LEVEL onto a slog level, defaulting to info.
func (c *Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Worker builds the immutable worker configuration, applying the manifest
// file when one is configured.
func (c *Config) Worker() (Worker, error) {
	w := DefaultWorker()
	w.Version = c.CacheVersion
	w.Prefix = c.CachePrefix
	w.AnalyticsEndpoint = strings.TrimRight(c.APIBaseURL, "/") + AnalyticsPath
	w.APIKey = c.APIKey

	if c.ManifestFile != "" {
		file, err := LoadManifestFile(c.ManifestFile)
		if err != nil {
			return Worker{}, err
		}
		w = file.Apply(w)
	}
	return w, nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("host cannot be empty")
	}
	return u, nil
}
