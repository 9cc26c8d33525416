// Package config provides configuration loading for the arxivd server.
//
// Values come from three layers: built-in defaults, an optional YAML file,
// and ARXIVD_* environment variables. Later layers win. The API token is
// env-only and never read from or written to the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Feed    FeedConfig    `yaml:"feed"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig holds HTTP server settings. APIToken is supplied via the
// ARXIVD_API_TOKEN environment variable only; an empty token disables auth.
type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	APIToken string `yaml:"-"`
}

// StorageConfig holds the data directory; the sqlite database and the
// per-date paper partitions both live under it.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// FeedConfig holds feed defaults: the user requests without an X-User-ID
// header act as, and the set of arXiv categories offered as filter options.
type FeedConfig struct {
	DefaultUser string   `yaml:"default_user"`
	Categories  []string `yaml:"categories"`
}

// IngestConfig holds the PDF backfill worker settings.
type IngestConfig struct {
	Enabled      bool   `yaml:"enabled"`
	PollInterval string `yaml:"poll_interval"`
}

// PollIntervalOrDefault parses the poll interval, falling back to 30m when
// unset or malformed.
func (c IngestConfig) PollIntervalOrDefault() time.Duration {
	if d, err := time.ParseDuration(c.PollInterval); err == nil && d > 0 {
		return d
	}
	return 30 * time.Minute
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8000,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Feed: FeedConfig{
			DefaultUser: "default",
			Categories:  []string{"cs.AI", "cs.CL", "cs.CV", "cs.LG"},
		},
		Ingest: IngestConfig{
			Enabled:      true,
			PollInterval: "30m",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "arxivd-data"
		}
	}
	return filepath.Join(dir, "arxivd")
}

// DefaultPath returns the default config file location,
// $XDG_CONFIG_HOME/arxivd/config.yaml.
func DefaultPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "arxivd", "config.yaml")
}

// Load reads configuration. An empty path means the default location, where
// a missing file is fine; an explicitly given path must exist. Environment
// variables override file values either way.
func Load(path string) (Config, error) {
	cfg := defaults()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// No file at the default location; defaults plus env apply.
	default:
		return Config{}, fmt.Errorf("reading config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return Config{}, fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}
	if len(cfg.Feed.Categories) == 0 {
		cfg.Feed.Categories = defaults().Feed.Categories
	}

	return cfg, nil
}
