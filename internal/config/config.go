// Package config loads the service configuration from a YAML file and
// environment variables. Priority: environment variables, then config file,
// then defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	// Server configuration
	Server struct {
		Port            string        `yaml:"port"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	// Logging configuration
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	// Dropbox remote store configuration
	Dropbox struct {
		Token        string        `yaml:"token"`
		SnapshotPath string        `yaml:"snapshot_path"`
		Timeout      time.Duration `yaml:"timeout"`
	} `yaml:"dropbox"`

	// Sync behavior
	Sync struct {
		DebounceWindow time.Duration `yaml:"debounce_window"`
	} `yaml:"sync"`

	// Reading-time recording bounds and ledger retention
	Reading struct {
		MinDwell        time.Duration `yaml:"min_dwell"`
		MaxEvent        time.Duration `yaml:"max_event"`
		RetentionMonths int           `yaml:"retention_months"`
	} `yaml:"reading"`

	// Blob cache budgets and expiry horizons
	Cache struct {
		MaxBookBytes    int64  `yaml:"max_book_bytes"`
		MaxCoverBytes   int64  `yaml:"max_cover_bytes"`
		BookExpiryDays  int    `yaml:"book_expiry_days"`
		CoverExpiryDays int    `yaml:"cover_expiry_days"`
		CleanupSchedule string `yaml:"cleanup_schedule"`
	} `yaml:"cache"`

	// File paths
	Paths struct {
		DataDir string `yaml:"data_dir"`
	} `yaml:"paths"`
}

// Load reads configuration from the optional config file and the
// environment, applying defaults for everything left unset.
func Load(configFile string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.Server.Port = "8080"
	c.Server.ShutdownTimeout = 10 * time.Second
	c.Logging.Level = "info"
	c.Logging.Format = "json"
	c.Dropbox.SnapshotPath = "/BookBlue_Progress.json"
	c.Dropbox.Timeout = 30 * time.Second
	c.Sync.DebounceWindow = 2 * time.Second
	c.Reading.MinDwell = 3 * time.Second
	c.Reading.MaxEvent = 300 * time.Second
	c.Reading.RetentionMonths = 6
	c.Cache.MaxBookBytes = 500 * 1024 * 1024
	c.Cache.MaxCoverBytes = 50 * 1024 * 1024
	c.Cache.BookExpiryDays = 30
	c.Cache.CoverExpiryDays = 90
	c.Cache.CleanupSchedule = "@hourly"
	c.Paths.DataDir = "./data"
}

func (c *Config) loadFromEnv() {
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Port = port
	}
	if timeout := getDuration("SHUTDOWN_TIMEOUT"); timeout > 0 {
		c.Server.ShutdownTimeout = timeout
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
	if token := os.Getenv("DROPBOX_TOKEN"); token != "" {
		c.Dropbox.Token = token
	}
	if path := os.Getenv("DROPBOX_SNAPSHOT_PATH"); path != "" {
		c.Dropbox.SnapshotPath = path
	}
	if timeout := getDuration("DROPBOX_TIMEOUT"); timeout > 0 {
		c.Dropbox.Timeout = timeout
	}
	if window := getDuration("SYNC_DEBOUNCE_WINDOW"); window > 0 {
		c.Sync.DebounceWindow = window
	}
	if dwell := getDuration("READING_MIN_DWELL"); dwell > 0 {
		c.Reading.MinDwell = dwell
	}
	if maxEvent := getDuration("READING_MAX_EVENT"); maxEvent > 0 {
		c.Reading.MaxEvent = maxEvent
	}
	if months := getInt("READING_RETENTION_MONTHS"); months > 0 {
		c.Reading.RetentionMonths = months
	}
	if v := getInt64("CACHE_MAX_BOOK_BYTES"); v > 0 {
		c.Cache.MaxBookBytes = v
	}
	if v := getInt64("CACHE_MAX_COVER_BYTES"); v > 0 {
		c.Cache.MaxCoverBytes = v
	}
	if v := getInt("CACHE_BOOK_EXPIRY_DAYS"); v > 0 {
		c.Cache.BookExpiryDays = v
	}
	if v := getInt("CACHE_COVER_EXPIRY_DAYS"); v > 0 {
		c.Cache.CoverExpiryDays = v
	}
	if schedule := os.Getenv("CACHE_CLEANUP_SCHEDULE"); schedule != "" {
		c.Cache.CleanupSchedule = schedule
	}
	if dir := os.Getenv("DATA_DIR"); dir != "" {
		c.Paths.DataDir = dir
	}
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	var missing []string
	if c.Dropbox.Token == "" {
		missing = append(missing, "DROPBOX_TOKEN")
	}
	if len(missing) > 0 {
		return &ConfigError{
			Field: strings.Join(missing, ", "),
			Msg:   "required configuration values are missing",
		}
	}
	return nil
}

// StorePath is the location of the small-record database.
func (c *Config) StorePath() string {
	return filepath.Join(c.Paths.DataDir, "bookblue.db")
}

// CachePath is the location of the blob cache database.
func (c *Config) CachePath() string {
	return filepath.Join(c.Paths.DataDir, "blobcache.db")
}

// SyncStatePath is the location of the local sync bookkeeping file.
func (c *Config) SyncStatePath() string {
	return filepath.Join(c.Paths.DataDir, "sync_state.json")
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Field + " " + e.Msg
}

func getDuration(key string) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return 0
}

func getInt(key string) int {
	if value, exists := os.LookupEnv(key); exists {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return 0
}

func getInt64(key string) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return 0
}
