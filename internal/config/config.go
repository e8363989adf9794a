package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/TheMichaelB/daybook/internal/models"
)

// Remote backend kinds.
const (
	RemoteDocument   = "document"
	RemoteRelational = "relational"
)

// Config holds all application configuration.
type Config struct {
	// API configuration
	API APIConfig `json:"api" mapstructure:"api"`

	// Remote backend selection
	Remote RemoteConfig `json:"remote" mapstructure:"remote"`

	// Authentication configuration
	Auth AuthConfig `json:"auth" mapstructure:"auth"`

	// Storage paths
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Sync behavior
	Sync SyncConfig `json:"sync" mapstructure:"sync"`

	// Logging
	Log LogConfig `json:"log" mapstructure:"log"`
}

// APIConfig for server communication.
type APIConfig struct {
	BaseURL            string        `json:"base_url" mapstructure:"base_url"`
	Timeout            time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxRetries         int           `json:"max_retries" mapstructure:"max_retries"`
	UserAgent          string        `json:"user_agent" mapstructure:"user_agent"`
	InsecureSkipVerify bool          `json:"insecure_skip_verify" mapstructure:"insecure_skip_verify"`
}

// RemoteConfig selects and configures the remote adapter.
type RemoteConfig struct {
	Kind     string `json:"kind" mapstructure:"kind"`           // document, relational
	DSN      string `json:"dsn" mapstructure:"dsn"`             // relational only
	FeedPath string `json:"feed_path" mapstructure:"feed_path"` // document change feed, empty disables
	Migrate  bool   `json:"migrate" mapstructure:"migrate"`     // apply row backend migrations on start
}

// AuthConfig for authentication settings.
type AuthConfig struct {
	Email     string `json:"email,omitempty" mapstructure:"email"`
	Password  string `json:"password,omitempty" mapstructure:"password"`
	TokenFile string `json:"token_file" mapstructure:"token_file"`
}

// StorageConfig for local file paths.
type StorageConfig struct {
	DataDir  string `json:"data_dir" mapstructure:"data_dir"` // Base directory for all data
	Database string `json:"database" mapstructure:"database"` // Bulk tier, watermarks and queue
	BlobDir  string `json:"blob_dir" mapstructure:"blob_dir"` // Small tier key/blob files
}

// SyncConfig for synchronization behavior.
type SyncConfig struct {
	ReplayDelay    time.Duration `json:"replay_delay" mapstructure:"replay_delay"`       // Pause between replayed queue items
	ProbeInterval  time.Duration `json:"probe_interval" mapstructure:"probe_interval"`   // Connectivity probe frequency
	HydrateTimeout time.Duration `json:"hydrate_timeout" mapstructure:"hydrate_timeout"` // Per-collection fetch timeout
	MaxAttempts    int           `json:"max_attempts" mapstructure:"max_attempts"`       // Attempts before an item is reported blocked
	Coalesce       bool          `json:"coalesce" mapstructure:"coalesce"`               // Collapse repeated queue writes to one record
	MaxConcurrent  int           `json:"max_concurrent" mapstructure:"max_concurrent"`   // Parallel collection hydrations
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level      string `json:"level" mapstructure:"level"`             // debug, info, warn, error
	Format     string `json:"format" mapstructure:"format"`           // text, json
	File       string `json:"file" mapstructure:"file"`               // Log file path (empty = stderr)
	MaxSize    int    `json:"max_size" mapstructure:"max_size"`       // Max log file size in MB
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"` // Max number of old logs
	MaxAge     int    `json:"max_age" mapstructure:"max_age"`         // Max age in days
	Color      bool   `json:"color" mapstructure:"color"`             // Enable colored output
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".daybook"

	return &Config{
		API: APIConfig{
			BaseURL:    "https://api.daybook.app",
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			UserAgent:  "daybook-cli/1.0",
		},
		Remote: RemoteConfig{
			Kind:     RemoteDocument,
			FeedPath: "/v1/feed",
		},
		Auth: AuthConfig{
			TokenFile: filepath.Join(dataDir, "token.json"),
		},
		Storage: StorageConfig{
			DataDir:  dataDir,
			Database: "daybook.db",
			BlobDir:  "blobs",
		},
		Sync: SyncConfig{
			ReplayDelay:    200 * time.Millisecond,
			ProbeInterval:  15 * time.Second,
			HydrateTimeout: 30 * time.Second,
			MaxAttempts:    5,
			Coalesce:       true,
			MaxConcurrent:  4,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
			Color:      true,
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	switch c.Remote.Kind {
	case RemoteDocument:
		if c.API.BaseURL == "" {
			return invalid("api.base_url is required")
		}
	case RemoteRelational:
		if c.Remote.DSN == "" {
			return invalid("remote.dsn is required for the relational backend")
		}
	default:
		return invalid("unknown remote.kind: %q", c.Remote.Kind)
	}

	if c.API.Timeout <= 0 {
		return invalid("api.timeout must be positive")
	}

	if c.Storage.DataDir == "" {
		return invalid("storage.data_dir is required")
	}

	if c.Sync.ReplayDelay < 0 {
		return invalid("sync.replay_delay must not be negative")
	}

	if c.Sync.ProbeInterval <= 0 {
		return invalid("sync.probe_interval must be positive")
	}

	if c.Sync.MaxAttempts <= 0 {
		return invalid("sync.max_attempts must be positive")
	}

	if c.Sync.MaxConcurrent <= 0 {
		return invalid("sync.max_concurrent must be positive")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return invalid("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return invalid("invalid log format: %s", c.Log.Format)
	}

	return nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", models.ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// DatabasePath resolves the local database file.
func (c *Config) DatabasePath() string {
	return c.resolve(c.Storage.Database)
}

// BlobPath resolves the small tier directory.
func (c *Config) BlobPath() string {
	return c.resolve(c.Storage.BlobDir)
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Storage.DataDir, p)
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		filepath.Dir(c.DatabasePath()),
		c.BlobPath(),
	}

	if c.Auth.TokenFile != "" {
		dirs = append(dirs, filepath.Dir(c.Auth.TokenFile))
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
