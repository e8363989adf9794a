package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. DAYBOOK_LOG_LEVEL.
const EnvPrefix = "DAYBOOK"

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string

	mu sync.Mutex
	v  *viper.Viper
}

// NewLoader creates a config loader. An empty path searches the default locations.
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load reads configuration from defaults, file and environment.
func (l *Loader) Load() (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.configPath != "" {
		v.SetConfigFile(l.configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	} else {
		v.SetConfigName("daybook")
		for _, dir := range defaultDirs() {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("load config file %s: %w", v.ConfigFileUsed(), err)
			}
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.v = v
	l.mu.Unlock()

	return cfg, nil
}

// ConfigFile returns the file the last Load read, if any.
func (l *Loader) ConfigFile() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.v == nil {
		return ""
	}
	return l.v.ConfigFileUsed()
}

// Watch reloads the config file on change and hands every valid result to
// onChange. Invalid edits are reported to onError and otherwise ignored.
func (l *Loader) Watch(onChange func(*Config), onError func(error)) error {
	l.mu.Lock()
	v := l.v
	l.mu.Unlock()

	if v == nil {
		return errors.New("watch: config not loaded")
	}
	if v.ConfigFileUsed() == "" {
		return errors.New("watch: no config file in use")
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func defaultDirs() []string {
	dirs := []string{"."}

	if homeDir, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs,
			filepath.Join(homeDir, ".config", "daybook"),
			filepath.Join(homeDir, ".daybook"),
		)
	}

	return dirs
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("api.base_url", cfg.API.BaseURL)
	v.SetDefault("api.timeout", cfg.API.Timeout)
	v.SetDefault("api.max_retries", cfg.API.MaxRetries)
	v.SetDefault("api.user_agent", cfg.API.UserAgent)
	v.SetDefault("api.insecure_skip_verify", cfg.API.InsecureSkipVerify)

	v.SetDefault("remote.kind", cfg.Remote.Kind)
	v.SetDefault("remote.dsn", cfg.Remote.DSN)
	v.SetDefault("remote.feed_path", cfg.Remote.FeedPath)
	v.SetDefault("remote.migrate", cfg.Remote.Migrate)

	v.SetDefault("auth.email", cfg.Auth.Email)
	v.SetDefault("auth.password", cfg.Auth.Password)
	v.SetDefault("auth.token_file", cfg.Auth.TokenFile)

	v.SetDefault("storage.data_dir", cfg.Storage.DataDir)
	v.SetDefault("storage.database", cfg.Storage.Database)
	v.SetDefault("storage.blob_dir", cfg.Storage.BlobDir)

	v.SetDefault("sync.replay_delay", cfg.Sync.ReplayDelay)
	v.SetDefault("sync.probe_interval", cfg.Sync.ProbeInterval)
	v.SetDefault("sync.hydrate_timeout", cfg.Sync.HydrateTimeout)
	v.SetDefault("sync.max_attempts", cfg.Sync.MaxAttempts)
	v.SetDefault("sync.coalesce", cfg.Sync.Coalesce)
	v.SetDefault("sync.max_concurrent", cfg.Sync.MaxConcurrent)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.max_size", cfg.Log.MaxSize)
	v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
	v.SetDefault("log.max_age", cfg.Log.MaxAge)
	v.SetDefault("log.color", cfg.Log.Color)
}

// SaveExample writes an example config file. The format follows the
// extension (.json, .yaml, .toml).
func SaveExample(path string) error {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write example config: %w", err)
	}
	return os.Chmod(path, 0600)
}
