// Package config loads server configuration from environment variables and
// an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr      string        `mapstructure:"listen_addr" validate:"required"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`

	// Logging
	LogLevel  string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `mapstructure:"log_format" validate:"oneof=json console"`

	// Storage
	StorageRoot     string `mapstructure:"storage_root" validate:"required"`
	StagingDir      string `mapstructure:"staging_dir"`
	MaxChunkSize    int    `mapstructure:"max_chunk_size" validate:"gt=0"`
	MaxUploadSizeMB int64  `mapstructure:"max_upload_size_mb" validate:"gt=0"`

	// Concurrency
	EnableLocks            bool `mapstructure:"enable_locks"`
	MaxConcurrentMutations int  `mapstructure:"max_concurrent_mutations" validate:"gte=0"`

	// Tree index
	IndexBackend       string        `mapstructure:"index_backend" validate:"oneof=sqlite postgres"`
	IndexPath          string        `mapstructure:"index_path"`
	DatabaseURL        string        `mapstructure:"database_url" validate:"required_if=IndexBackend postgres"`
	IndexRetryDelay    time.Duration `mapstructure:"index_retry_delay" validate:"gt=0"`
	IndexRetryAttempts int           `mapstructure:"index_retry_attempts" validate:"gte=1"`
	IndexQueueSize     int           `mapstructure:"index_queue_size" validate:"gt=0"`
	IndexWorkers       int           `mapstructure:"index_workers" validate:"gt=0"`
}

// MaxUploadSize returns the upload limit in bytes.
func (c *Config) MaxUploadSize() int64 {
	return c.MaxUploadSizeMB * 1024 * 1024
}

// env maps config keys to the environment variables that set them.
var env = map[string]string{
	"listen_addr":              "LISTEN_ADDR",
	"metrics_addr":             "METRICS_ADDR",
	"shutdown_timeout":         "SHUTDOWN_TIMEOUT",
	"log_level":                "LOG_LEVEL",
	"log_format":               "LOG_FORMAT",
	"storage_root":             "STORAGE_PATH",
	"staging_dir":              "STAGING_DIR",
	"max_chunk_size":           "MAX_CHUNK_SIZE",
	"max_upload_size_mb":       "FILE_SIZE_LIMIT_MB",
	"enable_locks":             "ENABLE_LOCKS",
	"max_concurrent_mutations": "MAX_CONCURRENT_MUTATIONS",
	"index_backend":            "INDEX_BACKEND",
	"index_path":               "DB_FILE",
	"database_url":             "DATABASE_URL",
	"index_retry_delay":        "INDEX_RETRY_DELAY",
	"index_retry_attempts":     "INDEX_RETRY_ATTEMPTS",
	"index_queue_size":         "INDEX_QUEUE_SIZE",
	"index_workers":            "INDEX_WORKERS",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8888")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("shutdown_timeout", 30*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("storage_root", "/tmp/hosting_app")
	v.SetDefault("staging_dir", "")
	v.SetDefault("max_chunk_size", 16*1024)
	v.SetDefault("max_upload_size_mb", 4096)
	v.SetDefault("enable_locks", true)
	v.SetDefault("max_concurrent_mutations", 64)
	v.SetDefault("index_backend", "sqlite")
	v.SetDefault("index_path", "")
	v.SetDefault("database_url", "")
	v.SetDefault("index_retry_delay", 5*time.Second)
	v.SetDefault("index_retry_attempts", 5)
	v.SetDefault("index_queue_size", 1024)
	v.SetDefault("index_workers", 1)
}

// Loader reads configuration and, when a file is in use, watches it.
type Loader struct {
	v *viper.Viper
}

// NewLoader prepares a loader. configPath may be empty, in which case only
// defaults and environment variables apply.
func NewLoader(configPath string) (*Loader, error) {
	v := viper.New()
	setDefaults(v)
	for key, name := range env {
		if err := v.BindEnv(key, name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", name, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}
	return &Loader{v: v}, nil
}

// Load decodes, completes and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch calls fn with the new log level whenever the config file changes.
// It is a no-op when no config file is in use.
func (l *Loader) Watch(fn func(logLevel string)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		fn(strings.ToLower(l.v.GetString("log_level")))
	})
	l.v.WatchConfig()
}

// Load reads configuration from the environment and an optional file.
func Load(configPath string) (*Config, error) {
	l, err := NewLoader(configPath)
	if err != nil {
		return nil, err
	}
	return l.Load()
}

func applyDefaults(cfg *Config) {
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.StorageRoot = filepath.Clean(cfg.StorageRoot)
	if cfg.StagingDir == "" {
		cfg.StagingDir = os.TempDir()
	}
	if cfg.IndexPath == "" {
		cfg.IndexPath = filepath.Join(filepath.Dir(cfg.StorageRoot), "hosting_index.db")
	}
}

var validate = validator.New()

// Validate validates the configuration using struct tags and custom rules.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	if !filepath.IsAbs(cfg.StorageRoot) {
		return fmt.Errorf("storage_root: must be an absolute path, got %q", cfg.StorageRoot)
	}
	if inside(cfg.StorageRoot, cfg.StagingDir) {
		return fmt.Errorf("staging_dir: %q must be outside storage_root %q", cfg.StagingDir, cfg.StorageRoot)
	}
	return nil
}

// inside reports whether dir is root or lies below it.
func inside(root, dir string) bool {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
