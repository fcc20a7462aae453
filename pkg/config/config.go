// Package config loads and validates the chatvault configuration from
// file, environment, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/chatvault/internal/bytesize"
)

// Config captures the static configuration of the chatvault daemon and CLI.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (CHATVAULT_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// DataDir is the directory holding the catalogue database, the
	// checkpoint database, the blob cache, and the credential cache
	DataDir string `mapstructure:"data_dir" validate:"required" yaml:"data_dir"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Transfer tunes the transfer engine's concurrency and retry behavior
	Transfer TransferConfig `mapstructure:"transfer" yaml:"transfer"`

	// Remote selects and configures the remote blob channel backend
	Remote RemoteConfig `mapstructure:"remote" yaml:"remote"`

	// Cache configures the local read-through blob cache
	Cache CacheConfig `mapstructure:"cache" yaml:"cache"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format: text or json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
// When Enabled is false, no metrics are collected (zero overhead).
type MetricsConfig struct {
	// Enabled controls whether metrics collection and HTTP server are enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// TransferConfig tunes the transfer engine.
type TransferConfig struct {
	// MaxConcurrentTasks bounds how many main tasks transfer at once
	MaxConcurrentTasks int `mapstructure:"max_concurrent_tasks" validate:"omitempty,min=1" yaml:"max_concurrent_tasks"`

	// ParallelFiles bounds how many files one folder task transfers at once
	ParallelFiles int `mapstructure:"parallel_files" validate:"omitempty,min=1" yaml:"parallel_files"`

	// MaxRetries is the per-chunk retry attempt budget. Rate-limit waits
	// demanded by the backend never count against it.
	MaxRetries int `mapstructure:"max_retries" validate:"omitempty,min=1" yaml:"max_retries"`

	// RetryBaseDelay is the first backoff delay; it doubles per attempt
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`

	// RetryMaxDelay caps the backoff delay
	RetryMaxDelay time.Duration `mapstructure:"retry_max_delay" yaml:"retry_max_delay"`
}

// RemoteConfig selects the remote blob channel backend.
type RemoteConfig struct {
	// Type is the channel backend: "s3" or "memory".
	// Memory is volatile and only useful for tests and dry runs.
	Type string `mapstructure:"type" validate:"required,oneof=s3 memory" yaml:"type"`

	// S3 configures the S3-compatible backend, used when Type is "s3"
	S3 RemoteS3Config `mapstructure:"s3" yaml:"s3"`
}

// RemoteS3Config configures the S3-compatible channel backend.
type RemoteS3Config struct {
	// Bucket is the bucket holding all channel objects (required for s3)
	Bucket string `mapstructure:"bucket" yaml:"bucket"`

	// Region is the bucket region
	Region string `mapstructure:"region" yaml:"region"`

	// Endpoint overrides the S3 endpoint, for MinIO and compatible stores
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// AccessKey and SecretKey are static credentials. Empty values fall
	// back to the standard AWS credential chain.
	AccessKey string `mapstructure:"access_key" yaml:"access_key,omitempty"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key,omitempty"`

	// UsePathStyle forces path-style addressing (needed for MinIO)
	UsePathStyle bool `mapstructure:"use_path_style" yaml:"use_path_style"`

	// KeyPrefix namespaces all objects in the bucket
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix,omitempty"`
}

// CacheConfig configures the local blob cache.
type CacheConfig struct {
	// Enabled controls whether fetched and sent chunks are cached locally
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Path is the cache directory. Defaults to <data_dir>/blobcache.
	Path string `mapstructure:"path" yaml:"path,omitempty"`

	// TTL is how long cached blobs live
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`

	// MaxSize is the soft cap on cache disk use.
	// Supports human-readable formats: "1GB", "512MB", "10Gi"
	MaxSize bytesize.ByteSize `mapstructure:"max_size" yaml:"max_size,omitempty"`
}

// Load loads configuration from file, environment, and defaults.
// An absent config file is not an error: defaults apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !configFileFound {
		return GetDefaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when an
// explicitly requested config file does not exist.
func MustLoad(configPath string) (*Config, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  chatvault init --config %s",
				configPath, configPath)
		}
	}
	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path in YAML.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600: the remote section may carry credentials.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures environment variables and config file search.
func setupViper(v *viper.Viper, configPath string) {
	// Example: CHATVAULT_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("CHATVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error).
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks returns the combined decode hook for custom types:
// ByteSize and time.Duration parsing.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and numbers to bytesize.ByteSize so
// config files can use "1Gi", "500Mi", "100MB", or plain numbers.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings to time.Duration so config files can
// use "30s", "5m", "1h".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			// Raw integers are nanoseconds
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "chatvault")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "chatvault")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for the
// init command).
func GetConfigDir() string {
	return getConfigDir()
}
