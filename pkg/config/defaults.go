package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/chatvault/internal/bytesize"
)

// ApplyDefaults sets default values for any unspecified configuration
// fields. Zero values are replaced, explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyDataDirDefaults(cfg)
	applyShutdownTimeoutDefaults(cfg)
	applyMetricsDefaults(&cfg.Metrics)
	applyTransferDefaults(&cfg.Transfer)
	applyRemoteDefaults(&cfg.Remote)
	applyCacheDefaults(cfg)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyDataDirDefaults sets the data directory from XDG conventions.
func applyDataDirDefaults(cfg *Config) {
	if cfg.DataDir != "" {
		return
	}
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		cfg.DataDir = filepath.Join(xdgData, "chatvault")
		return
	}
	home, err := os.UserHomeDir()
	if err != nil {
		cfg.DataDir = "."
		return
	}
	cfg.DataDir = filepath.Join(home, ".local", "share", "chatvault")
}

func applyShutdownTimeoutDefaults(cfg *Config) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyMetricsDefaults sets metrics defaults.
// Metrics are opt-in; the port only matters when enabled.
func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

func applyTransferDefaults(cfg *TransferConfig) {
	if cfg.MaxConcurrentTasks == 0 {
		cfg.MaxConcurrentTasks = 4
	}
	if cfg.ParallelFiles == 0 {
		cfg.ParallelFiles = 4
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = 1 * time.Second
	}
	if cfg.RetryMaxDelay == 0 {
		cfg.RetryMaxDelay = 32 * time.Second
	}
}

func applyRemoteDefaults(cfg *RemoteConfig) {
	if cfg.Type == "" {
		cfg.Type = "s3"
	}
}

// applyCacheDefaults sets blob cache defaults. The cache path lives inside
// the data directory unless overridden.
func applyCacheDefaults(cfg *Config) {
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = filepath.Join(cfg.DataDir, "blobcache")
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 7 * 24 * time.Hour
	}
	if cfg.Cache.MaxSize == 0 {
		cfg.Cache.MaxSize = bytesize.ByteSize(2 * bytesize.GiB)
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
// Useful for generating sample configuration files and for tests.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// CatalogPath returns the catalogue database path inside the data dir.
func (c *Config) CatalogPath() string {
	return filepath.Join(c.DataDir, "catalog.db")
}

// CheckpointPath returns the checkpoint database path inside the data dir.
func (c *Config) CheckpointPath() string {
	return filepath.Join(c.DataDir, "checkpoints.db")
}

// CredentialsPath returns the credential cache path inside the data dir.
func (c *Config) CredentialsPath() string {
	return filepath.Join(c.DataDir, "credentials.json")
}
