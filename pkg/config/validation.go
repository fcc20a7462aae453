package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks a loaded configuration for errors. Struct tags cover the
// field-level rules; cross-field rules live here.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return err
	}

	if cfg.Remote.Type == "s3" && cfg.Remote.S3.Bucket == "" {
		return fmt.Errorf("remote.s3.bucket is required when remote.type is s3")
	}
	if cfg.Cache.Enabled && cfg.Cache.Path == "" {
		return fmt.Errorf("cache.path is required when the blob cache is enabled")
	}
	if cfg.Transfer.RetryBaseDelay > cfg.Transfer.RetryMaxDelay {
		return fmt.Errorf("transfer.retry_base_delay must not exceed transfer.retry_max_delay")
	}
	return nil
}
