package config

import (
	"context"
	"fmt"

	"github.com/marmos91/chatvault/pkg/remote"
	"github.com/marmos91/chatvault/pkg/remote/blobcache"
	"github.com/marmos91/chatvault/pkg/remote/memory"
	"github.com/marmos91/chatvault/pkg/remote/s3"
)

// CreateChannel builds the remote blob channel from configuration,
// wrapping it with the local blob cache when enabled. The returned closer
// releases the cache database; it is a no-op when no cache is open.
func CreateChannel(ctx context.Context, cfg *Config) (remote.Channel, func() error, error) {
	var channel remote.Channel

	switch cfg.Remote.Type {
	case "memory":
		channel = memory.New()
	case "s3":
		s3Channel, err := s3.New(ctx, s3.Config{
			Bucket:       cfg.Remote.S3.Bucket,
			Region:       cfg.Remote.S3.Region,
			Endpoint:     cfg.Remote.S3.Endpoint,
			AccessKey:    cfg.Remote.S3.AccessKey,
			SecretKey:    cfg.Remote.S3.SecretKey,
			UsePathStyle: cfg.Remote.S3.UsePathStyle,
			KeyPrefix:    cfg.Remote.S3.KeyPrefix,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create s3 channel: %w", err)
		}
		channel = s3Channel
	default:
		return nil, nil, fmt.Errorf("unknown remote channel type: %q", cfg.Remote.Type)
	}

	if !cfg.Cache.Enabled {
		return channel, func() error { return nil }, nil
	}

	cache, err := blobcache.Open(cfg.Cache.Path, channel,
		blobcache.WithTTL(cfg.Cache.TTL),
		blobcache.WithMaxSize(cfg.Cache.MaxSize.Int64()),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open blob cache: %w", err)
	}
	return cache, cache.Close, nil
}
