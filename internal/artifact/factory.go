package artifact

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/valkey-io/valkey-go"

	"github.com/posterbeat/posterbeat/internal/config"
)

// NewCacheFromConfig creates a cache implementation based on the provided
// configuration. The cache type must be either "memory" or "valkey"; any
// other value returns an error.
func NewCacheFromConfig[T any](
	ctx context.Context,
	cacheConfig config.CacheConfig,
	ttl time.Duration,
	maxMemorySize int,
) (Cache[T], error) {
	switch cacheConfig.Type {
	case "valkey":
		log.Ctx(ctx).Info().
			Str("cache_type", "valkey").
			Str("address", cacheConfig.Valkey.Address).
			Bool("tls", cacheConfig.Valkey.TLS).
			Msg("initializing distributed cache")

		opts := valkey.ClientOption{
			InitAddress: []string{cacheConfig.Valkey.Address},
			Username:    cacheConfig.Valkey.Username,
			Password:    cacheConfig.Valkey.Password,
		}

		if cacheConfig.Valkey.TLS {
			opts.TLSConfig = &tls.Config{
				MinVersion: tls.VersionTLS12,
			}
		}

		client, err := valkey.NewClient(opts)
		if err != nil {
			return nil, fmt.Errorf("failed to create valkey client: %w", err)
		}

		return NewDistributed[T](client, ttl), nil

	case "memory":
		log.Ctx(ctx).Info().
			Str("cache_type", "memory").
			Msg("initializing in-memory cache")

		return NewMemory[T](ttl, maxMemorySize)

	default:
		return nil, fmt.Errorf("unknown cache type: %s", cacheConfig.Type)
	}
}
