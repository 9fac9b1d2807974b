package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

// Distributed implements Cache using Valkey with server-assisted client-side
// caching, allowing multiple coordinator instances to share one index.
type Distributed[T any] struct {
	client valkey.Client
	ttl    time.Duration
}

// NewDistributed creates a Valkey-backed cache. A zero ttl stores entries
// without expiry (artifact-index semantics); a positive ttl bounds memoized
// entries.
func NewDistributed[T any](client valkey.Client, ttl time.Duration) *Distributed[T] {
	return &Distributed[T]{client: client, ttl: ttl}
}

// Get retrieves a value using server-assisted client-side caching.
func (d *Distributed[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T

	cmd := d.client.B().Get().Key(key).Cache()

	clientTTL := d.ttl
	if clientTTL == 0 {
		clientTTL = time.Minute
	}
	result := d.client.DoCache(ctx, cmd, clientTTL)

	if err := result.Error(); err != nil {
		// key not found is not an error in our semantics
		if valkey.IsValkeyNil(err) {
			return zero, false, nil
		}
		return zero, false, fmt.Errorf("failed to get cached value: %w", err)
	}

	data, err := result.AsBytes()
	if err != nil {
		return zero, false, fmt.Errorf("failed to read cached value: %w", err)
	}

	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return zero, false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}

	return value, true, nil
}

// Set stores a JSON-serialized value. Last write wins.
func (d *Distributed[T]) Set(ctx context.Context, key string, value T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	builder := d.client.B().Set().Key(key).Value(string(data))

	var cmd valkey.Completed
	if d.ttl > 0 {
		cmd = builder.ExSeconds(int64(d.ttl.Seconds())).Build()
	} else {
		cmd = builder.Build()
	}

	if err := d.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to set cached value: %w", err)
	}
	return nil
}

// Invalidate removes a value from the cache.
func (d *Distributed[T]) Invalidate(ctx context.Context, key string) error {
	cmd := d.client.B().Del().Key(key).Build()
	if err := d.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to invalidate cached value: %w", err)
	}
	return nil
}

// Close releases the client connection.
func (d *Distributed[T]) Close() error {
	d.client.Close()
	return nil
}
