// Package artifact is the content-addressed store for rendered posters. The
// index (and the generic memoization cache used by the catalog) is backed by
// an in-memory or distributed key-value cache; poster bytes live on disk
// under a namespace segmented by subject kind.
package artifact

import (
	"context"
)

// Cache defines the key-value cache interface shared by the artifact index
// and metadata memoization. The generic type T is the cached value type.
type Cache[T any] interface {
	// Get retrieves a value from the cache.
	// Returns the value, whether it was found, and any error.
	Get(ctx context.Context, key string) (T, bool, error)

	// Set stores a value in the cache.
	Set(ctx context.Context, key string, value T) error

	// Invalidate removes a value from the cache.
	Invalidate(ctx context.Context, key string) error

	// Close releases any resources held by the cache.
	Close() error
}
