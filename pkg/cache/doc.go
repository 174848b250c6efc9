// Package cache provides the cache store adapter with Redis backend.
//
// The store wraps a key-value backend behind a small interface with the
// following properties:
//
// - Deterministic cache key derivation from normalized request parameters
// - Endpoint-specific TTLs supplied by the caller, enforced by the backend
// - A short internal operation timeout, independent of query timeouts
// - Store failures surface as errors the caller degrades to a cache miss
// - Prometheus metrics for observability
//
// # Basic Usage
//
//	// Create Redis client
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	// Create store
//	store := cache.NewRedisStore(redisClient, cache.DefaultStoreConfig())
//
//	// Derive a key from normalized parameters
//	key := cache.NewKey("price-drops", []string{"timeRange", "category", "minDiscount"},
//		cache.Params{"timeRange": "24h", "minDiscount": 10})
//
//	// Get from cache
//	entry, err := store.Get(ctx, key.String())
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// Cache miss - run live queries
//	}
//
//	// Store an aggregate with an endpoint-specific TTL
//	if err := store.Set(ctx, key.String(), payload, 15*time.Minute); err != nil {
//		// Log and move on - caching is best effort
//	}
//
// # Key Normalization
//
// Two logically equivalent requests always derive the same key: parameter
// names are sorted, string values case-folded, numbers canonicalized to a
// fixed decimal form, list values sorted, and absent optional parameters
// rendered with an explicit null sentinel so that omission and explicit
// null hash identically.
//
// # Metrics
//
// The store exports Prometheus metrics:
//
//   - wp_cache_hits_total{backend="redis"} - Cache hits
//   - wp_cache_misses_total - Cache misses
//   - wp_cache_errors_total{operation} - Store operation errors
package cache
