package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Store is the cache store adapter. Implementations must never block past
// a short internal operation timeout; callers treat any store failure as
// a miss and degrade to the live query path.
type Store interface {
	// Get retrieves an entry by key. Returns ErrCacheMiss if absent or expired.
	Get(ctx context.Context, key string) (*Entry, error)

	// Set stores a payload under key with the given TTL, replacing any
	// existing entry wholesale.
	Set(ctx context.Context, key string, payload json.RawMessage, ttl time.Duration) error

	// Delete removes an entry.
	Delete(ctx context.Context, key string) error
}

// StoreConfig holds Redis store configuration.
type StoreConfig struct {
	// OpTimeout bounds every store operation. It must be shorter than any
	// query timeout so a slow cache cannot eat the request deadline.
	OpTimeout time.Duration
}

// DefaultStoreConfig returns a safe default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		OpTimeout: 250 * time.Millisecond,
	}
}

// RedisStore implements Store with a Redis backend.
type RedisStore struct {
	redis  *redis.Client
	config StoreConfig
}

// NewRedisStore creates a Redis-backed cache store.
func NewRedisStore(redisClient *redis.Client, cfg StoreConfig) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultStoreConfig().OpTimeout
	}
	return &RedisStore{
		redis:  redisClient,
		config: cfg,
	}
}

// Get retrieves a cache entry by key.
// Returns ErrCacheMiss if the key doesn't exist; TTL expiry is enforced
// by Redis, so an expired entry is simply absent.
func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()

	data, err := s.redis.Get(opCtx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			CacheMisses.Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	CacheHits.WithLabelValues("redis").Inc()

	return &entry, nil
}

// Set stores a payload with the caller-supplied TTL. TTL values are
// endpoint-specific configuration owned by the orchestrator.
func (s *RedisStore) Set(ctx context.Context, key string, payload json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive (got %s)", ttl)
	}

	entry := Entry{
		Payload:  payload,
		StoredAt: time.Now().UTC(),
	}

	data, err := json.Marshal(&entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()

	if err := s.redis.Set(opCtx, key, data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

// Delete removes a cache entry.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	opCtx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()

	if err := s.redis.Del(opCtx, key).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}

	return nil
}
