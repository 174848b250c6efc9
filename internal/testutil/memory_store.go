// Package testutil provides testing utilities for the warehouse proxy.
package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pricewatch/warehouse-proxy/pkg/cache"
)

// MemoryStore is an in-memory cache.Store with TTL support and failure
// injection, for tests that should not depend on Redis.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry

	// FailGets makes every Get return ErrStoreDown
	FailGets bool

	// FailSets makes every Set return ErrStoreDown
	FailSets bool

	// Tracking
	GetCount int
	SetCount int
}

type memoryEntry struct {
	entry     cache.Entry
	expiresAt time.Time
}

// ErrStoreDown simulates a cache backend connection failure.
var ErrStoreDown = errStoreDown{}

type errStoreDown struct{}

func (errStoreDown) Error() string { return "cache store down" }

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
	}
}

// Get implements cache.Store.
func (s *MemoryStore) Get(ctx context.Context, key string) (*cache.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.GetCount++
	if s.FailGets {
		return nil, ErrStoreDown
	}

	stored, ok := s.entries[key]
	if !ok || time.Now().After(stored.expiresAt) {
		delete(s.entries, key)
		return nil, cache.ErrCacheMiss
	}

	entry := stored.entry
	return &entry, nil
}

// Set implements cache.Store.
func (s *MemoryStore) Set(ctx context.Context, key string, payload json.RawMessage, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.SetCount++
	if s.FailSets {
		return ErrStoreDown
	}

	s.entries[key] = memoryEntry{
		entry: cache.Entry{
			Payload:  append(json.RawMessage(nil), payload...),
			StoredAt: time.Now().UTC(),
		},
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Delete implements cache.Store.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// Has reports whether key currently holds an unexpired entry.
func (s *MemoryStore) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.entries[key]
	return ok && time.Now().Before(stored.expiresAt)
}

// TTLOf returns the remaining TTL for key, or zero when absent.
func (s *MemoryStore) TTLOf(key string) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.entries[key]
	if !ok {
		return 0
	}
	return time.Until(stored.expiresAt)
}
