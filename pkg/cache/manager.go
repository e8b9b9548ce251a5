package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Manager handles caching operations with Redis backend.
type Manager struct {
	redis  *redis.Client
	logger zerolog.Logger
}

// NewManager creates a new cache manager with Redis backend.
func NewManager(redisClient *redis.Client, logger zerolog.Logger) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Manager{
		redis:  redisClient,
		logger: logger,
	}
}

// Get retrieves a cache entry by key.
// Returns ErrCacheMiss if the key doesn't exist or entry is expired.
func (m *Manager) Get(ctx context.Context, key Key) (*Entry, error) {
	cacheKey := key.String()

	data, err := m.redis.Get(ctx, cacheKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			CacheMisses.WithLabelValues(key.Namespace).Inc()
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

	if entry.IsExpired() {
		_ = m.Delete(ctx, key)
		CacheMisses.WithLabelValues(key.Namespace).Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.WithLabelValues(key.Namespace).Inc()
	return &entry, nil
}

// Set stores a cache entry with TTL based on the entry's Expires field.
// The entry will be automatically removed from Redis when it expires.
func (m *Manager) Set(ctx context.Context, key Key, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	ttl := entry.TTL()
	if ttl <= 0 {
		// Already expired, don't cache
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := m.redis.Set(ctx, key.String(), data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	CacheStoredBytes.WithLabelValues(key.Namespace).Add(float64(len(data)))
	return nil
}

// Delete removes a cache entry.
func (m *Manager) Delete(ctx context.Context, key Key) error {
	if err := m.redis.Del(ctx, key.String()).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Load returns the cached value for key, or calls load and caches its
// result for ttl. Cache failures are logged and fall through to load; load
// errors are returned and not cached. A nil manager always calls load.
func Load[T any](ctx context.Context, m *Manager, key Key, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	if m == nil {
		return load(ctx)
	}

	entry, err := m.Get(ctx, key)
	switch {
	case err == nil:
		var v T
		if err := entry.Decode(&v); err == nil {
			m.logger.Debug().Str("key", key.String()).Msg("Cache hit")
			return v, nil
		}
		m.logger.Warn().Str("key", key.String()).Msg("Discarding undecodable cache entry")
		_ = m.Delete(ctx, key)
	case !errors.Is(err, ErrCacheMiss):
		m.logger.Warn().Err(err).Str("key", key.String()).Msg("Cache read failed, loading directly")
	}

	v, err := load(ctx)
	if err != nil {
		return v, err
	}

	m.Store(ctx, key, v, ttl)
	return v, nil
}

// Store caches v for ttl. Failures are logged, not returned.
func (m *Manager) Store(ctx context.Context, key Key, v any, ttl time.Duration) {
	if m == nil {
		return
	}
	entry, err := NewEntry(v, ttl)
	if err == nil {
		err = m.Set(ctx, key, entry)
	}
	if err != nil {
		m.logger.Warn().Err(err).Str("key", key.String()).Msg("Cache write failed")
	}
}
