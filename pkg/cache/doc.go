// Package cache provides a small Redis-backed TTL cache for the artist
// resolve path.
//
// Artist searches and fanart.tv image lookups are slow, count against the
// upstream quotas and change rarely, so their results are cached as JSON
// under namespaced keys:
//
//	setlist:cache:artist:<normalized name>
//	setlist:cache:image:<mbid>
//
// # Basic Usage
//
//	manager := cache.NewManager(redisClient, logger)
//
//	artist, err := cache.Load(ctx, manager, cache.Key{Namespace: "artist", ID: name}, ttl,
//		func(ctx context.Context) (Artist, error) {
//			return lookup(ctx, name)
//		})
//
// A nil *Manager disables caching; Load then always calls the loader.
// Redis failures are logged and never fail the caller.
//
// # Expiry
//
// Entries carry their own expiry and are also stored with a Redis TTL.
// ExpiresFromHeaders derives an expiry from Cache-Control or Expires
// response headers when the upstream provides them.
//
// # Metrics
//
//   - setlist_cache_hits_total{namespace}
//   - setlist_cache_misses_total{namespace}
//   - setlist_cache_stored_bytes_total{namespace}
//   - setlist_cache_errors_total{operation}
package cache
