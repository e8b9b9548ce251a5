package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by namespace
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "setlist_cache_hits_total",
			Help: "Total number of resolve cache hits",
		},
		[]string{"namespace"}, // "artist", "image"
	)

	// CacheMisses tracks cache misses by namespace
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "setlist_cache_misses_total",
			Help: "Total number of resolve cache misses",
		},
		[]string{"namespace"},
	)

	// CacheStoredBytes tracks bytes written to the cache
	CacheStoredBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "setlist_cache_stored_bytes_total",
			Help: "Total number of bytes written to the resolve cache",
		},
		[]string{"namespace"},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "setlist_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete"
	)
)
