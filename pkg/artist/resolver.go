// Package artist resolves a free-text artist name to a setlist.fm MBID,
// display name and picture.
package artist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/setlist-stream/pkg/cache"
	"github.com/Sternrassler/setlist-stream/pkg/upstream"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a search yields no artist.
var ErrNotFound = errors.New("artist not found")

const cacheNamespace = "artist"

// Info is the resolve response.
type Info struct {
	MBID     string `json:"mbid"`
	Name     string `json:"name"`
	ImageURL string `json:"imageUrl"`
}

// Searcher is the upstream artist search.
type Searcher interface {
	SearchArtists(ctx context.Context, name string) (*upstream.SearchResult, error)
}

// Images looks up a picture for an artist. It never fails.
type Images interface {
	ArtistImage(ctx context.Context, mbid string) string
}

// Resolver turns names into Info.
type Resolver struct {
	search   Searcher
	images   Images
	cache    *cache.Manager
	cacheTTL time.Duration
	logger   zerolog.Logger
}

// NewResolver creates a resolver. cacheManager may be nil.
func NewResolver(search Searcher, images Images, cacheManager *cache.Manager, cacheTTL time.Duration, logger zerolog.Logger) *Resolver {
	if cacheTTL <= 0 {
		cacheTTL = cache.DefaultTTL
	}
	return &Resolver{
		search:   search,
		images:   images,
		cache:    cacheManager,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
}

// Resolve searches for name and takes the first hit, which setlist.fm
// orders by relevance. Upstream failures are returned as-is.
func (r *Resolver) Resolve(ctx context.Context, name string) (Info, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Info{}, ErrNotFound
	}

	found, err := cache.Load(ctx, r.cache, cache.Key{Namespace: cacheNamespace, ID: name}, r.cacheTTL,
		func(ctx context.Context) (upstream.Artist, error) {
			return r.first(ctx, name)
		})
	if err != nil {
		return Info{}, err
	}

	info := Info{MBID: found.MBID, Name: found.Name, ImageURL: r.images.ArtistImage(ctx, found.MBID)}

	r.logger.Info().
		Str("query", name).
		Str("mbid", info.MBID).
		Str("artist", info.Name).
		Msg("Artist resolved")
	return info, nil
}

func (r *Resolver) first(ctx context.Context, name string) (upstream.Artist, error) {
	result, err := r.search.SearchArtists(ctx, name)
	if err != nil {
		return upstream.Artist{}, err
	}
	for _, a := range result.Artists {
		if a.MBID != "" {
			return a, nil
		}
	}
	return upstream.Artist{}, fmt.Errorf("%w: %q", ErrNotFound, name)
}
