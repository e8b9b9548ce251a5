// Package imagery looks up artist pictures on fanart.tv.
//
// Lookups are best effort: any failure yields PlaceholderURL, never an
// error, so the artist resolve path does not depend on fanart.tv being up.
package imagery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/setlist-stream/pkg/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

const (
	// DefaultBaseURL is the fanart.tv v3 API.
	DefaultBaseURL = "https://webservice.fanart.tv/v3"

	// PlaceholderURL is returned when no picture can be found.
	PlaceholderURL = "https://abs.twimg.com/sticky/default_profile_images/default_profile_200x200.png"

	cacheNamespace = "image"
)

var lookupsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "setlist_imagery_lookups_total",
		Help: "Total number of artist image lookups by result",
	},
	[]string{"result"}, // "found", "none", "error", "cached", "disabled"
)

// Config holds the fanart.tv client configuration.
type Config struct {
	BaseURL string
	APIKey  string

	// Timeout for the single lookup request.
	Timeout time.Duration

	// CacheTTL applies when the response carries no caching headers.
	CacheTTL time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig(apiKey string) Config {
	return Config{
		BaseURL:  DefaultBaseURL,
		APIKey:   apiKey,
		Timeout:  10 * time.Second,
		CacheTTL: cache.DefaultTTL,
	}
}

// Client fetches artist thumbnails.
type Client struct {
	httpClient *http.Client
	cfg        Config
	cache      *cache.Manager
	logger     zerolog.Logger
}

// New creates a client. cacheManager may be nil.
func New(cfg Config, cacheManager *cache.Manager, logger zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.APIKey == "" {
		logger.Warn().Msg("FANART_API_KEY has not been set, artist images are disabled")
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		cache:      cacheManager,
		logger:     logger,
	}
}

// Thumb is one entry of a fanart.tv artistthumb list.
type Thumb struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Likes string `json:"likes"`
}

type musicResponse struct {
	Name        string  `json:"name"`
	ArtistThumb []Thumb `json:"artistthumb"`
}

// BestThumb returns the URL of the most liked thumb. Ties keep the first.
func BestThumb(thumbs []Thumb) (string, bool) {
	best, bestLikes := "", -1
	for _, t := range thumbs {
		if t.URL == "" {
			continue
		}
		likes, err := strconv.Atoi(t.Likes)
		if err != nil {
			likes = 0
		}
		if likes > bestLikes {
			best, bestLikes = t.URL, likes
		}
	}
	return best, best != ""
}

// ArtistImage returns a picture URL for mbid, or PlaceholderURL.
func (c *Client) ArtistImage(ctx context.Context, mbid string) string {
	if c.cfg.APIKey == "" {
		lookupsTotal.WithLabelValues("disabled").Inc()
		return PlaceholderURL
	}

	key := cache.Key{Namespace: cacheNamespace, ID: mbid}
	if c.cache != nil {
		if entry, err := c.cache.Get(ctx, key); err == nil {
			var cached string
			if entry.Decode(&cached) == nil && cached != "" {
				lookupsTotal.WithLabelValues("cached").Inc()
				return cached
			}
		}
	}

	imageURL, expires, err := c.lookup(ctx, mbid)
	if err != nil {
		lookupsTotal.WithLabelValues("error").Inc()
		c.logger.Warn().Err(err).Str("mbid", mbid).Msg("Artist image lookup failed")
		return PlaceholderURL
	}

	result := "found"
	if imageURL == PlaceholderURL {
		result = "none"
	}
	lookupsTotal.WithLabelValues(result).Inc()

	c.cache.Store(ctx, key, imageURL, time.Until(expires))
	return imageURL
}

// lookup queries fanart.tv. A 404 or an artist without thumbs is a
// cacheable PlaceholderURL, not an error.
func (c *Client) lookup(ctx context.Context, mbid string) (string, time.Time, error) {
	target := fmt.Sprintf("%s/music/%s?%s",
		strings.TrimRight(c.cfg.BaseURL, "/"),
		url.PathEscape(mbid),
		url.Values{"api_key": []string{c.cfg.APIKey}}.Encode(),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("fanart request: %w", err)
	}
	defer resp.Body.Close()

	expires := cache.ExpiresFromHeaders(resp.Header, c.cfg.CacheTTL)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		c.logger.Debug().Str("mbid", mbid).Msg("No fanart entry for artist")
		return PlaceholderURL, expires, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", time.Time{}, fmt.Errorf("fanart status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var info musicResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", time.Time{}, fmt.Errorf("decode fanart response: %w", err)
	}

	if best, ok := BestThumb(info.ArtistThumb); ok {
		return best, expires, nil
	}
	return PlaceholderURL, expires, nil
}
