// Package upstream provides the setlist.fm REST client. Every call passes
// through a shared rate gate and is retried with exponential backoff; 200 and
// 404 are the only outcomes that end the attempt loop successfully.
package upstream

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

	"github.com/Sternrassler/setlist-stream/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for upstream operations.
var (
	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "setlist_upstream_requests_total",
		Help: "Total setlist.fm request attempts by endpoint and status",
	}, []string{"endpoint", "status"})

	upstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "setlist_upstream_request_duration_seconds",
		Help:    "setlist.fm request attempt duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	upstreamRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "setlist_upstream_retries_total",
		Help: "Total number of retried attempts by error class",
	}, []string{"reason"})

	upstreamRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "setlist_upstream_retry_exhausted_total",
		Help: "Total number of logical calls that exhausted all attempts",
	}, []string{"endpoint"})
)

// Endpoint templates, used as metric labels and in errors.
const (
	endpointSearchArtists = "/search/artists"
	endpointArtist        = "/artist/{mbid}"
	endpointSetlists      = "/artist/{mbid}/setlists"
)

// DefaultBaseURL is the setlist.fm REST API root.
const DefaultBaseURL = "https://api.setlist.fm/rest/1.0"

// maxBodyBytes bounds how much of a response body is read.
const maxBodyBytes = 8 << 20

// Client is the rate-limited setlist.fm client.
type Client struct {
	httpClient *http.Client
	gate       *ratelimit.Gate
	baseURL    string
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the REST API, without trailing slash.
	BaseURL string

	// APIKey is sent as the x-api-key header.
	APIKey string

	// UserAgent header value.
	UserAgent string

	// Gate is the process-wide rate gate. Share one Gate between every client
	// that talks to the same upstream quota.
	Gate *ratelimit.Gate

	// Timeout per HTTP attempt.
	Timeout time.Duration

	// Retry policy.
	Retry RetryConfig
}

// DefaultConfig returns a default configuration for the public API.
func DefaultConfig(apiKey string) Config {
	return Config{
		BaseURL:   DefaultBaseURL,
		APIKey:    apiKey,
		UserAgent: "setlist-stream/0.1.0",
		Timeout:   30 * time.Second,
		Retry:     DefaultRetryConfig(),
	}
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if err := cfg.Retry.validate(); err != nil {
		return nil, fmt.Errorf("retry config: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	logger := log.With().Str("component", "upstream").Logger()

	if cfg.APIKey == "" {
		logger.Warn().Msg("SETLISTFM_API_KEY has not been set")
	}

	gate := cfg.Gate
	if gate == nil {
		gate = ratelimit.NewGate(ratelimit.DefaultConfig(), log.With().Str("component", "ratelimit").Logger())
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		gate:       gate,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		config:     cfg,
		logger:     logger,
	}, nil
}

// SearchArtists searches artists by name, ordered by relevance.
// A 404 yields an empty result, not an error.
func (c *Client) SearchArtists(ctx context.Context, name string) (*SearchResult, error) {
	query := url.Values{}
	query.Set("artistName", name)
	query.Set("sort", "relevance")

	body, found, err := c.get(ctx, endpointSearchArtists, "/search/artists", query, name)
	if err != nil {
		return nil, err
	}

	result := &SearchResult{}
	if !found {
		return result, nil
	}
	if err := json.Unmarshal(body, result); err != nil {
		return nil, fmt.Errorf("decode artist search: %w", err)
	}
	return result, nil
}

// GetArtist looks up a single artist by MBID. A 404 yields ErrNotFound.
func (c *Client) GetArtist(ctx context.Context, mbid string) (*Artist, error) {
	path := "/artist/" + url.PathEscape(mbid)

	body, found, err := c.get(ctx, endpointArtist, path, nil, mbid)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("artist %s: %w", mbid, ErrNotFound)
	}

	artist := &Artist{}
	if err := json.Unmarshal(body, artist); err != nil {
		return nil, fmt.Errorf("decode artist: %w", err)
	}
	return artist, nil
}

// GetSetlistPage fetches one page (1-based) of an artist's setlists, newest first.
// A 404 yields an empty page, which callers treat as exhaustion.
func (c *Client) GetSetlistPage(ctx context.Context, mbid string, page int) (*SetlistPage, error) {
	path := "/artist/" + url.PathEscape(mbid) + "/setlists"
	query := url.Values{}
	query.Set("p", strconv.Itoa(page))

	body, found, err := c.get(ctx, endpointSetlists, path, query, fmt.Sprintf("%s, page %d", mbid, page))
	if err != nil {
		return nil, err
	}

	result := &SetlistPage{Page: page}
	if !found {
		return result, nil
	}
	if err := json.Unmarshal(body, result); err != nil {
		return nil, fmt.Errorf("decode setlist page: %w", err)
	}
	return result, nil
}

// get performs a GET with rate gating and retries. found is false on 404.
func (c *Client) get(ctx context.Context, endpoint, path string, query url.Values, logInfo string) (body []byte, found bool, err error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	retry := c.config.Retry
	var (
		lastStatus int
		lastBody   string
		lastErr    error
		lastClass  ErrorClass
	)

	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		// Step 1: wait for a global request slot
		if err := c.gate.Acquire(ctx); err != nil {
			return nil, false, err
		}

		// Step 2: execute the attempt
		status, respBody, reqErr := c.attempt(ctx, endpoint, target)

		// Step 3: classify
		if reqErr != nil {
			if ctx.Err() != nil {
				return nil, false, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
			}
			lastClass = ErrorClassNetwork
			lastErr = reqErr
			lastStatus = 0
			lastBody = ""
			c.logger.Warn().
				Err(reqErr).
				Str("endpoint", endpoint).
				Str("target", logInfo).
				Int("attempt", attempt).
				Msg("Upstream request failed")
		} else {
			switch status {
			case http.StatusOK:
				if attempt > 1 {
					c.logger.Info().
						Str("endpoint", endpoint).
						Int("attempt", attempt).
						Msg("Request succeeded after retry")
				}
				return respBody, true, nil
			case http.StatusNotFound:
				return nil, false, nil
			}

			lastClass = classifyStatus(status)
			lastStatus = status
			lastBody = cleanBody(respBody)
			lastErr = nil

			if lastClass == ErrorClassRateLimit {
				c.logger.Info().
					Str("endpoint", endpoint).
					Str("target", logInfo).
					Int("attempt", attempt).
					Msg("Rate limited by upstream")
			} else {
				c.logger.Warn().
					Str("endpoint", endpoint).
					Str("target", logInfo).
					Int("status", status).
					Str("body", lastBody).
					Int("attempt", attempt).
					Msg("Upstream request error")
			}
		}

		if attempt >= retry.MaxAttempts {
			break
		}

		upstreamRetriesTotal.WithLabelValues(string(lastClass)).Inc()

		// Step 4: back off before the next attempt
		if shouldBackoff(lastClass) {
			backoff := retry.Backoff(attempt)
			c.logger.Debug().
				Str("endpoint", endpoint).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Retrying request after backoff")
			if err := sleepContext(ctx, backoff); err != nil {
				return nil, false, err
			}
		}
	}

	upstreamRetryExhaustedTotal.WithLabelValues(endpoint).Inc()
	c.logger.Error().
		Str("endpoint", endpoint).
		Str("target", logInfo).
		Int("status", lastStatus).
		Int("max_attempts", retry.MaxAttempts).
		Msg("Retry attempts exhausted")

	return nil, false, &UpstreamError{
		Endpoint:   endpoint,
		StatusCode: lastStatus,
		Body:       lastBody,
		Attempts:   retry.MaxAttempts,
		ErrorClass: lastClass,
		Err:        lastErr,
	}
}

// attempt performs a single HTTP round trip and reads the body.
func (c *Client) attempt(ctx context.Context, endpoint, target string) (int, []byte, error) {
	startTime := time.Now()
	defer func() {
		upstreamRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("x-api-key", c.config.APIKey)
	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		upstreamRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		upstreamRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		return 0, nil, fmt.Errorf("read body: %w", err)
	}

	upstreamRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
	c.logger.Debug().
		Str("endpoint", endpoint).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(startTime)).
		Msg("Upstream request completed")

	return resp.StatusCode, body, nil
}

// Gate returns the rate gate used by this client.
func (c *Client) Gate() *ratelimit.Gate {
	return c.gate
}
