// Package config loads the server configuration from the environment.
//
// A .env file in the working directory is read first when present. Values
// already set in the environment win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/setlist-stream/pkg/broadcast"
	"github.com/Sternrassler/setlist-stream/pkg/cache"
	"github.com/Sternrassler/setlist-stream/pkg/fetch"
	"github.com/Sternrassler/setlist-stream/pkg/imagery"
	"github.com/Sternrassler/setlist-stream/pkg/logging"
	"github.com/Sternrassler/setlist-stream/pkg/ratelimit"
	"github.com/Sternrassler/setlist-stream/pkg/store"
	"github.com/Sternrassler/setlist-stream/pkg/upstream"
	"github.com/joho/godotenv"
)

// Config is the complete server configuration.
type Config struct {
	Port      string
	LogLevel  string
	LogPretty bool

	StoreBackend string
	RedisURL     string
	SQLitePath   string

	SetlistFMKey     string
	SetlistFMBaseURL string
	FanartKey        string
	FanartBaseURL    string
	UserAgent        string

	RateLimitInterval time.Duration
	MaxAttempts       int
	MaxBackoff        time.Duration

	StaleThreshold time.Duration
	GoodbyeWait    time.Duration
	GoodbyePoll    time.Duration
	Linger         time.Duration
	CacheTTL       time.Duration
}

// Default returns the configuration used when no variable is set.
func Default() Config {
	up := upstream.DefaultConfig("")
	reg := broadcast.DefaultConfig()
	return Config{
		Port:              "8080",
		LogLevel:          string(logging.LevelInfo),
		StoreBackend:      store.BackendRedis,
		RedisURL:          "localhost:6379",
		SQLitePath:        store.DefaultSQLiteConfig().Path,
		SetlistFMBaseURL:  upstream.DefaultBaseURL,
		FanartBaseURL:     imagery.DefaultBaseURL,
		UserAgent:         up.UserAgent,
		RateLimitInterval: ratelimit.DefaultMinInterval,
		MaxAttempts:       up.Retry.MaxAttempts,
		MaxBackoff:        up.Retry.MaxBackoff,
		StaleThreshold:    fetch.DefaultConfig().StaleThreshold,
		GoodbyeWait:       reg.GoodbyeWait,
		GoodbyePoll:       reg.PollInterval,
		Linger:            reg.Linger,
		CacheTTL:          cache.DefaultTTL,
	}
}

// Load reads .env (if any) and the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("read .env: %w", err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup, starting at Default. Malformed values
// are reported together.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	p := parser{lookup: lookup}

	p.str("PORT", &cfg.Port)
	p.str("LOG_LEVEL", &cfg.LogLevel)
	p.boolean("LOG_PRETTY", &cfg.LogPretty)

	p.str("STORE_BACKEND", &cfg.StoreBackend)
	p.str("REDIS_URL", &cfg.RedisURL)
	p.str("SQLITE_PATH", &cfg.SQLitePath)

	p.str("SETLISTFM_API_KEY", &cfg.SetlistFMKey)
	p.str("SETLISTFM_BASE_URL", &cfg.SetlistFMBaseURL)
	p.str("FANART_API_KEY", &cfg.FanartKey)
	p.str("FANART_BASE_URL", &cfg.FanartBaseURL)
	p.str("USER_AGENT", &cfg.UserAgent)

	p.duration("RATE_LIMIT_INTERVAL", &cfg.RateLimitInterval)
	p.integer("MAX_ATTEMPTS", &cfg.MaxAttempts)
	p.duration("MAX_BACKOFF", &cfg.MaxBackoff)

	p.duration("STALE_THRESHOLD", &cfg.StaleThreshold)
	p.duration("GOODBYE_WAIT", &cfg.GoodbyeWait)
	p.duration("GOODBYE_POLL", &cfg.GoodbyePoll)
	p.duration("LINGER", &cfg.Linger)
	p.duration("CACHE_TTL", &cfg.CacheTTL)

	if err := errors.Join(p.errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges. It does not require API keys; a missing
// setlist.fm key is only warned about by the upstream client.
func (c Config) Validate() error {
	var errs []error

	switch c.StoreBackend {
	case store.BackendRedis, store.BackendSQLite, store.BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND: unknown backend %q", c.StoreBackend))
	}
	if c.StoreBackend == store.BackendSQLite && c.SQLitePath == "" {
		errs = append(errs, errors.New("SQLITE_PATH: required for the sqlite backend"))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		errs = append(errs, fmt.Errorf("PORT: %q is not a number", c.Port))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, errors.New("MAX_ATTEMPTS: must be at least 1"))
	}

	for name, d := range map[string]time.Duration{
		"RATE_LIMIT_INTERVAL": c.RateLimitInterval,
		"MAX_BACKOFF":         c.MaxBackoff,
		"STALE_THRESHOLD":     c.StaleThreshold,
		"GOODBYE_POLL":        c.GoodbyePoll,
		"CACHE_TTL":           c.CacheTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive", name))
		}
	}
	for name, d := range map[string]time.Duration{
		"GOODBYE_WAIT": c.GoodbyeWait,
		"LINGER":       c.Linger,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s: must not be negative", name))
		}
	}

	return errors.Join(errs...)
}

// Logging returns the logger configuration.
func (c Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(strings.ToLower(c.LogLevel))
	cfg.Pretty = c.LogPretty
	return cfg
}

// Gate returns the rate gate configuration.
func (c Config) Gate() ratelimit.Config {
	return ratelimit.Config{MinInterval: c.RateLimitInterval}
}

// Upstream returns the setlist.fm client configuration. The caller sets Gate.
func (c Config) Upstream() upstream.Config {
	cfg := upstream.DefaultConfig(c.SetlistFMKey)
	cfg.BaseURL = c.SetlistFMBaseURL
	cfg.UserAgent = c.UserAgent
	cfg.Retry.MaxAttempts = c.MaxAttempts
	cfg.Retry.InitialBackoff = c.RateLimitInterval
	cfg.Retry.MaxBackoff = c.MaxBackoff
	return cfg
}

// Store returns the record store configuration.
func (c Config) Store() store.Config {
	cfg := store.DefaultConfig()
	cfg.Backend = c.StoreBackend
	cfg.SQLite.Path = c.SQLitePath
	return cfg
}

// Fetch returns the fetch service configuration.
func (c Config) Fetch() fetch.Config {
	return fetch.Config{StaleThreshold: c.StaleThreshold}
}

// Broadcast returns the registry configuration.
func (c Config) Broadcast() broadcast.Config {
	cfg := broadcast.DefaultConfig()
	cfg.GoodbyeWait = c.GoodbyeWait
	cfg.PollInterval = c.GoodbyePoll
	cfg.Linger = c.Linger
	return cfg
}

// Imagery returns the fanart.tv configuration.
func (c Config) Imagery() imagery.Config {
	cfg := imagery.DefaultConfig(c.FanartKey)
	cfg.BaseURL = c.FanartBaseURL
	cfg.CacheTTL = c.CacheTTL
	return cfg
}

type parser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *parser) get(key string) (string, bool) {
	v, ok := p.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (p *parser) str(key string, dst *string) {
	if v, ok := p.get(key); ok {
		*dst = v
	}
}

func (p *parser) boolean(key string, dst *bool) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a boolean", key, v))
		return
	}
	*dst = b
}

func (p *parser) integer(key string, dst *int) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return
	}
	*dst = n
}

func (p *parser) duration(key string, dst *time.Duration) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}
