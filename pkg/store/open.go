package store

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Config selects and configures a backend.
type Config struct {
	// Backend is one of BackendRedis, BackendSQLite, BackendMemory.
	Backend string

	// SQLite is used when Backend is BackendSQLite.
	SQLite SQLiteConfig
}

// DefaultConfig returns the default store configuration (Redis).
func DefaultConfig() Config {
	return Config{
		Backend: BackendRedis,
		SQLite:  DefaultSQLiteConfig(),
	}
}

// Open creates the configured backend. redisClient is required for BackendRedis.
func Open(cfg Config, redisClient *redis.Client, logger zerolog.Logger) (Store, error) {
	logger = logger.With().Str("backend", cfg.Backend).Logger()

	switch cfg.Backend {
	case BackendRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("redis client is required for the %s backend", BackendRedis)
		}
		return NewRedisStore(redisClient, logger), nil
	case BackendSQLite:
		return OpenSQLite(cfg.SQLite, logger)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
