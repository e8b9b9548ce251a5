// Command setlist-server resolves artists against setlist.fm and streams
// their setlist history to WebSocket clients while it is being fetched.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/setlist-stream/pkg/artist"
	"github.com/Sternrassler/setlist-stream/pkg/broadcast"
	"github.com/Sternrassler/setlist-stream/pkg/cache"
	"github.com/Sternrassler/setlist-stream/pkg/config"
	"github.com/Sternrassler/setlist-stream/pkg/fetch"
	"github.com/Sternrassler/setlist-stream/pkg/imagery"
	"github.com/Sternrassler/setlist-stream/pkg/logging"
	"github.com/Sternrassler/setlist-stream/pkg/ratelimit"
	"github.com/Sternrassler/setlist-stream/pkg/store"
	"github.com/Sternrassler/setlist-stream/pkg/upstream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Logging())
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis backs the record store and the response cache. Without it the
	// cache is disabled.
	var redisClient *redis.Client
	if cfg.StoreBackend == store.BackendRedis {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", cfg.RedisURL, err)
		}
		logger.Info().Str("addr", cfg.RedisURL).Msg("Connected to Redis")
	}

	st, err := store.Open(cfg.Store(), redisClient, logging.NewLogger("store"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	upCfg := cfg.Upstream()
	upCfg.Gate = ratelimit.NewGate(cfg.Gate(), logging.NewLogger("ratelimit"))
	client, err := upstream.New(upCfg)
	if err != nil {
		return fmt.Errorf("create setlist.fm client: %w", err)
	}

	var cacheManager *cache.Manager
	if redisClient != nil {
		cacheManager = cache.NewManager(redisClient, logging.NewLogger("cache"))
	}

	images := imagery.New(cfg.Imagery(), cacheManager, logging.NewLogger("imagery"))
	resolver := artist.NewResolver(client, images, cacheManager, cfg.CacheTTL, logging.NewLogger("artist"))
	registry := broadcast.NewRegistry(cfg.Broadcast(), logging.NewLogger("broadcast"))
	svc := fetch.NewService(cfg.Fetch(), client, st, registry, logging.NewLogger("fetch"))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newServer(resolver, svc, registry, redisClient, logging.NewLogger("http")).routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("store", cfg.StoreBackend).
			Str("user_agent", cfg.UserAgent).
			Msg("Starting setlist server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Running fetches say goodbye first, which also closes their sockets.
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Fetches did not finish before the shutdown deadline")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
