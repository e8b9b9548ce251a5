// Package ratelimit implements the process-wide request gate in front of the
// setlist.fm API. Every upstream call, for every artist, passes through the
// same Gate so that the shared API quota is respected regardless of how many
// fetches are running.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for the rate gate.
var (
	gateWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "setlist_rate_gate_wait_seconds",
		Help:    "Time callers spent blocked in the upstream rate gate",
		Buckets: []float64{0, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	gateAcquisitionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "setlist_rate_gate_acquisitions_total",
		Help: "Total number of upstream request slots handed out by the rate gate",
	})
)

// DefaultMinInterval is the minimum spacing between two upstream requests.
// setlist.fm documents 2 req/s but tolerates a faster cadence in practice.
const DefaultMinInterval = 250 * time.Millisecond

// Config holds the gate configuration.
type Config struct {
	// MinInterval is the minimum time between two requests across all callers.
	MinInterval time.Duration
}

// DefaultConfig returns the default gate configuration.
func DefaultConfig() Config {
	return Config{MinInterval: DefaultMinInterval}
}

// Gate enforces a global minimum inter-request interval.
//
// The underlying limiter has a burst of one, so each Acquire reserves the
// next free slot under the limiter's lock (check-and-stamp) and then sleeps
// until that slot arrives.
type Gate struct {
	limiter  *rate.Limiter
	interval time.Duration
	logger   zerolog.Logger

	mu   sync.Mutex
	last time.Time
}

// NewGate creates a gate. A non-positive interval falls back to DefaultMinInterval.
func NewGate(cfg Config, logger zerolog.Logger) *Gate {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	return &Gate{
		limiter:  rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		interval: cfg.MinInterval,
		logger:   logger,
	}
}

// Acquire blocks until the caller may issue one upstream request.
// It returns early with an error if ctx is done first.
func (g *Gate) Acquire(ctx context.Context) error {
	start := time.Now()

	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate gate: %w", err)
	}

	now := time.Now()
	waited := now.Sub(start)

	g.mu.Lock()
	g.last = now
	g.mu.Unlock()

	gateAcquisitionsTotal.Inc()
	gateWaitSeconds.Observe(waited.Seconds())

	if waited >= g.interval {
		g.logger.Debug().
			Dur("waited", waited).
			Msg("Rate gate contended")
	}

	return nil
}

// Interval returns the configured minimum inter-request interval.
func (g *Gate) Interval() time.Duration {
	return g.interval
}

// LastAcquired returns when the most recent slot was handed out.
// The zero time means the gate has never been used.
func (g *Gate) LastAcquired() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}
