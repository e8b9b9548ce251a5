package ratelimit

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func TestNewGate_Defaults(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		want     time.Duration
	}{
		{"explicit interval", 100 * time.Millisecond, 100 * time.Millisecond},
		{"zero falls back", 0, DefaultMinInterval},
		{"negative falls back", -time.Second, DefaultMinInterval},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(Config{MinInterval: tt.interval}, testLogger())
			if g.Interval() != tt.want {
				t.Errorf("Interval() = %v, want %v", g.Interval(), tt.want)
			}
		})
	}

	if DefaultConfig().MinInterval != 250*time.Millisecond {
		t.Errorf("DefaultConfig().MinInterval = %v, want 250ms", DefaultConfig().MinInterval)
	}
}

func TestGate_FirstAcquireIsImmediate(t *testing.T) {
	g := NewGate(Config{MinInterval: time.Second}, testLogger())

	if !g.LastAcquired().IsZero() {
		t.Fatal("LastAcquired should be zero before first use")
	}

	start := time.Now()
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("first Acquire took %v, want immediate", elapsed)
	}
	if g.LastAcquired().IsZero() {
		t.Error("LastAcquired not stamped")
	}
}

func TestGate_SpacesSequentialCallers(t *testing.T) {
	interval := 40 * time.Millisecond
	g := NewGate(Config{MinInterval: interval}, testLogger())
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 4; i++ {
		if err := g.Acquire(ctx); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}

	// First slot is free, the remaining three wait one interval each.
	if elapsed := time.Since(start); elapsed < 3*interval-5*time.Millisecond {
		t.Errorf("4 acquisitions took %v, want >= %v", elapsed, 3*interval)
	}
}

func TestGate_SpacesConcurrentCallers(t *testing.T) {
	interval := 30 * time.Millisecond
	g := NewGate(Config{MinInterval: interval}, testLogger())
	ctx := context.Background()

	var (
		mu    sync.Mutex
		times []time.Time
		wg    sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.Acquire(ctx); err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			mu.Lock()
			times = append(times, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(times) != 5 {
		t.Fatalf("got %d acquisitions, want 5", len(times))
	}

	first, last := times[0], times[0]
	for _, ts := range times {
		if ts.Before(first) {
			first = ts
		}
		if ts.After(last) {
			last = ts
		}
	}
	if spread := last.Sub(first); spread < 4*interval-5*time.Millisecond {
		t.Errorf("concurrent acquisitions spread over %v, want >= %v", spread, 4*interval)
	}
}

func TestGate_ContextCancelled(t *testing.T) {
	g := NewGate(Config{MinInterval: time.Hour}, testLogger())

	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := g.Acquire(ctx)
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want wrapping context.Canceled", err)
	}
}
