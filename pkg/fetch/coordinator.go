package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/Sternrassler/setlist-stream/pkg/broadcast"
	"github.com/Sternrassler/setlist-stream/pkg/record"
	"github.com/Sternrassler/setlist-stream/pkg/upstream"
	"github.com/rs/zerolog"
)

// PlaceholderName is stored when the artist name cannot be resolved.
const PlaceholderName = "Unknown artist"

// Mode is how a Start request was satisfied.
type Mode int

const (
	// ModeJoin attached to a fetch that is already running.
	ModeJoin Mode = iota

	// ModeFresh started a fetch from page 1 with an empty record list.
	ModeFresh

	// ModeAppend resumed a completed artist, fetching only newer setlists.
	ModeAppend

	// ModeAborted opened a channel that ends at once with hadError because
	// the artist's stored state could not be read. Nothing is written.
	ModeAborted
)

func (m Mode) String() string {
	switch m {
	case ModeJoin:
		return "join"
	case ModeFresh:
		return "fresh"
	case ModeAppend:
		return "append"
	case ModeAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// coordinator drives the paging loop for one artist. Its fetched state is
// mutated only inside Registry.BroadcastWith so that joins observe a
// consistent snapshot.
type coordinator struct {
	mbid     string
	mode     Mode
	upstream Upstream
	store    Store
	registry *broadcast.Registry
	logger   zerolog.Logger

	// boundary is the most recent stored record (append mode only).
	boundary *record.Record

	// degraded is set when stored state could not be fully read; the
	// goodbye then reports hadError.
	degraded bool

	mu       sync.Mutex
	fetched  []record.Record
	total    *int
	hadError bool
}

// Snapshot implements broadcast.Source.
func (c *coordinator) Snapshot() ([]record.Record, *int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]record.Record, len(c.fetched))
	copy(out, c.fetched)
	return out, c.total
}

func (c *coordinator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fetched)
}

// run pages the upstream until exhaustion, error or the resume boundary,
// then concludes. The goodbye is sent exactly once.
func (c *coordinator) run(ctx context.Context) {
	start := time.Now()
	fetchesActive.Inc()
	defer fetchesActive.Dec()

	c.logger.Info().Str("mode", c.mode.String()).Msg("Starting setlist fetch")

	if c.degraded {
		c.setError()
	}

	switch c.mode {
	case ModeAborted:
		c.conclude(ctx, start)
		return
	case ModeFresh:
		name := c.resolveName(ctx)
		if err := c.store.InsertSubject(ctx, c.mbid, name); err != nil {
			c.logger.Error().Err(err).Msg("Failed to insert artist, continuing without persistence")
		}
	}

	c.page(ctx)
	c.conclude(ctx, start)
}

func (c *coordinator) resolveName(ctx context.Context) string {
	artist, err := c.upstream.GetArtist(ctx, c.mbid)
	if err != nil || artist == nil || artist.Name == "" {
		c.logger.Warn().Err(err).Msg("Could not resolve artist name, using placeholder")
		return PlaceholderName
	}
	c.logger = c.logger.With().Str("artist", artist.Name).Logger()
	return artist.Name
}

func (c *coordinator) page(ctx context.Context) {
	for page := 1; ; page++ {
		resp, err := c.upstream.GetSetlistPage(ctx, c.mbid, page)
		if err != nil {
			c.logger.Error().
				Err(err).
				Int("page", page).
				Int("fetched", c.count()).
				Msg("Aborting fetch after upstream failure")
			c.setError()
			return
		}
		pagesFetched.Inc()

		if len(resp.Setlists) == 0 {
			c.logger.Debug().Int("page", page).Msg("Empty page, fetch exhausted")
			return
		}

		kept, reachedBoundary := c.filter(resp.Setlists)

		if len(kept) > 0 {
			recs := record.FromSetlists(kept)
			if err := c.store.AppendRecords(ctx, c.mbid, recs); err != nil {
				c.logger.Error().Err(err).Int("page", page).Msg("Failed to persist records, aborting fetch")
				c.setError()
				return
			}

			c.registry.BroadcastWith(c.mbid, func() broadcast.Event {
				c.mu.Lock()
				defer c.mu.Unlock()
				c.captureTotal(resp.Total)
				offset := len(c.fetched)
				c.fetched = append(c.fetched, recs...)
				return broadcast.NewUpdate(recs, offset, c.total)
			})
			recordsFetched.Add(float64(len(recs)))
		} else {
			c.mu.Lock()
			c.captureTotal(resp.Total)
			c.mu.Unlock()
		}

		if reachedBoundary {
			c.logger.Debug().Int("page", page).Msg("Reached last known setlist")
			return
		}
	}
}

// filter drops items at or past the resume boundary. The first item that
// matches the boundary by URL, or is not newer by date, ends the fetch.
func (c *coordinator) filter(items []upstream.Setlist) ([]upstream.Setlist, bool) {
	if c.boundary == nil {
		return items, false
	}
	url := c.boundary.URL()
	for i, item := range items {
		if url != "" && item.URL == url {
			return items[:i], true
		}
		if date, ok := record.ISODate(item.EventDate); ok && date <= c.boundary.EventDate {
			return items[:i], true
		}
	}
	return items, false
}

// captureTotal records the upstream total once. Caller holds c.mu.
func (c *coordinator) captureTotal(total *int) {
	if c.total == nil && total != nil {
		t := *total
		c.total = &t
	}
}

func (c *coordinator) setError() {
	c.mu.Lock()
	c.hadError = true
	c.mu.Unlock()
}

func (c *coordinator) conclude(ctx context.Context, start time.Time) {
	// Finish bookkeeping even when the fetch was cancelled. An aborted
	// fetch never owned the artist's progress flag.
	if c.mode != ModeAborted {
		if err := c.store.MarkComplete(context.WithoutCancel(ctx), c.mbid); err != nil {
			c.logger.Error().Err(err).Msg("Failed to mark artist complete, it stays in progress until reclaimed")
		}
	}

	c.mu.Lock()
	total := len(c.fetched)
	hadError := c.hadError
	expected := c.total
	c.mu.Unlock()

	event := c.logger.Info()
	if expected != nil {
		event = event.Int("expected", *expected)
	}
	event.
		Int("records", total).
		Bool("had_error", hadError).
		Dur("duration", time.Since(start)).
		Msg("Setlist fetch finished")

	result := "ok"
	if hadError {
		result = "error"
	}
	fetchesCompleted.WithLabelValues(result).Inc()
	fetchDuration.Observe(time.Since(start).Seconds())

	c.registry.CloseChannel(ctx, c.mbid, broadcast.NewGoodbye(total, hadError))
}
