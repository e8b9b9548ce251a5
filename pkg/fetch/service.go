// Package fetch runs per-artist setlist fetches and streams their results
// through the broadcast registry.
//
// Service.Start decides synchronously whether a request joins a running
// fetch, resumes a completed artist or starts from scratch, then launches at
// most one coordinator goroutine per artist. A coordinator pages the
// upstream in order, persists every page before broadcasting it, and always
// ends with a single goodbye.
package fetch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/setlist-stream/pkg/broadcast"
	"github.com/Sternrassler/setlist-stream/pkg/record"
	"github.com/Sternrassler/setlist-stream/pkg/store"
	"github.com/Sternrassler/setlist-stream/pkg/upstream"
	"github.com/rs/zerolog"
)

var (
	// ErrShuttingDown is returned by Start after Shutdown.
	ErrShuttingDown = errors.New("fetch service is shutting down")

	// ErrFetchActive is returned by Purge while a fetch for the artist runs.
	ErrFetchActive = errors.New("fetch in progress")

	// ErrInvalidID is returned for an empty artist id.
	ErrInvalidID = errors.New("artist id is required")
)

// Upstream is the part of the setlist.fm client a fetch needs.
type Upstream interface {
	GetArtist(ctx context.Context, mbid string) (*upstream.Artist, error)
	GetSetlistPage(ctx context.Context, mbid string, page int) (*upstream.SetlistPage, error)
}

// Store is the persistence a fetch needs.
type Store = store.Store

// Config holds the service configuration.
type Config struct {
	// StaleThreshold is how long an in-progress artist may go without an
	// update before it is considered abandoned.
	StaleThreshold time.Duration
}

// DefaultConfig returns the default service configuration.
func DefaultConfig() Config {
	return Config{StaleThreshold: 15 * time.Second}
}

// Outcome describes how Start handled a request.
type Outcome struct {
	MBID string
	Mode Mode

	// Reclaimed is set when a stale in-progress artist was purged first.
	Reclaimed bool
}

// Service owns the active coordinators.
type Service struct {
	cfg      Config
	upstream Upstream
	store    Store
	registry *broadcast.Registry
	logger   zerolog.Logger

	// now is replaceable for tests.
	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	active   map[string]*coordinator
	shutdown bool
}

// NewService creates a fetch service.
func NewService(cfg Config, up Upstream, st Store, registry *broadcast.Registry, logger zerolog.Logger) *Service {
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultConfig().StaleThreshold
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:      cfg,
		upstream: up,
		store:    st,
		registry: registry,
		logger:   logger,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[string]*coordinator),
	}
}

// Start begins or joins the fetch for mbid. It returns once the channel is
// registered; the fetch itself runs in the background. Storage read failures
// during the decision are not returned; they end the fetch early with
// hadError and leave stored records untouched.
func (s *Service) Start(ctx context.Context, mbid string) (Outcome, error) {
	mbid = strings.TrimSpace(mbid)
	if mbid == "" {
		return Outcome{}, ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return Outcome{}, ErrShuttingDown
	}

	logger := s.logger.With().Str("mbid", mbid).Logger()
	out := Outcome{MBID: mbid}

	// A coordinator whose channel already said goodbye is only lingering;
	// its artist is finished and may be resumed.
	_, lingering := s.active[mbid]
	if lingering && s.registry.CanJoin(mbid) {
		out.Mode = ModeJoin
		fetchesStarted.WithLabelValues(out.Mode.String()).Inc()
		logger.Debug().Msg("Joining running fetch")
		return out, nil
	}

	c := &coordinator{
		mbid:     mbid,
		upstream: s.upstream,
		store:    s.store,
		registry: s.registry,
		logger:   logger,
	}

	status, err := s.store.CheckSubject(ctx, mbid)

	switch {
	case err != nil:
		// Without the stored state neither a fresh insert (which would wipe
		// the records) nor a resume is safe.
		logger.Error().Err(err).Msg("Progress check failed, ending fetch without touching stored records")
		c.mode = ModeAborted
		c.degraded = true

	case lingering && status.Exists && status.InProgress:
		// The in-progress flag is our own finished coordinator's, left behind
		// by a failed MarkComplete.
		logger.Warn().Msg("Previous fetch did not mark the artist complete, resuming it")
		c.mode = ModeAppend
		s.prepareAppend(ctx, c)

	case status.IsStale(s.now(), s.cfg.StaleThreshold):
		logger.Warn().
			Time("last_updated", status.LastUpdated).
			Msg("Reclaiming stale in-progress artist")
		if err := s.store.DeleteSubject(ctx, mbid); err != nil {
			logger.Error().Err(err).Msg("Failed to delete stale artist")
		}
		staleReclaimed.Inc()
		out.Reclaimed = true
		c.mode = ModeFresh

	case status.Exists && status.InProgress:
		// Another owner is paging and still making progress.
		out.Mode = ModeJoin
		fetchesStarted.WithLabelValues(out.Mode.String()).Inc()
		logger.Info().Msg("Artist fetch in progress elsewhere, not starting another")
		return out, nil

	case status.Exists:
		c.mode = ModeAppend
		s.prepareAppend(ctx, c)

	default:
		c.mode = ModeFresh
	}

	if err := s.registry.AddSubject(mbid, c); err != nil {
		// A previous channel for this artist is still open.
		out.Mode = ModeJoin
		fetchesStarted.WithLabelValues(out.Mode.String()).Inc()
		logger.Warn().Err(err).Msg("Channel still registered, joining instead")
		return out, nil
	}

	out.Mode = c.mode
	fetchesStarted.WithLabelValues(out.Mode.String()).Inc()
	s.active[mbid] = c
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		c.run(s.ctx)

		s.mu.Lock()
		if s.active[mbid] == c {
			delete(s.active, mbid)
		}
		s.mu.Unlock()
	}()

	return out, nil
}

// prepareAppend reopens a completed artist and preloads its records so that
// joiners see the full history. Only an artist with no dated record is
// refetched from scratch. Read failures never lead to a fresh insert, which
// would drop the stored records.
func (s *Service) prepareAppend(ctx context.Context, c *coordinator) {
	latest, ok, err := s.store.MostRecentRecord(ctx, c.mbid)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to read resume point, ending fetch without touching stored records")
		c.mode = ModeAborted
		c.degraded = true
		if existing, err := s.store.AllRecords(ctx, c.mbid); err == nil {
			c.fetched = existing
		}
		return
	}
	if !ok {
		c.logger.Info().Msg("No resume point, refetching artist")
		c.mode = ModeFresh
		return
	}

	existing, err := s.store.AllRecords(ctx, c.mbid)
	if err != nil {
		// Resume anyway; joiners only miss the history.
		c.logger.Warn().Err(err).Msg("Failed to preload records, streaming new setlists only")
		c.degraded = true
		existing = nil
	}

	if err := s.store.ReinsertSubject(ctx, c.mbid); err != nil {
		c.logger.Error().Err(err).Msg("Failed to reopen artist")
	}

	boundary := latest
	c.boundary = &boundary
	c.fetched = append([]record.Record(nil), existing...)

	c.logger.Debug().
		Int("stored", len(existing)).
		Str("resume_after", latest.EventDate).
		Msg("Resuming artist")
}

// Active reports whether a coordinator for mbid is running in this process.
func (s *Service) Active(mbid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[mbid]
	return ok
}

// Purge deletes an artist's stored records so the next Start fetches from
// scratch. It refuses while a fetch for the artist is running.
func (s *Service) Purge(ctx context.Context, mbid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[mbid]; ok {
		return ErrFetchActive
	}
	if err := s.store.DeleteSubject(ctx, mbid); err != nil {
		return err
	}
	s.logger.Info().Str("mbid", mbid).Msg("Artist purged")
	return nil
}

// Wait blocks until every coordinator started so far has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Shutdown stops accepting fetches, cancels running ones and waits for them
// to send their goodbye, or until ctx is done.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
