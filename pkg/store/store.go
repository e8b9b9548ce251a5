// Package store persists, per artist, the ordered sequence of fetched
// records plus fetch-progress metadata (in-progress flag, last update).
//
// Backends log failures and return neutral results (empty slices, zero
// Status) alongside the error, so the fetch pipeline can keep serving fewer
// results instead of crashing. Concurrent calls for different artists are
// safe; same-artist writers are serialized by the fetch coordinator.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/setlist-stream/pkg/record"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var storeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "setlist_store_errors_total",
	Help: "Total number of record store operation errors",
}, []string{"backend", "op"})

// Backend names.
const (
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// ErrClosed is returned by a backend after Close.
var ErrClosed = errors.New("store closed")

// Status is the fetch-progress metadata of one artist.
type Status struct {
	Exists      bool
	InProgress  bool
	LastUpdated time.Time
}

// IsStale reports whether an in-progress fetch has made no progress for
// longer than threshold, which means its coordinator is presumed dead.
func (s Status) IsStale(now time.Time, threshold time.Duration) bool {
	return s.Exists && s.InProgress && now.Sub(s.LastUpdated) > threshold
}

// Store is the Record Store contract, keyed by artist MBID.
type Store interface {
	// InsertSubject creates the artist with InProgress set and no records.
	// Callers check existence first; the store does not dedupe.
	InsertSubject(ctx context.Context, mbid, name string) error

	// ReinsertSubject sets InProgress again and refreshes LastUpdated,
	// keeping existing records.
	ReinsertSubject(ctx context.Context, mbid string) error

	// CheckSubject returns the artist's progress metadata.
	CheckSubject(ctx context.Context, mbid string) (Status, error)

	// AppendRecords atomically appends records and refreshes LastUpdated.
	AppendRecords(ctx context.Context, mbid string, records []record.Record) error

	// AllRecords returns every stored record in insertion order.
	AllRecords(ctx context.Context, mbid string) ([]record.Record, error)

	// MostRecentRecord returns the stored record with the greatest event date.
	MostRecentRecord(ctx context.Context, mbid string) (record.Record, bool, error)

	// MarkComplete clears InProgress and refreshes LastUpdated.
	MarkComplete(ctx context.Context, mbid string) error

	// DeleteSubject removes the artist and all its records.
	DeleteSubject(ctx context.Context, mbid string) error

	// Close releases backend resources.
	Close() error
}

// StorageError wraps a backend failure.
type StorageError struct {
	Backend string
	Op      string
	MBID    string
	Err     error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.MBID == "" {
		return fmt.Sprintf("%s store %s: %v", e.Backend, e.Op, e.Err)
	}
	return fmt.Sprintf("%s store %s for %s: %v", e.Backend, e.Op, e.MBID, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err is (or wraps) a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// newStorageError counts and wraps a backend failure.
func newStorageError(backend, op, mbid string, err error) error {
	storeErrorsTotal.WithLabelValues(backend, op).Inc()
	return &StorageError{Backend: backend, Op: op, MBID: mbid, Err: err}
}
