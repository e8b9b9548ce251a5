package store

import (
	"context"
	"sync"
	"time"

	"github.com/Sternrassler/setlist-stream/pkg/record"
)

type memoryDoc struct {
	name        string
	inProgress  bool
	lastUpdated time.Time
	records     []record.Record
}

// MemoryStore is an in-process Store. It backs tests and single-process
// deployments that do not need durability.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   map[string]*memoryDoc
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*memoryDoc)}
}

// InsertSubject implements Store.
func (s *MemoryStore) InsertSubject(_ context.Context, mbid, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return newStorageError(BackendMemory, "insert", mbid, ErrClosed)
	}
	s.docs[mbid] = &memoryDoc{name: name, inProgress: true, lastUpdated: time.Now()}
	return nil
}

// ReinsertSubject implements Store.
func (s *MemoryStore) ReinsertSubject(_ context.Context, mbid string) error {
	return s.update("reinsert", mbid, func(d *memoryDoc) {
		d.inProgress = true
		d.lastUpdated = time.Now()
	})
}

// CheckSubject implements Store.
func (s *MemoryStore) CheckSubject(_ context.Context, mbid string) (Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Status{}, newStorageError(BackendMemory, "check", mbid, ErrClosed)
	}
	d, ok := s.docs[mbid]
	if !ok {
		return Status{}, nil
	}
	return Status{Exists: true, InProgress: d.inProgress, LastUpdated: d.lastUpdated}, nil
}

// AppendRecords implements Store.
func (s *MemoryStore) AppendRecords(_ context.Context, mbid string, records []record.Record) error {
	return s.update("append", mbid, func(d *memoryDoc) {
		d.records = append(d.records, records...)
		d.lastUpdated = time.Now()
	})
}

// AllRecords implements Store.
func (s *MemoryStore) AllRecords(_ context.Context, mbid string) ([]record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, newStorageError(BackendMemory, "all_records", mbid, ErrClosed)
	}
	d, ok := s.docs[mbid]
	if !ok {
		return nil, nil
	}
	out := make([]record.Record, len(d.records))
	copy(out, d.records)
	return out, nil
}

// MostRecentRecord implements Store.
func (s *MemoryStore) MostRecentRecord(ctx context.Context, mbid string) (record.Record, bool, error) {
	records, err := s.AllRecords(ctx, mbid)
	if err != nil {
		return record.Record{}, false, err
	}
	rec, ok := record.MostRecent(records)
	return rec, ok, nil
}

// MarkComplete implements Store.
func (s *MemoryStore) MarkComplete(_ context.Context, mbid string) error {
	return s.update("mark_complete", mbid, func(d *memoryDoc) {
		d.inProgress = false
		d.lastUpdated = time.Now()
	})
}

// DeleteSubject implements Store.
func (s *MemoryStore) DeleteSubject(_ context.Context, mbid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return newStorageError(BackendMemory, "delete", mbid, ErrClosed)
	}
	delete(s.docs, mbid)
	return nil
}

// Close implements Store. Later calls fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// update applies fn to an existing document. Missing artists are a no-op.
func (s *MemoryStore) update(op, mbid string, fn func(d *memoryDoc)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return newStorageError(BackendMemory, op, mbid, ErrClosed)
	}
	if d, ok := s.docs[mbid]; ok {
		fn(d)
	}
	return nil
}
