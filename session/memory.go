package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory.
//
// It is suitable for a single instance only: records are lost on restart and
// are not visible to other processes.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the clock used for expiry checks.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		records: make(map[string]*Record),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// live returns the stored record for id, evicting it if expired.
// s.mu must be held.
func (s *MemoryStore) live(id string) (*Record, bool) {
	rec, ok := s.records[id]
	if !ok {
		return nil, false
	}
	if rec.Expired(s.now()) {
		delete(s.records, id)
		return nil, false
	}
	return rec, true
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.live(id)
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Create(_ context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(rec.ID); ok {
		return fmt.Errorf("%w: id already in use", ErrConflict)
	}
	s.records[rec.ID] = rec.Clone()
	return nil
}

func (s *MemoryStore) Update(_ context.Context, id string, fn UpdateFunc) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.live(id)
	if !ok {
		return nil, ErrNotFound
	}
	next := cur.Clone()
	if err := applyUpdate(next, fn); err != nil {
		return nil, err
	}
	s.records[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) Destroy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

// Len returns the number of stored records, including expired ones not yet swept.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Sweep evicts expired records and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for id, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, id)
			n++
		}
	}
	return n
}

// StartSweeper evicts expired records every interval until ctx is done.
func (s *MemoryStore) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Sweep()
			}
		}
	}()
}

var _ Store = (*MemoryStore)(nil)
