package outbox

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps entries in process memory. Entries do not survive a
// restart.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Enqueue(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[e.ID]; ok {
		return nil
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	s.entries[e.ID] = e

	return nil
}

func (s *MemoryStore) Due(ctx context.Context, now time.Time, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	due := make([]Entry, 0)
	for _, e := range s.entries {
		if e.Status == StatusPending && !e.NextAttemptAt.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

func (s *MemoryStore) Claim(ctx context.Context, id string, attempts int, leaseUntil time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return false, ErrNotFound
	}
	if e.Status != StatusPending || e.Attempts != attempts {
		return false, nil
	}

	e.Attempts++
	e.NextAttemptAt = leaseUntil
	s.entries[id] = e

	return true, nil
}

func (s *MemoryStore) Save(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.entries[e.ID]
	if !ok {
		return ErrNotFound
	}

	stored.TimelineDone = e.TimelineDone
	stored.Published = e.Published
	stored.Attempts = e.Attempts
	stored.NextAttemptAt = e.NextAttemptAt
	stored.LastError = e.LastError
	stored.Status = e.Status
	stored.UpdatedAt = e.UpdatedAt
	s.entries[e.ID] = stored

	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}
