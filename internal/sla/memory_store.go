package sla

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local Repository. It only provides exactly-once
// firing among goroutines of one process.
type MemoryStore struct {
	mu     sync.Mutex
	timers map[string]Timer
	now    func() time.Time
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{timers: make(map[string]Timer), now: now}
}

func (s *MemoryStore) Create(ctx context.Context, t Timer) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.timers[t.ID]; ok {
		return fmt.Errorf("%w: duplicate id %s", ErrInvalidTimer, t.ID)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now().UTC()
	}
	s.timers[t.ID] = t

	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Timer, error) {
	if err := ctx.Err(); err != nil {
		return Timer{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[id]
	if !ok {
		return Timer{}, ErrTimerNotFound
	}
	return t, nil
}

func (s *MemoryStore) ListByIncident(ctx context.Context, incidentID string) ([]Timer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := make([]Timer, 0)
	for _, t := range s.timers {
		if t.IncidentID == incidentID {
			out = append(out, t)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return out, nil
}

func (s *MemoryStore) FindDue(ctx context.Context, now time.Time) ([]Timer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]Timer, 0)
	for _, t := range s.timers {
		if t.DueAt(now) {
			due = append(due, t)
		}
	}
	return due, nil
}

func (s *MemoryStore) TryMarkFired(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[id]
	if !ok {
		return false, ErrTimerNotFound
	}
	if t.Fired {
		return false, nil
	}

	at := s.now().UTC()
	t.Fired = true
	t.FiredAt = &at
	s.timers[id] = t

	return true, nil
}
