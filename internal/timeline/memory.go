package timeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLog keeps events in process memory.
type MemoryLog struct {
	mu     sync.RWMutex
	events map[string][]Event
	byID   map[string]Event
	now    func() time.Time
}

// NewMemoryLog creates an empty log. A nil clock uses time.Now.
func NewMemoryLog(now func() time.Time) *MemoryLog {
	if now == nil {
		now = time.Now
	}
	return &MemoryLog{
		events: make(map[string][]Event),
		byID:   make(map[string]Event),
		now:    now,
	}
}

func (l *MemoryLog) Append(ctx context.Context, incidentID, typ string, detail any, opts ...AppendOption) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	if err := validate(incidentID, typ); err != nil {
		return Event{}, err
	}

	raw, err := encodeDetail(detail)
	if err != nil {
		return Event{}, err
	}

	o := buildOptions(opts)
	if o.id == "" {
		o.id = uuid.NewString()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.byID[o.id]; ok {
		return existing, nil
	}

	ev := Event{
		ID:         o.id,
		IncidentID: incidentID,
		Type:       typ,
		Detail:     raw,
		Timestamp:  l.now().UTC().Truncate(time.Microsecond),
	}
	l.events[incidentID] = append(l.events[incidentID], ev)
	l.byID[ev.ID] = ev

	return ev, nil
}

func (l *MemoryLog) Read(ctx context.Context, incidentID string) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	out := make([]Event, len(l.events[incidentID]))
	copy(out, l.events[incidentID])
	l.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})

	return out, nil
}

// Len returns the total number of stored events.
func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byID)
}
