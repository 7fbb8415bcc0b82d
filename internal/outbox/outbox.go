// Package outbox persists firings whose delivery did not complete and
// retries the remaining steps until they succeed or run out of attempts.
package outbox

import (
	"context"
	"errors"
	"time"
)

// Status of an outbox entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusExhausted Status = "exhausted"
)

var (
	ErrNotFound    = errors.New("outbox: entry not found")
	ErrUnavailable = errors.New("outbox: store unavailable")
)

// Entry is a fired timer whose timeline append or bus publish is still owed.
// ID is the timer id, so a timer owns at most one entry.
type Entry struct {
	ID            string
	IncidentID    string
	Kind          string
	FiredAt       time.Time
	TimelineDone  bool
	Published     bool
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Done reports whether every delivery step has completed.
func (e *Entry) Done() bool {
	return e.TimelineDone && e.Published
}

// Store persists outbox entries.
type Store interface {
	// Enqueue inserts e unless an entry with the same id exists.
	Enqueue(ctx context.Context, e Entry) error
	// Due lists pending entries whose next attempt is at or before now.
	Due(ctx context.Context, now time.Time, limit int) ([]Entry, error)
	// Claim bumps the attempt counter from attempts to attempts+1 and pushes
	// the next attempt to leaseUntil. It returns false when another relay
	// claimed the entry first.
	Claim(ctx context.Context, id string, attempts int, leaseUntil time.Time) (bool, error)
	// Save writes the mutable fields of e.
	Save(ctx context.Context, e Entry) error
	Get(ctx context.Context, id string) (Entry, error)
}
