// Package sla tracks per-incident SLA deadlines and fires each one exactly
// once, however many scanners race on the same store.
package sla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTimerNotFound    = errors.New("sla: timer not found")
	ErrInvalidTimer     = errors.New("sla: invalid timer")
	ErrStoreUnavailable = errors.New("sla: store unavailable")
	ErrTickInProgress   = errors.New("sla: scan tick already in progress")
)

// Timer is a deadline-bound obligation on an incident.
type Timer struct {
	ID         string     `json:"id"`
	IncidentID string     `json:"incidentId"`
	Kind       string     `json:"kind"`
	Deadline   time.Time  `json:"deadline"`
	Fired      bool       `json:"fired"`
	FiredAt    *time.Time `json:"firedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// NewTimer builds an unfired timer with a fresh id.
func NewTimer(incidentID, kind string, deadline, now time.Time) Timer {
	return Timer{
		ID:         uuid.NewString(),
		IncidentID: incidentID,
		Kind:       kind,
		Deadline:   deadline.UTC().Truncate(time.Millisecond),
		CreatedAt:  now.UTC().Truncate(time.Millisecond),
	}
}

// Validate checks the fields every store requires.
func (t Timer) Validate() error {
	switch {
	case t.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidTimer)
	case t.IncidentID == "":
		return fmt.Errorf("%w: missing incident id", ErrInvalidTimer)
	case t.Kind == "":
		return fmt.Errorf("%w: missing kind", ErrInvalidTimer)
	case t.Deadline.IsZero():
		return fmt.Errorf("%w: missing deadline", ErrInvalidTimer)
	}
	return nil
}

// DueAt reports whether the timer is unfired with a deadline at or before now.
func (t Timer) DueAt(now time.Time) bool {
	return !t.Fired && !t.Deadline.After(now)
}

// FiringResult is the outcome of one Fire call.
type FiringResult int

const (
	// Failed means the transition could not be attempted; the timer stays
	// due and is retried on a later tick.
	Failed FiringResult = iota
	// Fired means this call performed the transition.
	Fired
	// AlreadyFired means another caller owns the firing.
	AlreadyFired
)

func (r FiringResult) String() string {
	switch r {
	case Fired:
		return "fired"
	case AlreadyFired:
		return "already_fired"
	default:
		return "failed"
	}
}

// Firing is the notification produced by a fired timer.
type Firing struct {
	TimerID    string
	IncidentID string
	Kind       string
	FiredAt    time.Time
}

// Store is what the scanner and the coordinator need from the deadline store.
type Store interface {
	// FindDue returns unfired timers with deadline <= now, in no particular order.
	FindDue(ctx context.Context, now time.Time) ([]Timer, error)
	// TryMarkFired sets fired=true iff the timer is unfired, atomically.
	// It returns true only for the caller that performed the transition.
	TryMarkFired(ctx context.Context, id string) (bool, error)
}

// Repository adds timer creation and lookup to Store.
type Repository interface {
	Store
	Create(ctx context.Context, t Timer) error
	Get(ctx context.Context, id string) (Timer, error)
	ListByIncident(ctx context.Context, incidentID string) ([]Timer, error)
}
