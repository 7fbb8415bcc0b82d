// Package timeline is the append-only per-incident event log.
package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Event types written by the engine.
const (
	TypeSLAStarted = "sla_started"
	TypeSLABreach  = "sla_breach"
	TypeComment    = "comment"
)

var (
	ErrInvalidEvent = errors.New("timeline: invalid event")
	ErrUnavailable  = errors.New("timeline: store unavailable")
)

// Event is one entry of an incident timeline.
type Event struct {
	ID         string          `json:"id"`
	IncidentID string          `json:"incidentId"`
	Type       string          `json:"type"`
	Detail     json.RawMessage `json:"detail"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Log appends and reads incident events. Events are never updated or deleted.
type Log interface {
	// Append records an event. With WithEventID the append is idempotent:
	// a second append with the same id returns the stored event unchanged.
	Append(ctx context.Context, incidentID, typ string, detail any, opts ...AppendOption) (Event, error)
	// Read returns the incident's events ordered by timestamp, then insertion.
	Read(ctx context.Context, incidentID string) ([]Event, error)
}

type appendOptions struct {
	id string
}

// AppendOption customizes a single append.
type AppendOption func(*appendOptions)

// WithEventID fixes the event id instead of generating one.
func WithEventID(id string) AppendOption {
	return func(o *appendOptions) { o.id = id }
}

func buildOptions(opts []AppendOption) appendOptions {
	var o appendOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func encodeDetail(detail any) (json.RawMessage, error) {
	switch d := detail.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(d) == 0 {
			return json.RawMessage(`{}`), nil
		}
		if !json.Valid(d) {
			return nil, ErrInvalidEvent
		}
		return d, nil
	}

	raw, err := json.Marshal(detail)
	if err != nil {
		return nil, errors.Join(ErrInvalidEvent, err)
	}
	return raw, nil
}

func validate(incidentID, typ string) error {
	if incidentID == "" || typ == "" {
		return ErrInvalidEvent
	}
	return nil
}
