package timeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/terminal-bench/slaengine/internal/database"
)

const (
	insertEventSQL = `INSERT INTO incident_events (id, incident_id, type, detail, ts_us)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`
	selectEventSQL = `SELECT id, incident_id, type, detail, ts_us
		FROM incident_events WHERE id = ?`
	selectTimelineSQL = `SELECT id, incident_id, type, detail, ts_us
		FROM incident_events WHERE incident_id = ? ORDER BY ts_us, seq`
)

// SQLLog stores events in the incident_events table.
type SQLLog struct {
	db      *sql.DB
	dialect database.Dialect
	now     func() time.Time
}

// NewSQLLog creates a log over an already migrated database.
func NewSQLLog(db *sql.DB, dialect database.Dialect) *SQLLog {
	return &SQLLog{db: db, dialect: dialect, now: time.Now}
}

// WithClock replaces the clock used for event timestamps.
func (l *SQLLog) WithClock(now func() time.Time) *SQLLog {
	l.now = now
	return l
}

func (l *SQLLog) Append(ctx context.Context, incidentID, typ string, detail any, opts ...AppendOption) (Event, error) {
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

	ev := Event{
		ID:         o.id,
		IncidentID: incidentID,
		Type:       typ,
		Detail:     raw,
		Timestamp:  l.now().UTC().Truncate(time.Microsecond),
	}

	res, err := l.db.ExecContext(ctx, l.dialect.Rebind(insertEventSQL),
		ev.ID, ev.IncidentID, ev.Type, string(ev.Detail), ev.Timestamp.UnixMicro())
	if err != nil {
		return Event{}, fmt.Errorf("failed to append event: %w: %w", ErrUnavailable, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return Event{}, fmt.Errorf("failed to append event: %w: %w", ErrUnavailable, err)
	}
	if rows == 1 {
		return ev, nil
	}

	// The id already exists; hand back what was stored first.
	stored, err := scanEvent(l.db.QueryRowContext(ctx, l.dialect.Rebind(selectEventSQL), ev.ID))
	if err != nil {
		return Event{}, fmt.Errorf("failed to load existing event %s: %w", ev.ID, err)
	}

	return stored, nil
}

func (l *SQLLog) Read(ctx context.Context, incidentID string) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, l.dialect.Rebind(selectTimelineSQL), incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to read timeline: %w: %w", ErrUnavailable, err)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read timeline: %w: %w", ErrUnavailable, err)
	}

	return events, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (Event, error) {
	var (
		ev     Event
		detail []byte
		tsUS   int64
	)

	err := row.Scan(&ev.ID, &ev.IncidentID, &ev.Type, &detail, &tsUS)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, fmt.Errorf("event not found: %w", err)
	}
	if err != nil {
		return Event{}, fmt.Errorf("failed to scan event: %w", err)
	}

	ev.Detail = append([]byte(nil), detail...)
	ev.Timestamp = time.UnixMicro(tsUS).UTC()

	return ev, nil
}
