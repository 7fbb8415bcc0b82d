package sla

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/terminal-bench/slaengine/internal/database"
)

const (
	timerColumns = `id, incident_id, kind, deadline_ms, fired, fired_ms, created_ms`

	insertTimerSQL = `INSERT INTO sla_timers (id, incident_id, kind, deadline_ms, fired, created_ms)
		VALUES (?, ?, ?, ?, FALSE, ?)`
	getTimerSQL      = `SELECT ` + timerColumns + ` FROM sla_timers WHERE id = ?`
	incidentTimerSQL = `SELECT ` + timerColumns + ` FROM sla_timers WHERE incident_id = ? ORDER BY deadline_ms, id`
	dueTimersSQL     = `SELECT ` + timerColumns + ` FROM sla_timers WHERE fired = FALSE AND deadline_ms <= ?`
	markFiredSQL     = `UPDATE sla_timers SET fired = TRUE, fired_ms = ? WHERE id = ? AND fired = FALSE`
	timerExistsSQL   = `SELECT 1 FROM sla_timers WHERE id = ?`
)

// SQLStore keeps timers in the sla_timers table (Postgres or SQLite).
type SQLStore struct {
	db      *sql.DB
	dialect database.Dialect
	now     func() time.Time
}

// NewSQLStore creates a store over an already migrated database.
func NewSQLStore(db *sql.DB, dialect database.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

// WithClock replaces the clock used for fired_at.
func (s *SQLStore) WithClock(now func() time.Time) *SQLStore {
	s.now = now
	return s
}

func (s *SQLStore) Create(ctx context.Context, t Timer) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(insertTimerSQL),
		t.ID, t.IncidentID, t.Kind, t.Deadline.UnixMilli(), t.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to create timer %s: %w: %w", t.ID, ErrStoreUnavailable, err)
	}

	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (Timer, error) {
	t, err := scanTimer(s.db.QueryRowContext(ctx, s.dialect.Rebind(getTimerSQL), id))
	if errors.Is(err, sql.ErrNoRows) {
		return Timer{}, ErrTimerNotFound
	}
	if err != nil {
		return Timer{}, fmt.Errorf("failed to get timer %s: %w: %w", id, ErrStoreUnavailable, err)
	}
	return t, nil
}

func (s *SQLStore) ListByIncident(ctx context.Context, incidentID string) ([]Timer, error) {
	return s.query(ctx, incidentTimerSQL, incidentID)
}

func (s *SQLStore) FindDue(ctx context.Context, now time.Time) ([]Timer, error) {
	return s.query(ctx, dueTimersSQL, now.UnixMilli())
}

// TryMarkFired relies on the conditional UPDATE: of any number of concurrent
// callers only one sees a row affected.
func (s *SQLStore) TryMarkFired(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(markFiredSQL), s.now().UnixMilli(), id)
	if err != nil {
		return false, fmt.Errorf("failed to mark timer %s fired: %w: %w", id, ErrStoreUnavailable, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to mark timer %s fired: %w: %w", id, ErrStoreUnavailable, err)
	}
	if rows == 1 {
		return true, nil
	}

	var one int
	err = s.db.QueryRowContext(ctx, s.dialect.Rebind(timerExistsSQL), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrTimerNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up timer %s: %w: %w", id, ErrStoreUnavailable, err)
	}

	return false, nil
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) ([]Timer, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query timers: %w: %w", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	timers := make([]Timer, 0)
	for rows.Next() {
		t, err := scanTimer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan timer: %w", err)
		}
		timers = append(timers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query timers: %w: %w", ErrStoreUnavailable, err)
	}

	return timers, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTimer(row rowScanner) (Timer, error) {
	var (
		t                     Timer
		deadlineMS, createdMS int64
		firedMS               sql.NullInt64
	)

	if err := row.Scan(&t.ID, &t.IncidentID, &t.Kind, &deadlineMS, &t.Fired, &firedMS, &createdMS); err != nil {
		return Timer{}, err
	}

	t.Deadline = database.MillisToTime(deadlineMS)
	t.CreatedAt = database.MillisToTime(createdMS)
	t.FiredAt = database.NullMillisToTime(firedMS)

	return t, nil
}
