package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/terminal-bench/slaengine/internal/database"
)

const (
	entryColumns = `id, incident_id, kind, fired_ms, timeline_done, published, attempts,
		next_attempt_ms, last_error, status, created_ms, updated_ms`

	insertEntrySQL = `INSERT INTO sla_outbox (` + entryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`
	dueEntriesSQL = `SELECT ` + entryColumns + ` FROM sla_outbox
		WHERE status = 'pending' AND next_attempt_ms <= ? ORDER BY next_attempt_ms LIMIT ?`
	claimEntrySQL = `UPDATE sla_outbox SET attempts = attempts + 1, next_attempt_ms = ?, updated_ms = ?
		WHERE id = ? AND attempts = ? AND status = 'pending'`
	saveEntrySQL = `UPDATE sla_outbox SET timeline_done = ?, published = ?, attempts = ?,
		next_attempt_ms = ?, last_error = ?, status = ?, updated_ms = ? WHERE id = ?`
	getEntrySQL = `SELECT ` + entryColumns + ` FROM sla_outbox WHERE id = ?`
)

// SQLStore keeps entries in the sla_outbox table.
type SQLStore struct {
	db      *sql.DB
	dialect database.Dialect
	now     func() time.Time
}

func NewSQLStore(db *sql.DB, dialect database.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

func (s *SQLStore) Enqueue(ctx context.Context, e Entry) error {
	if e.Status == "" {
		e.Status = StatusPending
	}
	now := s.now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}

	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(insertEntrySQL),
		e.ID, e.IncidentID, e.Kind, e.FiredAt.UnixMilli(), e.TimelineDone, e.Published, e.Attempts,
		e.NextAttemptAt.UnixMilli(), e.LastError, string(e.Status), e.CreatedAt.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w: %w", e.ID, ErrUnavailable, err)
	}

	return nil
}

func (s *SQLStore) Due(ctx context.Context, now time.Time, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(dueEntriesSQL), now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due entries: %w: %w", ErrUnavailable, err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list due entries: %w: %w", ErrUnavailable, err)
	}

	return entries, nil
}

func (s *SQLStore) Claim(ctx context.Context, id string, attempts int, leaseUntil time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(claimEntrySQL),
		leaseUntil.UnixMilli(), s.now().UnixMilli(), id, attempts)
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w: %w", id, ErrUnavailable, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w: %w", id, ErrUnavailable, err)
	}

	return rows == 1, nil
}

func (s *SQLStore) Save(ctx context.Context, e Entry) error {
	updated := e.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}

	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(saveEntrySQL),
		e.TimelineDone, e.Published, e.Attempts, e.NextAttemptAt.UnixMilli(), e.LastError,
		string(e.Status), updated.UnixMilli(), e.ID)
	if err != nil {
		return fmt.Errorf("failed to save %s: %w: %w", e.ID, ErrUnavailable, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save %s: %w: %w", e.ID, ErrUnavailable, err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (Entry, error) {
	return scanEntry(s.db.QueryRowContext(ctx, s.dialect.Rebind(getEntrySQL), id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e                                     Entry
		status                                string
		firedMS, nextMS, createdMS, updatedMS int64
	)

	err := row.Scan(&e.ID, &e.IncidentID, &e.Kind, &firedMS, &e.TimelineDone, &e.Published, &e.Attempts,
		&nextMS, &e.LastError, &status, &createdMS, &updatedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("failed to scan outbox entry: %w", err)
	}

	e.Status = Status(status)
	e.FiredAt = database.MillisToTime(firedMS)
	e.NextAttemptAt = database.MillisToTime(nextMS)
	e.CreatedAt = database.MillisToTime(createdMS)
	e.UpdatedAt = database.MillisToTime(updatedMS)

	return e, nil
}
