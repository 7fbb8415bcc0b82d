package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	q := "UPDATE sla_timers SET fired = TRUE, fired_ms = ? WHERE id = ? AND fired = FALSE"

	assert.Equal(t,
		"UPDATE sla_timers SET fired = TRUE, fired_ms = $1 WHERE id = $2 AND fired = FALSE",
		Postgres.Rebind(q))
	assert.Equal(t, q, SQLite.Rebind(q))
}

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect("Postgres")
	require.NoError(t, err)
	assert.Equal(t, Postgres, d)

	_, err = ParseDialect("mysql")
	assert.ErrorIs(t, err, ErrUnknownDialect)
}

func TestOpenAndMigrateSQLite(t *testing.T) {
	ctx := context.Background()
	db, dialect, err := Open(ctx, Config{Driver: "sqlite", URL: filepath.Join(t.TempDir(), "sla.db")})
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, SQLite, dialect)

	applied, err := Migrate(ctx, db, dialect)
	require.NoError(t, err)
	assert.Equal(t, 3, applied)

	again, err := Migrate(ctx, db, dialect)
	require.NoError(t, err)
	assert.Zero(t, again)

	for _, table := range []string{"sla_timers", "incident_events", "sla_outbox"} {
		var name string
		err := db.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		require.NoError(t, err, table)
	}
}
