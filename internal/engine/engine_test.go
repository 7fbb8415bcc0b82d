package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/slaengine/internal/config"
)

// loadConfig returns an sqlite-backed configuration whose bus is unreachable.
func loadConfig(t *testing.T, env map[string]string) *config.Config {
	t.Helper()

	t.Setenv("SLA_DB_DRIVER", config.DriverSQLite)
	t.Setenv("SLA_DB_URL", filepath.Join(t.TempDir(), "sla.db"))
	t.Setenv("SLA_BUS_URL", "nats://127.0.0.1:1")
	t.Setenv("SLA_BUS_CONNECT_TIMEOUT", "200ms")
	for k, v := range env {
		t.Setenv(k, v)
	}

	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	t.Run("should fail fast when the bus is unreachable", func(t *testing.T) {
		cfg := loadConfig(t, nil)

		e, err := New(ctx, cfg)
		require.Error(t, err)
		assert.Nil(t, e)
		assert.Contains(t, err.Error(), "connect bus")
	})

	t.Run("should migrate before connecting to the bus", func(t *testing.T) {
		cfg := loadConfig(t, nil)

		_, err := New(ctx, cfg)
		require.Error(t, err)

		applied, err := Migrate(ctx, cfg)
		require.NoError(t, err)
		assert.Zero(t, applied)
	})

	t.Run("should fail fast when redis is unreachable", func(t *testing.T) {
		cfg := loadConfig(t, map[string]string{
			"SLA_TIMER_BACKEND": config.BackendRedis,
			"SLA_REDIS_ADDR":    "127.0.0.1:1",
		})

		_, err := New(ctx, cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connect redis")
	})

	t.Run("should fail when the database is unreachable", func(t *testing.T) {
		cfg := loadConfig(t, map[string]string{
			"SLA_DB_URL": filepath.Join(t.TempDir(), "missing", "sla.db"),
		})

		_, err := New(ctx, cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database")
	})
}

func TestMigrate(t *testing.T) {
	ctx := context.Background()
	cfg := loadConfig(t, nil)

	applied, err := Migrate(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, applied)

	applied, err = Migrate(ctx, cfg)
	require.NoError(t, err)
	assert.Zero(t, applied)
}
