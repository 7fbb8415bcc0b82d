package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/slaengine/internal/database"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()

	ctx := context.Background()
	db, dialect, err := database.Open(ctx, database.Config{Driver: "sqlite", URL: filepath.Join(t.TempDir(), "outbox.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = database.Migrate(ctx, db, dialect)
	require.NoError(t, err)

	return NewSQLStore(db, dialect)
}

func pending(id string, next time.Time) Entry {
	return Entry{
		ID:            id,
		IncidentID:    "inc-" + id,
		Kind:          "ack",
		FiredAt:       t0,
		NextAttemptAt: next,
		Status:        StatusPending,
		CreatedAt:     t0,
	}
}

func TestStores(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store { return newSQLiteStore(t) },
	}

	for name, factory := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("should list only pending entries that are due", func(t *testing.T) {
				s := factory(t)
				require.NoError(t, s.Enqueue(ctx, pending("a", t0.Add(-time.Second))))
				require.NoError(t, s.Enqueue(ctx, pending("b", t0.Add(time.Minute))))
				done := pending("c", t0.Add(-time.Minute))
				require.NoError(t, s.Enqueue(ctx, done))
				done.Status = StatusDelivered
				require.NoError(t, s.Save(ctx, done))

				due, err := s.Due(ctx, t0, 10)
				require.NoError(t, err)
				require.Len(t, due, 1)
				assert.Equal(t, "a", due[0].ID)
				assert.Equal(t, "inc-a", due[0].IncidentID)
				assert.True(t, due[0].FiredAt.Equal(t0))
			})

			t.Run("should keep the first entry for a timer", func(t *testing.T) {
				s := factory(t)
				first := pending("a", t0)
				first.TimelineDone = true
				require.NoError(t, s.Enqueue(ctx, first))
				require.NoError(t, s.Enqueue(ctx, pending("a", t0)))

				got, err := s.Get(ctx, "a")
				require.NoError(t, err)
				assert.True(t, got.TimelineDone)
			})

			t.Run("should let only one claim per attempt win", func(t *testing.T) {
				s := factory(t)
				require.NoError(t, s.Enqueue(ctx, pending("a", t0)))

				ok, err := s.Claim(ctx, "a", 0, t0.Add(time.Minute))
				require.NoError(t, err)
				assert.True(t, ok)

				ok, err = s.Claim(ctx, "a", 0, t0.Add(time.Minute))
				require.NoError(t, err)
				assert.False(t, ok)

				got, err := s.Get(ctx, "a")
				require.NoError(t, err)
				assert.Equal(t, 1, got.Attempts)

				due, err := s.Due(ctx, t0, 10)
				require.NoError(t, err)
				assert.Empty(t, due, "claimed entry is leased")
			})

			t.Run("should report unknown entries", func(t *testing.T) {
				s := factory(t)
				_, err := s.Get(ctx, "missing")
				assert.ErrorIs(t, err, ErrNotFound)
				assert.ErrorIs(t, s.Save(ctx, pending("missing", t0)), ErrNotFound)
			})
		})
	}
}

type fakeDeliverer struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *fakeDeliverer) Deliver(_ context.Context, e *Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	e.TimelineDone = true
	if f.calls <= f.failures {
		return errors.New("bus down")
	}
	e.Published = true
	return nil
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRelay(t *testing.T) {
	ctx := context.Background()
	cfg := RelayConfig{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 4 * time.Second, Lease: 10 * time.Second}

	t.Run("should deliver and mark the entry delivered", func(t *testing.T) {
		store := NewMemoryStore()
		clock := &manualClock{now: t0}
		deliverer := &fakeDeliverer{}
		relay := NewRelay(store, deliverer, cfg).WithClock(clock.Now)

		require.NoError(t, store.Enqueue(ctx, pending("a", t0)))

		n, err := relay.Poll(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := store.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, StatusDelivered, got.Status)
		assert.True(t, got.Done())
		assert.Equal(t, 1, got.Attempts)
	})

	t.Run("should back off between failed attempts", func(t *testing.T) {
		store := NewMemoryStore()
		clock := &manualClock{now: t0}
		deliverer := &fakeDeliverer{failures: 1}
		relay := NewRelay(store, deliverer, cfg).WithClock(clock.Now)

		require.NoError(t, store.Enqueue(ctx, pending("a", t0)))

		_, err := relay.Poll(ctx)
		require.NoError(t, err)

		got, err := store.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)
		assert.Equal(t, "bus down", got.LastError)
		assert.True(t, got.TimelineDone, "completed steps are remembered")
		assert.Equal(t, t0.Add(time.Second), got.NextAttemptAt)

		n, err := relay.Poll(ctx)
		require.NoError(t, err)
		assert.Zero(t, n, "not due yet")

		clock.Advance(time.Second)
		n, err = relay.Poll(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err = store.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, StatusDelivered, got.Status)
	})

	t.Run("should exhaust after the attempt limit", func(t *testing.T) {
		store := NewMemoryStore()
		clock := &manualClock{now: t0}
		deliverer := &fakeDeliverer{failures: 100}
		relay := NewRelay(store, deliverer, cfg).WithClock(clock.Now)

		require.NoError(t, store.Enqueue(ctx, pending("a", t0)))

		for i := 0; i < 5; i++ {
			_, err := relay.Poll(ctx)
			require.NoError(t, err)
			clock.Advance(time.Minute)
		}

		got, err := store.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, StatusExhausted, got.Status)
		assert.Equal(t, 3, got.Attempts)
		assert.Equal(t, 3, deliverer.calls)
	})
}

func TestRelayBackoff(t *testing.T) {
	relay := NewRelay(NewMemoryStore(), &fakeDeliverer{}, RelayConfig{
		InitialBackoff: time.Second,
		MaxBackoff:     5 * time.Second,
	})
	relay.cfg.Jitter = 0

	assert.Equal(t, time.Second, relay.Backoff(1))
	assert.Equal(t, 1500*time.Millisecond, relay.Backoff(2))
	assert.Equal(t, 5*time.Second, relay.Backoff(20))
}
