package sla

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/slaengine/internal/outbox"
	"github.com/terminal-bench/slaengine/internal/timeline"
)

type movableClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *movableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *movableClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// firerFunc adapts a function to Firer.
type firerFunc func(ctx context.Context, t Timer) (FiringResult, error)

func (f firerFunc) Fire(ctx context.Context, t Timer) (FiringResult, error) {
	return f(ctx, t)
}

func TestScannerTick(t *testing.T) {
	ctx := context.Background()

	t.Run("should fire an overdue timer in one tick", func(t *testing.T) {
		h := newHarness(0, 0)
		require.NoError(t, h.store.Create(ctx, timerAt("t-1", "inc-1", t0.Add(-time.Second))))

		scanner := NewScanner(h.store, h.coordinator, ScannerConfig{}, WithScannerClock(fixedClock))
		stats, err := scanner.Tick(ctx)
		require.NoError(t, err)

		assert.Equal(t, TickStats{Due: 1, Fired: 1}, stats)
		assert.Len(t, h.breaches(t, "inc-1"), 1)
		require.Len(t, h.bus.Sent(), 1)
		assert.JSONEq(t, `{"incidentId":"inc-1","kind":"ack"}`, string(h.bus.Sent()[0].data))
	})

	t.Run("should let two scanners on one store fire a timer once", func(t *testing.T) {
		store, closeDB := newSQLiteDB(t)
		defer closeDB()
		require.NoError(t, store.Create(ctx, timerAt("t-1", "inc-1", t0.Add(-time.Second))))

		log := timeline.NewMemoryLog(fixedClock)
		buses := []*fakeBus{{}, {}}
		scanners := make([]*Scanner, len(buses))
		for i, bus := range buses {
			coord := NewCoordinator(store, log, NewBusPublisher(bus, "", "", time.Second, nil), outbox.NewMemoryStore())
			scanners[i] = NewScanner(store, coord, ScannerConfig{}, WithScannerClock(fixedClock))
		}

		results := make([]TickStats, len(scanners))
		var wg sync.WaitGroup
		for i, s := range scanners {
			wg.Add(1)
			go func() {
				defer wg.Done()
				stats, err := s.Tick(ctx)
				assert.NoError(t, err)
				results[i] = stats
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, results[0].Fired+results[1].Fired)
		assert.Equal(t, 1, len(buses[0].Sent())+len(buses[1].Sent()))

		events, err := log.Read(ctx, "inc-1")
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})

	t.Run("should wait for the deadline before firing", func(t *testing.T) {
		h := newHarness(0, 0)
		require.NoError(t, h.store.Create(ctx, timerAt("t-1", "inc-1", t0.Add(time.Hour))))

		clock := &movableClock{now: t0}
		scanner := NewScanner(h.store, h.coordinator, ScannerConfig{}, WithScannerClock(clock.Now))

		stats, err := scanner.Tick(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.Due)

		clock.Set(t0.Add(time.Hour + time.Second))
		stats, err = scanner.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Fired)

		stats, err = scanner.Tick(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.Due, "fired timers are no longer due")
		assert.Len(t, h.bus.Sent(), 1)
	})

	t.Run("should skip the tick when the store is unreachable", func(t *testing.T) {
		fired := false
		scanner := NewScanner(failingStore{}, firerFunc(func(context.Context, Timer) (FiringResult, error) {
			fired = true
			return Fired, nil
		}), ScannerConfig{})

		stats, err := scanner.Tick(ctx)
		assert.ErrorIs(t, err, ErrStoreUnavailable)
		assert.Equal(t, TickStats{}, stats)
		assert.False(t, fired)

		_, err = scanner.Tick(ctx)
		assert.ErrorIs(t, err, ErrStoreUnavailable, "next tick runs again")
	})

	t.Run("should isolate a failing or panicking timer", func(t *testing.T) {
		store := NewMemoryStore(fixedClock)
		for _, id := range []string{"ok-1", "boom", "err", "ok-2"} {
			require.NoError(t, store.Create(ctx, timerAt(id, "inc-1", t0)))
		}

		firer := firerFunc(func(_ context.Context, tm Timer) (FiringResult, error) {
			switch tm.ID {
			case "boom":
				panic("unexpected")
			case "err":
				return Failed, ErrStoreUnavailable
			default:
				return Fired, nil
			}
		})

		scanner := NewScanner(store, firer, ScannerConfig{Concurrency: 2}, WithScannerClock(fixedClock))
		stats, err := scanner.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, TickStats{Due: 4, Fired: 2, Failed: 2}, stats)
	})

	t.Run("should not start a tick while one is running", func(t *testing.T) {
		store := NewMemoryStore(fixedClock)
		require.NoError(t, store.Create(ctx, timerAt("t-1", "inc-1", t0)))

		entered := make(chan struct{})
		release := make(chan struct{})
		firer := firerFunc(func(context.Context, Timer) (FiringResult, error) {
			close(entered)
			<-release
			return Fired, nil
		})
		scanner := NewScanner(store, firer, ScannerConfig{}, WithScannerClock(fixedClock))

		done := make(chan TickStats)
		go func() {
			stats, _ := scanner.Tick(ctx)
			done <- stats
		}()
		<-entered

		_, err := scanner.Tick(ctx)
		assert.ErrorIs(t, err, ErrTickInProgress)

		close(release)
		assert.Equal(t, 1, (<-done).Fired)

		_, err = scanner.Tick(ctx)
		assert.NoError(t, err, "the next tick runs after the first finished")
	})
}

func TestScannerStartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(0, 0)
	require.NoError(t, h.store.Create(ctx, timerAt("t-1", "inc-1", t0)))

	scanner := NewScanner(h.store, h.coordinator, ScannerConfig{Interval: 10 * time.Millisecond}, WithScannerClock(fixedClock))
	require.NoError(t, scanner.Start(ctx))
	assert.Error(t, scanner.Start(ctx), "second start is rejected")

	assert.Eventually(t, func() bool {
		return len(h.bus.Sent()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, scanner.Stop(stopCtx))

	assert.Len(t, h.bus.Sent(), 1)
}

func TestScannerStopWaitsForInFlightTick(t *testing.T) {
	store := NewMemoryStore(fixedClock)
	require.NoError(t, store.Create(context.Background(), timerAt("t-1", "inc-1", t0)))

	entered := make(chan struct{})
	var once sync.Once
	release := make(chan struct{})
	firer := firerFunc(func(context.Context, Timer) (FiringResult, error) {
		once.Do(func() { close(entered) })
		<-release
		return Fired, nil
	})

	scanner := NewScanner(store, firer, ScannerConfig{Interval: 5 * time.Millisecond}, WithScannerClock(fixedClock))
	require.NoError(t, scanner.Start(context.Background()))
	<-entered

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, scanner.Stop(short), context.DeadlineExceeded)

	close(release)
	require.NoError(t, scanner.Stop(context.Background()))
}
