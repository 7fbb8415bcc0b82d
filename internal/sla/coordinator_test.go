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

// flakyLog fails the first `failures` appends.
type flakyLog struct {
	*timeline.MemoryLog
	mu       sync.Mutex
	failures int
}

func (l *flakyLog) Append(ctx context.Context, incidentID, typ string, detail any, opts ...timeline.AppendOption) (timeline.Event, error) {
	l.mu.Lock()
	if l.failures > 0 {
		l.failures--
		l.mu.Unlock()
		return timeline.Event{}, timeline.ErrUnavailable
	}
	l.mu.Unlock()
	return l.MemoryLog.Append(ctx, incidentID, typ, detail, opts...)
}

type recordedBreach struct {
	incidentID string
	kind       string
}

type fakeBroadcaster struct {
	mu       sync.Mutex
	breaches []recordedBreach
}

func (b *fakeBroadcaster) BroadcastBreach(_ context.Context, incidentID, kind string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.breaches = append(b.breaches, recordedBreach{incidentID, kind})
	return nil
}

func (b *fakeBroadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.breaches)
}

// failingStore fails every call.
type failingStore struct{}

func (failingStore) FindDue(context.Context, time.Time) ([]Timer, error) {
	return nil, ErrStoreUnavailable
}

func (failingStore) TryMarkFired(context.Context, string) (bool, error) {
	return false, ErrStoreUnavailable
}

type harness struct {
	store       *MemoryStore
	log         *flakyLog
	bus         *fakeBus
	box         *outbox.MemoryStore
	broadcaster *fakeBroadcaster
	coordinator *Coordinator
}

func newHarness(logFailures, busFailures int) *harness {
	h := &harness{
		store:       NewMemoryStore(fixedClock),
		log:         &flakyLog{MemoryLog: timeline.NewMemoryLog(fixedClock), failures: logFailures},
		bus:         &fakeBus{failures: busFailures},
		box:         outbox.NewMemoryStore(),
		broadcaster: &fakeBroadcaster{},
	}
	h.coordinator = NewCoordinator(h.store, h.log,
		NewBusPublisher(h.bus, "sla.events", "test", time.Second, nil), h.box,
		WithBroadcaster(h.broadcaster), WithCoordinatorClock(fixedClock))
	return h
}

func (h *harness) breaches(t *testing.T, incidentID string) []timeline.Event {
	t.Helper()
	events, err := h.log.Read(context.Background(), incidentID)
	require.NoError(t, err)

	out := make([]timeline.Event, 0)
	for _, ev := range events {
		if ev.Type == timeline.TypeSLABreach {
			out = append(out, ev)
		}
	}
	return out
}

func TestCoordinatorFire(t *testing.T) {
	ctx := context.Background()

	t.Run("should append one breach, publish once and broadcast", func(t *testing.T) {
		h := newHarness(0, 0)
		timer := timerAt("t-1", "inc-1", t0.Add(-time.Second))
		require.NoError(t, h.store.Create(ctx, timer))

		res, err := h.coordinator.Fire(ctx, timer)
		require.NoError(t, err)
		assert.Equal(t, Fired, res)

		breaches := h.breaches(t, "inc-1")
		require.Len(t, breaches, 1)
		assert.Equal(t, BreachEventID("t-1"), breaches[0].ID)
		assert.JSONEq(t, `{"kind":"ack"}`, string(breaches[0].Detail))

		sent := h.bus.Sent()
		require.Len(t, sent, 1)
		assert.JSONEq(t, `{"incidentId":"inc-1","kind":"ack"}`, string(sent[0].data))
		assert.Equal(t, 1, h.broadcaster.Count())

		_, err = h.box.Get(ctx, "t-1")
		assert.ErrorIs(t, err, outbox.ErrNotFound)
	})

	t.Run("should treat a second fire as a no-op", func(t *testing.T) {
		h := newHarness(0, 0)
		timer := timerAt("t-1", "inc-1", t0)
		require.NoError(t, h.store.Create(ctx, timer))

		_, err := h.coordinator.Fire(ctx, timer)
		require.NoError(t, err)
		res, err := h.coordinator.Fire(ctx, timer)
		require.NoError(t, err)

		assert.Equal(t, AlreadyFired, res)
		assert.Len(t, h.breaches(t, "inc-1"), 1)
		assert.Len(t, h.bus.Sent(), 1)

		stored, err := h.store.Get(ctx, "t-1")
		require.NoError(t, err)
		assert.True(t, stored.Fired)
	})

	t.Run("should yield one Fired among concurrent callers", func(t *testing.T) {
		h := newHarness(0, 0)
		timer := timerAt("t-1", "inc-1", t0)
		require.NoError(t, h.store.Create(ctx, timer))

		const n = 20
		results := make([]FiringResult, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := h.coordinator.Fire(ctx, timer)
				assert.NoError(t, err)
				results[i] = res
			}()
		}
		wg.Wait()

		counts := map[FiringResult]int{}
		for _, r := range results {
			counts[r]++
		}
		assert.Equal(t, 1, counts[Fired])
		assert.Equal(t, n-1, counts[AlreadyFired])
		assert.Len(t, h.breaches(t, "inc-1"), 1)
		assert.Len(t, h.bus.Sent(), 1)
	})

	t.Run("should fail without side effects when the store is down", func(t *testing.T) {
		bus := &fakeBus{}
		box := outbox.NewMemoryStore()
		c := NewCoordinator(failingStore{}, timeline.NewMemoryLog(nil),
			NewBusPublisher(bus, "", "", time.Second, nil), box)

		res, err := c.Fire(ctx, timerAt("t-1", "inc-1", t0))
		assert.Equal(t, Failed, res)
		assert.ErrorIs(t, err, ErrStoreUnavailable)
		assert.Empty(t, bus.Sent())
	})

	t.Run("should queue an outbox entry when publish fails", func(t *testing.T) {
		h := newHarness(0, 1)
		timer := timerAt("t-1", "inc-1", t0)
		require.NoError(t, h.store.Create(ctx, timer))

		res, err := h.coordinator.Fire(ctx, timer)
		require.NoError(t, err)
		assert.Equal(t, Fired, res)

		entry, err := h.box.Get(ctx, "t-1")
		require.NoError(t, err)
		assert.True(t, entry.TimelineDone)
		assert.False(t, entry.Published)
		assert.Equal(t, outbox.StatusPending, entry.Status)
		assert.Contains(t, entry.LastError, "connection closed")
		assert.Zero(t, h.broadcaster.Count(), "no breach notice before delivery completes")
	})

	t.Run("should queue before publishing when the timeline append fails", func(t *testing.T) {
		h := newHarness(1, 0)
		timer := timerAt("t-1", "inc-1", t0)
		require.NoError(t, h.store.Create(ctx, timer))

		res, err := h.coordinator.Fire(ctx, timer)
		require.NoError(t, err)
		assert.Equal(t, Fired, res)

		entry, err := h.box.Get(ctx, "t-1")
		require.NoError(t, err)
		assert.False(t, entry.TimelineDone)
		assert.False(t, entry.Published)
		assert.Empty(t, h.bus.Sent(), "publish waits for the timeline append")
	})
}

func TestCoordinatorDeliverIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(0, 0)

	entry := outbox.Entry{ID: "t-1", IncidentID: "inc-1", Kind: "ack", FiredAt: t0}
	require.NoError(t, h.coordinator.Deliver(ctx, &entry))

	// A relay that crashed before saving re-runs both steps.
	again := outbox.Entry{ID: "t-1", IncidentID: "inc-1", Kind: "ack", FiredAt: t0}
	require.NoError(t, h.coordinator.Deliver(ctx, &again))

	assert.Len(t, h.breaches(t, "inc-1"), 1, "timeline append is keyed by timer")
	sent := h.bus.Sent()
	require.Len(t, sent, 2, "bus delivery is at least once")
	assert.Equal(t, sent[0].header.Get("Nats-Msg-Id"), sent[1].header.Get("Nats-Msg-Id"))
}

// The bus fails after the state commit; the relay delivers later
// and the timer never returns to unfired.
func TestCoordinatorRetriesThroughOutbox(t *testing.T) {
	ctx := context.Background()
	h := newHarness(0, 2)
	timer := timerAt("t-1", "inc-1", t0)
	require.NoError(t, h.store.Create(ctx, timer))

	res, err := h.coordinator.Fire(ctx, timer)
	require.NoError(t, err)
	require.Equal(t, Fired, res)

	clock := t0
	relay := outbox.NewRelay(h.box, h.coordinator, outbox.RelayConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Second,
		Lease:          time.Minute,
	}).WithClock(func() time.Time { return clock })

	for i := 0; i < 3; i++ {
		_, err := relay.Poll(ctx)
		require.NoError(t, err)
		clock = clock.Add(time.Minute)

		stored, err := h.store.Get(ctx, "t-1")
		require.NoError(t, err)
		assert.True(t, stored.Fired)
	}

	entry, err := h.box.Get(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusDelivered, entry.Status)
	assert.Equal(t, 2, entry.Attempts)

	require.Len(t, h.bus.Sent(), 1)
	assert.Len(t, h.breaches(t, "inc-1"), 1)
	assert.Equal(t, 1, h.broadcaster.Count())
	assert.Equal(t, 3, h.bus.calls)
}

func TestFiringResultString(t *testing.T) {
	assert.Equal(t, "fired", Fired.String())
	assert.Equal(t, "already_fired", AlreadyFired.String())
	assert.Equal(t, "failed", Failed.String())
}
