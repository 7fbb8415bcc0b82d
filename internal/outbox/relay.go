package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/terminal-bench/slaengine/internal/logger"
)

var (
	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sla_outbox_retries_total",
		Help: "Outbox delivery attempts made by the relay.",
	})
	deliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sla_outbox_delivered_total",
		Help: "Outbox entries delivered after a retry.",
	})
	exhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sla_outbox_exhausted_total",
		Help: "Outbox entries that ran out of delivery attempts.",
	})
)

// Deliverer runs the delivery steps an entry still owes and records
// completed steps on it.
type Deliverer interface {
	Deliver(ctx context.Context, e *Entry) error
}

// RelayConfig tunes polling and retry.
type RelayConfig struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Lease hides a claimed entry from other relays while it is attempted.
	Lease time.Duration
	// Jitter is the backoff randomization factor, 0 disables it.
	Jitter float64
}

func (c *RelayConfig) withDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.Lease <= 0 {
		c.Lease = 30 * time.Second
	}
}

// Relay retries pending outbox entries.
type Relay struct {
	store   Store
	deliver Deliverer
	cfg     RelayConfig
	now     func() time.Time
}

func NewRelay(store Store, deliver Deliverer, cfg RelayConfig) *Relay {
	cfg.withDefaults()
	return &Relay{store: store, deliver: deliver, cfg: cfg, now: time.Now}
}

// WithClock replaces the relay clock.
func (r *Relay) WithClock(now func() time.Time) *Relay {
	r.now = now
	return r
}

// Run polls until ctx is cancelled. A poll in progress when ctx ends is
// allowed to finish.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pollCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.Lease)
			if _, err := r.Poll(pollCtx); err != nil {
				logger.WarnKV(ctx, "outbox poll failed", "error", err)
			}
			cancel()
		}
	}
}

// Poll makes one pass over due entries and returns how many it attempted.
func (r *Relay) Poll(ctx context.Context) (int, error) {
	entries, err := r.store.Due(ctx, r.now(), r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	attempted := 0
	for i := range entries {
		if ctx.Err() != nil {
			break
		}
		ok, err := r.attempt(ctx, entries[i])
		if err != nil {
			logger.WarnKV(ctx, "outbox attempt failed", "timer_id", entries[i].ID, "error", err)
			continue
		}
		if ok {
			attempted++
		}
	}

	return attempted, nil
}

func (r *Relay) attempt(ctx context.Context, e Entry) (bool, error) {
	now := r.now()

	claimed, err := r.store.Claim(ctx, e.ID, e.Attempts, now.Add(r.cfg.Lease))
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}
	e.Attempts++
	retriesTotal.Inc()

	log := logger.With(ctx, "timer_id", e.ID, "incident_id", e.IncidentID, "attempt", e.Attempts)

	deliverErr := r.deliver.Deliver(ctx, &e)
	e.UpdatedAt = r.now()

	switch {
	case deliverErr == nil:
		e.Status = StatusDelivered
		e.LastError = ""
		deliveredTotal.Inc()
		logger.InfoKV(log, "outbox entry delivered")
	case e.Attempts >= r.cfg.MaxAttempts:
		e.Status = StatusExhausted
		e.LastError = deliverErr.Error()
		exhaustedTotal.Inc()
		logger.ErrorKV(log, "sla firing delivery exhausted",
			"kind", e.Kind, "timeline_done", e.TimelineDone, "published", e.Published, "error", deliverErr)
	default:
		e.LastError = deliverErr.Error()
		e.NextAttemptAt = e.UpdatedAt.Add(r.Backoff(e.Attempts))
		logger.WarnKV(log, "outbox delivery failed, rescheduled",
			"next_attempt_at", e.NextAttemptAt, "error", deliverErr)
	}

	if err := r.store.Save(ctx, e); err != nil {
		return true, errors.Join(deliverErr, err)
	}

	return true, nil
}

// Backoff returns the delay after the given number of failed attempts.
func (r *Relay) Backoff(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialBackoff
	b.MaxInterval = r.cfg.MaxBackoff
	b.RandomizationFactor = r.cfg.Jitter
	b.Reset()

	d := b.InitialInterval
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}

	return d
}
