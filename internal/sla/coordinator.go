package sla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/terminal-bench/slaengine/internal/logger"
	"github.com/terminal-bench/slaengine/internal/outbox"
	"github.com/terminal-bench/slaengine/internal/timeline"
)

const (
	tracerName       = "github.com/terminal-bench/slaengine/internal/sla"
	broadcastTimeout = 2 * time.Second
)

var breachNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:slaengine:sla_breach"))

// BreachEventID is the timeline event id of the sla_breach event for a
// timer. It is stable so a redelivered firing cannot append twice.
func BreachEventID(timerID string) string {
	return uuid.NewSHA1(breachNamespace, []byte(timerID)).String()
}

// Broadcaster pushes a best-effort breach notice to live subscribers.
type Broadcaster interface {
	BroadcastBreach(ctx context.Context, incidentID, kind string) error
}

// Coordinator performs the fired transition for one timer and delivers its
// effects: timeline append, then bus publish. Delivery failures after the
// transition go to the outbox; the transition is never rolled back.
type Coordinator struct {
	store       Store
	timeline    timeline.Log
	publisher   Publisher
	outbox      outbox.Store
	broadcaster Broadcaster
	now         func() time.Time
	tracer      trace.Tracer
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithBroadcaster sets where breach notices are broadcast after delivery.
func WithBroadcaster(b Broadcaster) CoordinatorOption {
	return func(c *Coordinator) { c.broadcaster = b }
}

// WithCoordinatorClock replaces the clock stamped on firings.
func WithCoordinatorClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(store Store, log timeline.Log, pub Publisher, box outbox.Store, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:     store,
		timeline:  log,
		publisher: pub,
		outbox:    box,
		now:       time.Now,
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fire transitions t to fired and delivers the firing. The returned error is
// non-nil when the transition could not be attempted (Failed) or when a
// fired timer's pending delivery could not be recorded.
func (c *Coordinator) Fire(ctx context.Context, t Timer) (FiringResult, error) {
	ctx, span := c.tracer.Start(ctx, "sla.Fire", trace.WithAttributes(
		attribute.String("sla.timer_id", t.ID),
		attribute.String("sla.incident_id", t.IncidentID),
		attribute.String("sla.kind", t.Kind),
	))
	defer span.End()

	ctx = logger.With(ctx, "timer_id", t.ID, "incident_id", t.IncidentID, "kind", t.Kind)

	ok, err := c.store.TryMarkFired(ctx, t.ID)
	if err != nil {
		firingsTotal.WithLabelValues(Failed.String()).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition failed")
		return Failed, err
	}
	if !ok {
		firingsTotal.WithLabelValues(AlreadyFired.String()).Inc()
		span.SetAttributes(attribute.String("sla.result", AlreadyFired.String()))
		logger.DebugKV(ctx, "timer already fired")
		return AlreadyFired, nil
	}

	firingsTotal.WithLabelValues(Fired.String()).Inc()
	span.SetAttributes(attribute.String("sla.result", Fired.String()))

	now := c.now().UTC()
	entry := outbox.Entry{
		ID:         t.ID,
		IncidentID: t.IncidentID,
		Kind:       t.Kind,
		FiredAt:    now,
		Status:     outbox.StatusPending,
		CreatedAt:  now,
	}

	deliverErr := c.Deliver(ctx, &entry)
	if deliverErr == nil {
		logger.InfoKV(ctx, "sla timer fired")
		return Fired, nil
	}

	entry.LastError = deliverErr.Error()
	entry.NextAttemptAt = now
	entry.UpdatedAt = now

	// The caller's context may already be ending; the entry must still land.
	if err := c.outbox.Enqueue(context.WithoutCancel(ctx), entry); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "outbox enqueue failed")
		logger.ErrorKV(ctx, "sla firing delivery lost",
			"timeline_done", entry.TimelineDone, "published", entry.Published,
			"delivery_error", deliverErr, "error", err)
		return Fired, fmt.Errorf("enqueue firing %s: %w", t.ID, errors.Join(deliverErr, err))
	}

	logger.WarnKV(ctx, "sla timer fired, delivery deferred to outbox",
		"timeline_done", entry.TimelineDone, "published", entry.Published, "error", deliverErr)

	return Fired, nil
}

// Deliver runs the delivery steps e still owes, in order, and marks each one
// done on e as it succeeds. Once both are done the breach is broadcast.
func (c *Coordinator) Deliver(ctx context.Context, e *outbox.Entry) error {
	ctx, span := c.tracer.Start(ctx, "sla.Deliver", trace.WithAttributes(
		attribute.String("sla.timer_id", e.ID),
		attribute.Int("sla.attempts", e.Attempts),
	))
	defer span.End()

	if !e.TimelineDone {
		_, err := c.timeline.Append(ctx, e.IncidentID, timeline.TypeSLABreach,
			map[string]string{"kind": e.Kind},
			timeline.WithEventID(BreachEventID(e.ID)),
		)
		if err != nil {
			deliveryFailuresTotal.WithLabelValues("timeline").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "timeline append failed")
			return fmt.Errorf("append sla_breach: %w", err)
		}
		e.TimelineDone = true
	}

	if !e.Published {
		err := c.publisher.Publish(ctx, Firing{
			TimerID:    e.ID,
			IncidentID: e.IncidentID,
			Kind:       e.Kind,
			FiredAt:    e.FiredAt,
		})
		if err != nil {
			deliveryFailuresTotal.WithLabelValues("publish").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "publish failed")
			return err
		}
		e.Published = true
	}

	c.broadcast(ctx, e.IncidentID, e.Kind)

	return nil
}

func (c *Coordinator) broadcast(ctx context.Context, incidentID, kind string) {
	if c.broadcaster == nil {
		return
	}

	bctx, cancel := context.WithTimeout(ctx, broadcastTimeout)
	defer cancel()

	if err := c.broadcaster.BroadcastBreach(bctx, incidentID, kind); err != nil {
		logger.DebugKV(ctx, "sla breach broadcast dropped", "error", err)
	}
}
