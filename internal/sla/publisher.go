package sla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/terminal-bench/slaengine/pkg/circuit"
	"github.com/terminal-bench/slaengine/pkg/messaging"
)

// ErrPublishFailed marks a transient publish failure, including an open
// circuit. The caller retries through the outbox.
var ErrPublishFailed = errors.New("sla: publish failed")

// Publisher sends firing notifications downstream.
type Publisher interface {
	Publish(ctx context.Context, f Firing) error
}

// Bus is the subset of the messaging client used for publishing.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte, header nats.Header) error
}

// BusPublisher publishes {incidentId, kind} to a topic. The timer id rides
// in headers so JetStream and consumers can drop retried duplicates.
type BusPublisher struct {
	bus      Bus
	topic    string
	origin   string
	timeout  time.Duration
	breakers *circuit.Group
}

// NewBusPublisher creates a publisher. A nil breaker group disables the
// circuit breaker.
func NewBusPublisher(bus Bus, topic, origin string, timeout time.Duration, breakers *circuit.Group) *BusPublisher {
	if topic == "" {
		topic = messaging.DefaultSLATopic
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &BusPublisher{
		bus:      bus,
		topic:    topic,
		origin:   origin,
		timeout:  timeout,
		breakers: breakers,
	}
}

// Topic returns the subject firings are published to.
func (p *BusPublisher) Topic() string {
	return p.topic
}

func (p *BusPublisher) Publish(ctx context.Context, f Firing) error {
	body, err := messaging.SLAEvent{IncidentID: f.IncidentID, Kind: f.Kind}.Encode()
	if err != nil {
		return fmt.Errorf("encode firing %s: %w", f.TimerID, err)
	}
	header := messaging.FiringHeader(f.TimerID, p.origin)

	send := func() error {
		sendCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		return p.bus.Publish(sendCtx, p.topic, body, header)
	}

	if p.breakers != nil {
		err = p.breakers.Execute(ctx, p.topic, send)
	} else {
		err = send()
	}
	if err != nil {
		return fmt.Errorf("%w: %s to %s: %w", ErrPublishFailed, f.TimerID, p.topic, err)
	}

	return nil
}
