package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

var (
	// ErrNotConnected is returned when the client has no live connection.
	ErrNotConnected = errors.New("messaging: not connected")
	// ErrJetStreamDisabled is returned for JetStream calls on a core-only client.
	ErrJetStreamDisabled = errors.New("messaging: JetStream not enabled")
)

// defaultFlushTimeout bounds core publishes made without a context deadline.
const defaultFlushTimeout = 5 * time.Second

// Client wraps NATS connection with additional functionality
type Client struct {
	conn *nats.Conn
	js   nats.JetStreamContext

	mu   sync.Mutex
	subs map[string]*nats.Subscription

	reconnects atomic.Int64
	connected  atomic.Bool
}

// Config holds NATS configuration
type Config struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
	// JetStream enables acknowledged, de-duplicated publishing.
	JetStream bool
	// OnDisconnect and OnReconnect are optional connection-state hooks.
	OnDisconnect func(err error)
	OnReconnect  func(url string)
}

// NewClient connects to NATS. A failed initial connection is returned to
// the caller; there is no background retry before the first success.
func NewClient(cfg Config) (*Client, error) {
	client := &Client{
		subs: make(map[string]*nats.Subscription),
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			client.reconnects.Add(1)
			client.connected.Store(true)
			if cfg.OnReconnect != nil {
				cfg.OnReconnect(nc.ConnectedUrl())
			}
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			client.connected.Store(false)
			if cfg.OnDisconnect != nil {
				cfg.OnDisconnect(err)
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	client.conn = conn
	client.connected.Store(true)

	if cfg.JetStream {
		js, err := conn.JetStream()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create JetStream context: %w", err)
		}
		client.js = js
	}

	return client, nil
}

// Publish sends data on subject. With JetStream enabled the call waits for
// the stream acknowledgement, and the Nats-Msg-Id header (if present)
// de-duplicates redeliveries inside the stream's duplicate window. Without
// JetStream the connection is flushed so a dead server surfaces as an error.
func (c *Client) Publish(ctx context.Context, subject string, data []byte, header nats.Header) error {
	if c.conn == nil || c.conn.IsClosed() {
		return ErrNotConnected
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  header,
	}

	if c.js != nil {
		if _, err := c.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", subject, err)
		}
		return nil
	}

	if err := c.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultFlushTimeout)
		defer cancel()
	}

	if err := c.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush %s: %w", subject, err)
	}

	return nil
}

// Broadcast is a fire-and-forget core publish, bypassing JetStream. It is
// meant for ephemeral traffic such as room fan-out.
func (c *Client) Broadcast(subject string, data []byte, header nats.Header) error {
	if c.conn == nil || c.conn.IsClosed() {
		return ErrNotConnected
	}

	if err := c.conn.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: header}); err != nil {
		return fmt.Errorf("failed to broadcast to %s: %w", subject, err)
	}

	return nil
}

// Subscribe subscribes to a subject
func (c *Client) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.subs[subject]; exists {
		return fmt.Errorf("already subscribed to %s", subject)
	}

	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	c.subs[subject] = sub
	return nil
}

// Unsubscribe removes a subscription
func (c *Client) Unsubscribe(subject string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, exists := c.subs[subject]
	if !exists {
		return fmt.Errorf("not subscribed to %s", subject)
	}

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}

	delete(c.subs, subject)
	return nil
}

// EnsureStream creates the stream when missing so JetStream publishes to
// subjects have a home. An existing stream is left untouched.
func (c *Client) EnsureStream(name string, subjects []string, duplicates time.Duration) (*nats.StreamInfo, error) {
	if c.js == nil {
		return nil, ErrJetStreamDisabled
	}

	info, err := c.js.StreamInfo(name)
	if err == nil {
		return info, nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return nil, fmt.Errorf("failed to look up stream %s: %w", name, err)
	}

	info, err = c.js.AddStream(&nats.StreamConfig{
		Name:       name,
		Subjects:   subjects,
		Storage:    nats.FileStorage,
		Duplicates: duplicates,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stream %s: %w", name, err)
	}

	return info, nil
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.conn != nil && c.conn.IsConnected()
}

// Reconnects returns number of reconnections
func (c *Client) Reconnects() int64 {
	return c.reconnects.Load()
}

// Drain unsubscribes everything, flushes pending publishes and closes.
func (c *Client) Drain() error {
	if c.conn == nil {
		return ErrNotConnected
	}

	c.mu.Lock()
	for subject := range c.subs {
		delete(c.subs, subject)
	}
	c.mu.Unlock()

	c.connected.Store(false)
	return c.conn.Drain()
}

// Close closes the client
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		_ = sub.Unsubscribe()
		delete(c.subs, subject)
	}

	if c.conn != nil {
		c.conn.Close()
	}

	c.connected.Store(false)
}
