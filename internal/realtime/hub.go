package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var (
	droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_dropped_messages_total",
		Help: "Room messages dropped because a client's send buffer was full.",
	})
	connectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connected_clients",
		Help: "Websocket clients currently registered.",
	})
)

var ErrEmptyRoom = errors.New("realtime: empty room id")

const defaultSendBuffer = 64

// Client is one connection's outbound queue. A client is in at most one
// room at a time.
type Client struct {
	ID   string
	send chan []byte

	// Guarded by Hub.mu.
	room   string
	closed bool

	limiter *rate.Limiter
}

// NewClient creates a client with a bounded send buffer.
func NewClient(id string, buffer int) *Client {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &Client{
		ID:      id,
		send:    make(chan []byte, buffer),
		limiter: rate.NewLimiter(rate.Inf, 0),
	}
}

// Send is the client's outbound queue; it is closed on Disconnect.
func (c *Client) Send() <-chan []byte {
	return c.send
}

// trySend queues msg without blocking. Caller holds Hub.mu.
func (c *Client) trySend(msg []byte) bool {
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		droppedTotal.Inc()
		return false
	}
}

// Hub is the room registry. Messages are broadcast through the Fanout so
// members on every instance receive them; the Fanout calls back into the
// hub to deliver to local members.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Client]struct{}
	clients map[*Client]struct{}
	fanout  Fanout
}

// NewHub creates a hub on top of fanout. A nil fanout keeps rooms local to
// this process.
func NewHub(fanout Fanout) (*Hub, error) {
	if fanout == nil {
		fanout = NewLocalFanout()
	}

	h := &Hub{
		rooms:   make(map[string]map[*Client]struct{}),
		clients: make(map[*Client]struct{}),
		fanout:  fanout,
	}
	if err := fanout.Subscribe(h.deliver); err != nil {
		return nil, err
	}

	return h, nil
}

// Register adds a connected client that has not joined a room yet.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		h.clients[c] = struct{}{}
		connectedClients.Inc()
	}
}

// Join moves c into incidentID's room, leaving its previous room, and
// announces the join to the room.
func (h *Hub) Join(ctx context.Context, c *Client, incidentID string) error {
	if incidentID == "" {
		return ErrEmptyRoom
	}

	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.clients[c] = struct{}{}
		connectedClients.Inc()
	}
	h.leaveLocked(c)
	members, ok := h.rooms[incidentID]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[incidentID] = members
	}
	members[c] = struct{}{}
	c.room = incidentID
	h.mu.Unlock()

	notice, err := EncodeFrame(EventSystem, System{Message: "joined " + incidentID})
	if err != nil {
		return err
	}
	return h.fanout.Publish(ctx, incidentID, notice)
}

// Leave removes c from its room. Empty rooms are dropped.
func (h *Hub) Leave(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c)
}

// Disconnect removes c from the hub and closes its send queue.
func (h *Hub) Disconnect(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.leaveLocked(c)
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		connectedClients.Dec()
	}
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (h *Hub) leaveLocked(c *Client) {
	if c.room == "" {
		return
	}
	if members, ok := h.rooms[c.room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, c.room)
		}
	}
	c.room = ""
}

// RoomOf returns the room c is in, or "".
func (h *Hub) RoomOf(c *Client) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.room
}

// Members returns the number of local members of a room.
func (h *Hub) Members(incidentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[incidentID])
}

// Rooms returns the number of non-empty local rooms.
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Broadcast sends an encoded frame to every member of incidentID's room.
func (h *Hub) Broadcast(ctx context.Context, incidentID string, frame []byte) error {
	if incidentID == "" {
		return ErrEmptyRoom
	}
	return h.fanout.Publish(ctx, incidentID, frame)
}

// BroadcastBreach announces a fired SLA timer to the incident room.
func (h *Hub) BroadcastBreach(ctx context.Context, incidentID, kind string) error {
	frame, err := EncodeFrame(EventSLABreach, Breach{IncidentID: incidentID, Kind: kind})
	if err != nil {
		return err
	}
	return h.Broadcast(ctx, incidentID, frame)
}

// SendTo queues a frame for one client only.
func (h *Hub) SendTo(c *Client, frame []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.trySend(frame)
}

// deliver hands a frame to local members; slow members drop it.
func (h *Hub) deliver(incidentID string, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.rooms[incidentID] {
		c.trySend(frame)
	}
}

// Close detaches the hub from its fanout.
func (h *Hub) Close() error {
	return h.fanout.Close()
}
