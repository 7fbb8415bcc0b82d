package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/terminal-bench/slaengine/internal/logger"
	"github.com/terminal-bench/slaengine/pkg/messaging"
)

// DeliverFunc hands a room frame to the local members of that room.
type DeliverFunc func(incidentID string, frame []byte)

// Fanout carries room frames to every instance that has members.
type Fanout interface {
	Publish(ctx context.Context, incidentID string, frame []byte) error
	Subscribe(deliver DeliverFunc) error
	Close() error
}

var errAlreadySubscribed = errors.New("realtime: fanout already subscribed")

// LocalFanout delivers in-process only. Suitable for a single instance.
type LocalFanout struct {
	mu      sync.RWMutex
	deliver DeliverFunc
}

func NewLocalFanout() *LocalFanout {
	return &LocalFanout{}
}

func (f *LocalFanout) Publish(ctx context.Context, incidentID string, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.RLock()
	deliver := f.deliver
	f.mu.RUnlock()

	if deliver != nil {
		deliver(incidentID, frame)
	}
	return nil
}

func (f *LocalFanout) Subscribe(deliver DeliverFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.deliver != nil {
		return errAlreadySubscribed
	}
	f.deliver = deliver
	return nil
}

func (f *LocalFanout) Close() error {
	f.mu.Lock()
	f.deliver = nil
	f.mu.Unlock()
	return nil
}

// RoomBus is the subset of the messaging client used for room fan-out.
type RoomBus interface {
	Broadcast(subject string, data []byte, header nats.Header) error
	Subscribe(subject string, handler func(msg *nats.Msg)) error
	Unsubscribe(subject string) error
}

// BusFanout routes room frames over NATS subjects <prefix>.<incidentId>.
// Every instance subscribes to <prefix>.> and delivers to its own members,
// its own publishes included.
type BusFanout struct {
	bus    RoomBus
	prefix string

	mu         sync.Mutex
	subscribed bool
}

func NewBusFanout(bus RoomBus, prefix string) *BusFanout {
	if prefix == "" {
		prefix = messaging.DefaultRoomSubjectPrefix
	}
	return &BusFanout{bus: bus, prefix: prefix}
}

func (f *BusFanout) Publish(ctx context.Context, incidentID string, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	header := nats.Header{}
	header.Set(messaging.HeaderRoom, incidentID)

	return f.bus.Broadcast(messaging.RoomSubject(f.prefix, incidentID), frame, header)
}

func (f *BusFanout) Subscribe(deliver DeliverFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.subscribed {
		return errAlreadySubscribed
	}

	err := f.bus.Subscribe(messaging.RoomWildcard(f.prefix), func(msg *nats.Msg) {
		room := msg.Header.Get(messaging.HeaderRoom)
		if room == "" {
			logger.DebugKV(context.Background(), "room message without room header", "subject", msg.Subject)
			return
		}
		deliver(room, msg.Data)
	})
	if err != nil {
		return err
	}

	f.subscribed = true
	return nil
}

func (f *BusFanout) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.subscribed {
		return nil
	}
	f.subscribed = false
	return f.bus.Unsubscribe(messaging.RoomWildcard(f.prefix))
}
