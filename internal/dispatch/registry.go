package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"chat-dispatch/internal/broker"
)

const (
	roomQueuePrefix   = "chat.room.queue."
	roomRoutingPrefix = "chat.room."

	DefaultQueue         = "chat.queue"
	DefaultRoutingKey    = "chat.message"
	StatusQueue          = "status.queue"
	StatusRoutingKey     = "status.update"
	DeadLetterQueue      = "chat.dead-letter"
	DeadLetterRoutingKey = "dead-letter"
)

// Topology names the exchanges and expiry used by the dispatch layer.
type Topology struct {
	ChatExchange       string
	StatusExchange     string
	DeadLetterExchange string
	RoomTTL            time.Duration
	SharedTTL          time.Duration
}

func (t Topology) withDefaults() Topology {
	if t.ChatExchange == "" {
		t.ChatExchange = "chat.exchange"
	}
	if t.StatusExchange == "" {
		t.StatusExchange = "status.exchange"
	}
	if t.DeadLetterExchange == "" {
		t.DeadLetterExchange = "chat.dlx"
	}
	if t.RoomTTL <= 0 {
		t.RoomTTL = 24 * time.Hour
	}
	if t.SharedTTL <= 0 {
		t.SharedTTL = time.Minute
	}
	return t
}

// ChannelHandle identifies a declared room queue.
type ChannelHandle struct {
	RoomID     int64
	Queue      string
	Exchange   string
	RoutingKey string
}

// RoutingKeyFor is the routing key bound to the room's queue.
func RoutingKeyFor(roomID int64) string {
	return roomRoutingPrefix + strconv.FormatInt(roomID, 10)
}

// QueueNameFor is the name of the room's queue.
func QueueNameFor(roomID int64) string {
	return roomQueuePrefix + strconv.FormatInt(roomID, 10)
}

// Registry tracks the per-room broker queues. Creation is atomic per room:
// concurrent EnsureChannel calls for the same room share one declaration.
type Registry struct {
	broker broker.Broker
	topo   Topology
	log    *slog.Logger

	mu       sync.RWMutex
	channels map[int64]ChannelHandle
	group    singleflight.Group
}

func NewRegistry(b broker.Broker, topo Topology, log *slog.Logger) *Registry {
	return &Registry{
		broker:   b,
		topo:     topo.withDefaults(),
		log:      log,
		channels: make(map[int64]ChannelHandle),
	}
}

func (r *Registry) Topology() Topology { return r.topo }

// RoutingKeyFor is the same as the package function; kept on the registry so
// callers holding one need not import both.
func (r *Registry) RoutingKeyFor(roomID int64) string { return RoutingKeyFor(roomID) }

// DeclareShared declares the exchanges, the default and status queues and the
// dead-letter queue.
func (r *Registry) DeclareShared(ctx context.Context) error {
	t := r.topo
	for _, ex := range []broker.ExchangeSpec{
		{Name: t.ChatExchange, Kind: broker.KindDirect},
		{Name: t.StatusExchange, Kind: broker.KindDirect},
		{Name: t.DeadLetterExchange, Kind: broker.KindDirect},
	} {
		if err := r.broker.DeclareExchange(ctx, ex); err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.Name, err)
		}
	}

	queues := []broker.QueueSpec{
		{
			Name:                 DefaultQueue,
			Exchange:             t.ChatExchange,
			RoutingKey:           DefaultRoutingKey,
			TTL:                  t.SharedTTL,
			DeadLetterExchange:   t.DeadLetterExchange,
			DeadLetterRoutingKey: DeadLetterRoutingKey,
		},
		{
			Name:                 StatusQueue,
			Exchange:             t.StatusExchange,
			RoutingKey:           StatusRoutingKey,
			TTL:                  t.SharedTTL,
			DeadLetterExchange:   t.DeadLetterExchange,
			DeadLetterRoutingKey: DeadLetterRoutingKey,
		},
		{
			Name:       DeadLetterQueue,
			Exchange:   t.DeadLetterExchange,
			RoutingKey: DeadLetterRoutingKey,
		},
	}
	for _, q := range queues {
		if err := r.broker.DeclareQueue(ctx, q); err != nil {
			return err
		}
	}
	r.log.Info("shared topology declared",
		"chat_exchange", t.ChatExchange,
		"status_exchange", t.StatusExchange,
		"dead_letter_exchange", t.DeadLetterExchange,
	)
	return nil
}

// EnsureChannel returns the room's queue, declaring it on first use. A failed
// declaration leaves no entry behind.
func (r *Registry) EnsureChannel(ctx context.Context, roomID int64) (ChannelHandle, error) {
	if h, ok := r.Lookup(roomID); ok {
		return h, nil
	}

	v, err, _ := r.group.Do(strconv.FormatInt(roomID, 10), func() (interface{}, error) {
		if h, ok := r.Lookup(roomID); ok {
			return h, nil
		}
		h := ChannelHandle{
			RoomID:     roomID,
			Queue:      QueueNameFor(roomID),
			Exchange:   r.topo.ChatExchange,
			RoutingKey: RoutingKeyFor(roomID),
		}
		err := r.broker.DeclareQueue(ctx, broker.QueueSpec{
			Name:                 h.Queue,
			Exchange:             h.Exchange,
			RoutingKey:           h.RoutingKey,
			TTL:                  r.topo.RoomTTL,
			DeadLetterExchange:   r.topo.DeadLetterExchange,
			DeadLetterRoutingKey: DeadLetterRoutingKey,
		})
		if err != nil {
			return ChannelHandle{}, err
		}

		r.mu.Lock()
		r.channels[roomID] = h
		r.mu.Unlock()
		r.log.Info("room channel declared", "room_id", roomID, "queue", h.Queue, "routing_key", h.RoutingKey)
		return h, nil
	})
	if err != nil {
		return ChannelHandle{}, fmt.Errorf("ensure channel for room %d: %w", roomID, err)
	}
	return v.(ChannelHandle), nil
}

// RemoveChannel deletes the room's queue. Removing an absent room is a no-op.
func (r *Registry) RemoveChannel(ctx context.Context, roomID int64) error {
	r.mu.Lock()
	h, ok := r.channels[roomID]
	delete(r.channels, roomID)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if err := r.broker.DeleteQueue(ctx, h.Queue); err != nil {
		return fmt.Errorf("delete queue %s: %w", h.Queue, err)
	}
	r.log.Info("room channel removed", "room_id", roomID, "queue", h.Queue)
	return nil
}

func (r *Registry) Lookup(roomID int64) (ChannelHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.channels[roomID]
	return h, ok
}

// Forget drops the room's handle without touching the broker, for a queue
// that is already gone. The next EnsureChannel declares it again.
func (r *Registry) Forget(roomID int64) {
	r.mu.Lock()
	delete(r.channels, roomID)
	r.mu.Unlock()
}
