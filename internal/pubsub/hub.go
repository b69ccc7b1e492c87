// Package pubsub fans out room events to live subscribers.
package pubsub

import (
	"context"
	"log/slog"
	"sync"

	"chat-dispatch/internal/observability"
)

// Bus publishes a payload to every current subscriber of a topic.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Subscriber is one live receiver, typically a websocket connection.
type Subscriber interface {
	ID() string
	Send(payload []byte) error
	Close() error
}

// Hub maintains topic subscriptions in process.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[string]Subscriber
	log    *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		topics: make(map[string]map[string]Subscriber),
		log:    log,
	}
}

// Subscribe registers sub on topic.
func (h *Hub) Subscribe(topic string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.topics[topic]; !ok {
		h.topics[topic] = make(map[string]Subscriber)
	}
	h.topics[topic][sub.ID()] = sub
}

// Unsubscribe removes the subscriber from topic.
func (h *Hub) Unsubscribe(topic, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.topics[topic]; ok {
		delete(subs, subID)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Publish delivers payload to the current subscribers of topic. With no
// subscribers the event is dropped. A subscriber whose send fails is closed
// and removed; that never fails the publish.
func (h *Hub) Publish(_ context.Context, topic string, payload []byte) error {
	h.mu.RLock()
	subs := make([]Subscriber, 0, len(h.topics[topic]))
	for _, sub := range h.topics[topic] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	if len(subs) == 0 {
		observability.IncBusEvent("dropped")
		return nil
	}
	for _, sub := range subs {
		if err := sub.Send(payload); err != nil {
			h.log.Warn("subscriber send failed", "topic", topic, "subscriber", sub.ID(), "error", err)
			_ = sub.Close()
			h.Unsubscribe(topic, sub.ID())
			observability.IncBusEvent("send_failed")
			continue
		}
		observability.IncBusEvent("delivered")
	}
	return nil
}
