// Package rabbitmq picks the broker the process runs on and declares the
// exchanges that live outside the dispatch topology.
package rabbitmq

import (
	"context"
	"log/slog"

	"chat-dispatch/internal/broker"
)

// MemoryCapacity bounds each in-process queue when AMQP is unavailable.
const MemoryCapacity = 4096

// Open dials RabbitMQ, or returns the in-process broker when amqpURL is empty
// or the dial fails. The returned reason is empty for AMQP.
func Open(amqpURL string, log *slog.Logger) (broker.Broker, string) {
	if amqpURL == "" {
		log.Warn("rabbitmq disabled, using in-memory broker", "reason", "empty amqp url")
		return broker.NewMemory(MemoryCapacity), "empty amqp url"
	}

	b, err := broker.DialAMQP(amqpURL, log)
	if err != nil {
		log.Warn("rabbitmq disabled, using in-memory broker", "reason", err)
		return broker.NewMemory(MemoryCapacity), err.Error()
	}
	log.Info("rabbitmq connected")
	return b, ""
}

// Publishers declares the topic exchange for audit and websocket lifecycle
// events and returns a JSON publisher on it.
func Publishers(ctx context.Context, b broker.Broker, exchange string) (*broker.JSONPublisher, error) {
	if err := b.DeclareExchange(ctx, broker.ExchangeSpec{Name: exchange, Kind: broker.KindTopic}); err != nil {
		return nil, err
	}
	return broker.NewJSONPublisher(b, exchange), nil
}
