package broker

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"chat-dispatch/internal/observability"
)

// JSONPublisher publishes JSON events to one exchange.
type JSONPublisher struct {
	broker   Broker
	exchange string
}

func NewJSONPublisher(b Broker, exchange string) *JSONPublisher {
	return &JSONPublisher{broker: b, exchange: exchange}
}

func (p *JSONPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	err := p.publish(ctx, routingKey, event, nil)
	if err != nil {
		observability.IncAMQPPublishError()
	}
	return err
}

// PublishJSON satisfies observability.Publisher, which counts failures itself.
func (p *JSONPublisher) PublishJSON(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error {
	return p.publish(ctx, routingKey, message, headers)
}

func (p *JSONPublisher) publish(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	h := make(map[string]any, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	return p.broker.Publish(ctx, Publishing{
		Exchange:   p.exchange,
		RoutingKey: routingKey,
		MessageID:  uuid.NewString(),
		Body:       body,
		Headers:    h,
	})
}

// Close is a no-op; the broker is owned by the caller.
func (p *JSONPublisher) Close() error {
	return nil
}
