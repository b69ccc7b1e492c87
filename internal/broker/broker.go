// Package broker abstracts the message broker used for room dispatch. The
// AMQP implementation talks to RabbitMQ; the in-memory one backs local runs
// and tests with the same dead-letter semantics.
package broker

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrClosed          = errors.New("broker closed")
	ErrUnknownExchange = errors.New("exchange not declared")
	ErrUnknownQueue    = errors.New("queue not declared")
	ErrAlreadySettled  = errors.New("delivery already acknowledged or rejected")
)

const (
	KindDirect = "direct"
	KindTopic  = "topic"
)

// Header keys set on dead-lettered deliveries.
const (
	HeaderDeath         = "x-death"
	HeaderFirstDeathQ   = "x-first-death-queue"
	HeaderFirstDeathWhy = "x-first-death-reason"
	HeaderRequestID     = "x-request-id"
	HeaderTraceID       = "trace_id"
	DeathReasonRejected = "rejected"
	DeathReasonExpired  = "expired"
)

type ExchangeSpec struct {
	Name string
	Kind string
}

// QueueSpec declares a durable queue bound to Exchange with RoutingKey.
type QueueSpec struct {
	Name                 string
	Exchange             string
	RoutingKey           string
	TTL                  time.Duration // zero disables expiry
	DeadLetterExchange   string
	DeadLetterRoutingKey string
}

type Publishing struct {
	Exchange   string
	RoutingKey string
	MessageID  string
	Body       []byte
	Headers    map[string]any
	Mandatory  bool
}

// Nack reports a publish the broker refused to take responsibility for.
type Nack struct {
	MessageID  string
	RoutingKey string
}

// Returned reports a mandatory publish that no queue accepted.
type Returned struct {
	MessageID  string
	Exchange   string
	RoutingKey string
	ReplyCode  int
	Reason     string
}

// Delivery is one message handed to a consumer. Exactly one of Ack or Reject
// takes effect; later calls return ErrAlreadySettled.
type Delivery struct {
	Exchange    string
	RoutingKey  string
	MessageID   string
	Body        []byte
	Headers     map[string]any
	Redelivered bool

	settle *settler
}

func (d Delivery) Ack() error {
	if d.settle == nil {
		return nil
	}
	return d.settle.do(func() error { return d.settle.ack() })
}

// Reject settles the delivery negatively. Without requeue it is dead-lettered
// when the queue has a dead-letter exchange, and discarded otherwise.
func (d Delivery) Reject(requeue bool) error {
	if d.settle == nil {
		return nil
	}
	return d.settle.do(func() error { return d.settle.reject(requeue) })
}

type settler struct {
	once   sync.Once
	ack    func() error
	reject func(requeue bool) error
}

func (s *settler) do(fn func() error) error {
	err := ErrAlreadySettled
	s.once.Do(func() { err = fn() })
	return err
}

// NewDelivery builds a delivery with custom settle callbacks.
func NewDelivery(d Delivery, ack func() error, reject func(requeue bool) error) Delivery {
	d.settle = &settler{ack: ack, reject: reject}
	return d
}

// Subscription is an active consumer. Cancel stops new deliveries and closes
// Deliveries; already received deliveries can still be settled until Close.
// Close releases the consumer, returning unsettled deliveries to the queue.
type Subscription interface {
	Deliveries() <-chan Delivery
	Cancel() error
	Close() error
}

type Broker interface {
	DeclareExchange(ctx context.Context, spec ExchangeSpec) error
	DeclareQueue(ctx context.Context, spec QueueSpec) error
	DeleteQueue(ctx context.Context, name string) error
	Publish(ctx context.Context, p Publishing) error
	Consume(ctx context.Context, queue, consumerTag string, prefetch int) (Subscription, error)
	Nacks() <-chan Nack
	Returns() <-chan Returned
	Close() error
}

// Mode reports the broker implementation for logging.
func Mode(b Broker) string {
	switch b.(type) {
	case *AMQP:
		return "amqp"
	case *Memory:
		return "memory"
	default:
		return "unknown"
	}
}

// FirstDeath returns the queue and reason recorded when a message was first
// dead-lettered.
func FirstDeath(headers map[string]any) (queue, reason string) {
	queue, _ = headers[HeaderFirstDeathQ].(string)
	reason, _ = headers[HeaderFirstDeathWhy].(string)
	return queue, reason
}
