package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"chat-dispatch/internal/observability"
)

// AMQP is a RabbitMQ broker. Publishes go through one confirm-mode channel;
// every consumer and every declaration gets its own channel so a channel
// level error in one cannot take the others down. A dropped connection is
// redialled with backoff; until it is back every call returns ErrClosed and
// open subscriptions see their delivery channel close.
type AMQP struct {
	url string
	log *slog.Logger

	connMu sync.RWMutex
	conn   *amqp.Connection

	pubMu   sync.Mutex
	pubCh   *amqp.Channel
	pending map[uint64]Nack

	nacks   chan Nack
	returns chan Returned

	closed    chan struct{}
	closeOnce sync.Once
	// MaxReconnectWait caps the wait between redial attempts.
	MaxReconnectWait time.Duration
}

// DialAMQP connects to url and prepares the confirm-mode publish channel.
func DialAMQP(url string, log *slog.Logger) (*AMQP, error) {
	if url == "" {
		return nil, errors.New("amqp url is empty")
	}
	b := &AMQP{
		url:              url,
		log:              log,
		nacks:            make(chan Nack, 256),
		returns:          make(chan Returned, 256),
		closed:           make(chan struct{}),
		MaxReconnectWait: 30 * time.Second,
	}
	if err := b.open(); err != nil {
		return nil, err
	}
	log.Info("rabbitmq connected")
	return b, nil
}

// open dials, enables confirms on a fresh publish channel and starts the
// watchers for that connection.
func (b *AMQP) open() error {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	closes := conn.NotifyClose(make(chan *amqp.Error, 1))
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 256))
	returns := ch.NotifyReturn(make(chan amqp.Return, 64))

	// Close closes b.closed before taking connMu, so a connection stored
	// here is either seen and closed by Close or refused
	b.connMu.Lock()
	select {
	case <-b.closed:
		b.connMu.Unlock()
		_ = conn.Close()
		return ErrClosed
	default:
	}
	b.conn = conn
	b.connMu.Unlock()

	pending := make(map[uint64]Nack)
	b.pubMu.Lock()
	b.pubCh = ch
	b.pending = pending
	b.pubMu.Unlock()

	go b.watchConfirms(confirms, pending)
	go b.watchReturns(returns)
	go b.watchConnection(closes)
	return nil
}

// watchConnection redials after an unexpected close. A close we asked for
// arrives as a nil error or a closed channel.
func (b *AMQP) watchConnection(closes <-chan *amqp.Error) {
	reason, ok := <-closes
	if !ok || reason == nil {
		return
	}
	select {
	case <-b.closed:
		return
	default:
	}
	b.log.Warn("rabbitmq connection lost, reconnecting", "code", reason.Code, "reason", reason.Reason)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	eb.MaxInterval = b.MaxReconnectWait
	eb.MaxElapsedTime = 0
	err := backoff.RetryNotify(func() error {
		select {
		case <-b.closed:
			return backoff.Permanent(ErrClosed)
		default:
		}
		return b.open()
	}, eb, func(err error, wait time.Duration) {
		observability.IncBrokerReconnect("failed")
		b.log.Warn("rabbitmq redial failed", "wait", wait, "error", err)
	})
	if err != nil {
		return
	}
	observability.IncBrokerReconnect("recovered")
	b.log.Info("rabbitmq reconnected")
}

func (b *AMQP) watchConfirms(confirms <-chan amqp.Confirmation, pending map[uint64]Nack) {
	for c := range confirms {
		b.pubMu.Lock()
		info, ok := pending[c.DeliveryTag]
		delete(pending, c.DeliveryTag)
		b.pubMu.Unlock()

		if c.Ack || !ok {
			continue
		}
		select {
		case b.nacks <- info:
		default:
			b.log.Warn("nack notification dropped", "message_id", info.MessageID, "routing_key", info.RoutingKey)
		}
	}
}

func (b *AMQP) watchReturns(returns <-chan amqp.Return) {
	for r := range returns {
		ret := Returned{
			MessageID:  r.MessageId,
			Exchange:   r.Exchange,
			RoutingKey: r.RoutingKey,
			ReplyCode:  int(r.ReplyCode),
			Reason:     r.ReplyText,
		}
		select {
		case b.returns <- ret:
		default:
			b.log.Warn("return notification dropped", "message_id", ret.MessageID, "routing_key", ret.RoutingKey)
		}
	}
}

func (b *AMQP) Nacks() <-chan Nack       { return b.nacks }
func (b *AMQP) Returns() <-chan Returned { return b.returns }

// connection returns the live connection, or ErrClosed while closed or
// reconnecting.
func (b *AMQP) connection() (*amqp.Connection, error) {
	b.connMu.RLock()
	defer b.connMu.RUnlock()
	if b.conn == nil || b.conn.IsClosed() {
		return nil, ErrClosed
	}
	return b.conn, nil
}

// withChannel runs fn on a short-lived channel.
func (b *AMQP) withChannel(fn func(ch *amqp.Channel) error) error {
	conn, err := b.connection()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	return fn(ch)
}

func (b *AMQP) DeclareExchange(_ context.Context, spec ExchangeSpec) error {
	kind := spec.Kind
	if kind == "" {
		kind = KindDirect
	}
	return b.withChannel(func(ch *amqp.Channel) error {
		return ch.ExchangeDeclare(spec.Name, kind, true, false, false, false, nil)
	})
}

func queueArgs(spec QueueSpec) amqp.Table {
	args := amqp.Table{}
	if spec.TTL > 0 {
		args["x-message-ttl"] = spec.TTL.Milliseconds()
	}
	if spec.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = spec.DeadLetterExchange
		if spec.DeadLetterRoutingKey != "" {
			args["x-dead-letter-routing-key"] = spec.DeadLetterRoutingKey
		}
	}
	return args
}

// DeclareQueue declares and binds a durable queue. Redeclaring with the same
// arguments is a no-op on the server.
func (b *AMQP) DeclareQueue(_ context.Context, spec QueueSpec) error {
	return b.withChannel(func(ch *amqp.Channel) error {
		if _, err := ch.QueueDeclare(spec.Name, true, false, false, false, queueArgs(spec)); err != nil {
			return fmt.Errorf("declare queue %s: %w", spec.Name, err)
		}
		if spec.Exchange == "" {
			return nil
		}
		if err := ch.QueueBind(spec.Name, spec.RoutingKey, spec.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", spec.Name, err)
		}
		return nil
	})
}

func (b *AMQP) DeleteQueue(_ context.Context, name string) error {
	return b.withChannel(func(ch *amqp.Channel) error {
		_, err := ch.QueueDelete(name, false, false, false)
		return err
	})
}

// Publish hands p to the broker. The confirm arrives asynchronously; a
// negative one is reported on Nacks.
func (b *AMQP) Publish(ctx context.Context, p Publishing) error {
	if _, err := b.connection(); err != nil {
		return err
	}
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if b.pubCh == nil || b.pubCh.IsClosed() {
		return ErrClosed
	}

	headers := amqp.Table{}
	for k, v := range p.Headers {
		headers[k] = v
	}
	tag := b.pubCh.GetNextPublishSeqNo()
	err := b.pubCh.PublishWithContext(ctx, p.Exchange, p.RoutingKey, p.Mandatory, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    p.MessageID,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         p.Body,
	})
	if err != nil {
		return err
	}
	b.pending[tag] = Nack{MessageID: p.MessageID, RoutingKey: p.RoutingKey}
	return nil
}

// Consume opens a dedicated channel with the given prefetch and starts a
// manual-ack consumer on queue.
func (b *AMQP) Consume(_ context.Context, queue, consumerTag string, prefetch int) (Subscription, error) {
	conn, err := b.connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			_ = ch.Close()
			return nil, err
		}
	}
	in, err := ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}

	sub := &amqpSubscription{ch: ch, tag: consumerTag, out: make(chan Delivery)}
	go sub.forward(in)
	return sub, nil
}

func (b *AMQP) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		b.pubMu.Lock()
		if b.pubCh != nil {
			_ = b.pubCh.Close()
		}
		b.pubMu.Unlock()
		b.connMu.Lock()
		if b.conn != nil && !b.conn.IsClosed() {
			err = b.conn.Close()
		}
		b.connMu.Unlock()
	})
	return err
}

type amqpSubscription struct {
	ch  *amqp.Channel
	tag string
	out chan Delivery
}

func (s *amqpSubscription) forward(in <-chan amqp.Delivery) {
	defer close(s.out)
	for d := range in {
		d := d
		s.out <- NewDelivery(Delivery{
			Exchange:    d.Exchange,
			RoutingKey:  d.RoutingKey,
			MessageID:   d.MessageId,
			Body:        d.Body,
			Headers:     map[string]any(d.Headers),
			Redelivered: d.Redelivered,
		},
			func() error { return d.Ack(false) },
			func(requeue bool) error { return d.Reject(requeue) },
		)
	}
}

func (s *amqpSubscription) Deliveries() <-chan Delivery { return s.out }

// Cancel asks the server to stop delivering; the deliveries channel closes
// once the server confirms.
func (s *amqpSubscription) Cancel() error {
	return s.ch.Cancel(s.tag, false)
}

func (s *amqpSubscription) Close() error {
	err := s.ch.Close()
	// drain so forward can exit if the server pushed more before closing
	for range s.out {
	}
	return err
}
