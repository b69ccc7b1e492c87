package broker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const defaultMemoryCapacity = 1024

// Memory is an in-process broker with RabbitMQ-like routing: direct and topic
// exchanges, per-queue TTL, dead-letter exchanges, prefetch and requeue.
// A publish into a full queue is nacked; a mandatory publish that reaches no
// queue is returned.
type Memory struct {
	mu        sync.Mutex
	closed    bool
	capacity  int
	exchanges map[string]string
	queues    map[string]*memQueue

	nacks   chan Nack
	returns chan Returned
}

type memMessage struct {
	exchange    string
	routingKey  string
	messageID   string
	body        []byte
	headers     map[string]any
	redelivered bool
	enqueued    time.Time
}

type memQueue struct {
	spec    QueueSpec
	ch      chan memMessage
	deleted chan struct{}
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &Memory{
		capacity:  capacity,
		exchanges: map[string]string{"": KindDirect},
		queues:    make(map[string]*memQueue),
		nacks:     make(chan Nack, 256),
		returns:   make(chan Returned, 256),
	}
}

func (m *Memory) Nacks() <-chan Nack       { return m.nacks }
func (m *Memory) Returns() <-chan Returned { return m.returns }

func (m *Memory) DeclareExchange(_ context.Context, spec ExchangeSpec) error {
	kind := spec.Kind
	if kind == "" {
		kind = KindDirect
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if existing, ok := m.exchanges[spec.Name]; ok && existing != kind {
		return fmt.Errorf("exchange %s already declared as %s", spec.Name, existing)
	}
	m.exchanges[spec.Name] = kind
	return nil
}

func (m *Memory) DeclareQueue(_ context.Context, spec QueueSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if spec.Exchange != "" {
		if _, ok := m.exchanges[spec.Exchange]; !ok {
			return fmt.Errorf("bind queue %s: %w: %s", spec.Name, ErrUnknownExchange, spec.Exchange)
		}
	}
	if q, ok := m.queues[spec.Name]; ok {
		if q.spec.TTL != spec.TTL || q.spec.DeadLetterExchange != spec.DeadLetterExchange || q.spec.DeadLetterRoutingKey != spec.DeadLetterRoutingKey {
			return fmt.Errorf("queue %s redeclared with different arguments", spec.Name)
		}
		q.spec.Exchange = spec.Exchange
		q.spec.RoutingKey = spec.RoutingKey
		return nil
	}
	m.queues[spec.Name] = &memQueue{
		spec:    spec,
		ch:      make(chan memMessage, m.capacity),
		deleted: make(chan struct{}),
	}
	return nil
}

// DeleteQueue drops the queue and its messages. Deleting a missing queue is a no-op.
func (m *Memory) DeleteQueue(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[name]; ok {
		delete(m.queues, name)
		close(q.deleted)
	}
	return nil
}

// QueueNames lists declared queues, sorted.
func (m *Memory) QueueNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Depth is the number of ready messages in the queue.
func (m *Memory) Depth(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[name]; ok {
		return len(q.ch)
	}
	return 0
}

func (m *Memory) Publish(_ context.Context, p Publishing) error {
	msg := memMessage{
		exchange:   p.Exchange,
		routingKey: p.RoutingKey,
		messageID:  p.MessageID,
		body:       append([]byte(nil), p.Body...),
		headers:    copyHeaders(p.Headers),
	}
	routed, err := m.route(msg)
	if err != nil {
		return err
	}
	if routed == 0 && p.Mandatory {
		m.notifyReturn(Returned{
			MessageID:  p.MessageID,
			Exchange:   p.Exchange,
			RoutingKey: p.RoutingKey,
			ReplyCode:  312,
			Reason:     "NO_ROUTE",
		})
	}
	return nil
}

// route enqueues msg on every matching queue and returns how many matched.
func (m *Memory) route(msg memMessage) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	kind, ok := m.exchanges[msg.exchange]
	if !ok {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrUnknownExchange, msg.exchange)
	}
	var targets []*memQueue
	if msg.exchange == "" {
		if q, ok := m.queues[msg.routingKey]; ok {
			targets = append(targets, q)
		}
	} else {
		for _, q := range m.queues {
			if q.spec.Exchange == msg.exchange && bindingMatches(kind, q.spec.RoutingKey, msg.routingKey) {
				targets = append(targets, q)
			}
		}
	}
	m.mu.Unlock()

	msg.enqueued = time.Now()
	for _, q := range targets {
		select {
		case q.ch <- msg:
		default:
			m.notifyNack(Nack{MessageID: msg.messageID, RoutingKey: msg.routingKey})
		}
	}
	return len(targets), nil
}

func (m *Memory) notifyNack(n Nack) {
	select {
	case m.nacks <- n:
	default:
	}
}

func (m *Memory) notifyReturn(r Returned) {
	select {
	case m.returns <- r:
	default:
	}
}

// deadLetter republishes msg through the queue's dead-letter exchange with
// x-death metadata, or discards it when the queue has none.
func (m *Memory) deadLetter(q *memQueue, msg memMessage, reason string) {
	if q.spec.DeadLetterExchange == "" {
		return
	}
	headers := copyHeaders(msg.headers)
	deaths, _ := headers[HeaderDeath].([]map[string]any)
	deaths = append([]map[string]any{{
		"queue":        q.spec.Name,
		"reason":       reason,
		"exchange":     msg.exchange,
		"routing-keys": []string{msg.routingKey},
		"time":         time.Now().UTC(),
	}}, deaths...)
	headers[HeaderDeath] = deaths
	if _, ok := headers[HeaderFirstDeathQ]; !ok {
		headers[HeaderFirstDeathQ] = q.spec.Name
		headers[HeaderFirstDeathWhy] = reason
	}

	key := q.spec.DeadLetterRoutingKey
	if key == "" {
		key = msg.routingKey
	}
	_, _ = m.route(memMessage{
		exchange:   q.spec.DeadLetterExchange,
		routingKey: key,
		messageID:  msg.messageID,
		body:       msg.body,
		headers:    headers,
	})
}

func (m *Memory) requeue(q *memQueue, msg memMessage) {
	msg.redelivered = true
	select {
	case <-q.deleted:
	case q.ch <- msg:
	default:
		m.deadLetter(q, msg, DeathReasonRejected)
	}
}

func (m *Memory) Consume(_ context.Context, queue, consumerTag string, prefetch int) (Subscription, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	q, ok := m.queues[queue]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("consume %s: %w", queue, ErrUnknownQueue)
	}

	s := &memSubscription{
		broker:    m,
		queue:     q,
		tag:       consumerTag,
		out:       make(chan Delivery),
		cancel:    make(chan struct{}),
		stopped:   make(chan struct{}),
		unsettled: make(map[uint64]memMessage),
	}
	if prefetch > 0 {
		s.slots = make(chan struct{}, prefetch)
	}
	go s.run()
	return s, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for name, q := range m.queues {
		close(q.deleted)
		delete(m.queues, name)
	}
	return nil
}

type memSubscription struct {
	broker *Memory
	queue  *memQueue
	tag    string
	out    chan Delivery
	slots  chan struct{}

	cancelOnce sync.Once
	cancel     chan struct{}
	stopped    chan struct{}

	mu        sync.Mutex
	closed    bool
	nextID    uint64
	unsettled map[uint64]memMessage
}

func (s *memSubscription) run() {
	defer close(s.stopped)
	defer close(s.out)
	for {
		if s.slots != nil {
			select {
			case s.slots <- struct{}{}:
			case <-s.cancel:
				return
			case <-s.queue.deleted:
				return
			}
		}

		var msg memMessage
		select {
		case msg = <-s.queue.ch:
		case <-s.cancel:
			s.release()
			return
		case <-s.queue.deleted:
			s.release()
			return
		}

		if ttl := s.queue.spec.TTL; ttl > 0 && time.Since(msg.enqueued) > ttl {
			s.release()
			s.broker.deadLetter(s.queue, msg, DeathReasonExpired)
			continue
		}

		id := s.track(msg)
		d := NewDelivery(Delivery{
			Exchange:    msg.exchange,
			RoutingKey:  msg.routingKey,
			MessageID:   msg.messageID,
			Body:        msg.body,
			Headers:     copyHeaders(msg.headers),
			Redelivered: msg.redelivered,
		},
			func() error {
				s.untrack(id)
				return nil
			},
			func(requeue bool) error {
				m, ok := s.untrack(id)
				if !ok {
					return nil
				}
				if requeue {
					s.broker.requeue(s.queue, m)
				} else {
					s.broker.deadLetter(s.queue, m, DeathReasonRejected)
				}
				return nil
			},
		)

		select {
		case s.out <- d:
		case <-s.cancel:
			if m, ok := s.untrack(id); ok {
				s.broker.requeue(s.queue, m)
			}
			return
		case <-s.queue.deleted:
			return
		}
	}
}

func (s *memSubscription) release() {
	if s.slots != nil {
		select {
		case <-s.slots:
		default:
		}
	}
}

func (s *memSubscription) track(msg memMessage) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.unsettled[s.nextID] = msg
	return s.nextID
}

func (s *memSubscription) untrack(id uint64) (memMessage, bool) {
	s.mu.Lock()
	msg, ok := s.unsettled[id]
	if ok {
		delete(s.unsettled, id)
	}
	s.mu.Unlock()
	if ok {
		s.release()
	}
	return msg, ok
}

func (s *memSubscription) Deliveries() <-chan Delivery { return s.out }

func (s *memSubscription) Cancel() error {
	s.cancelOnce.Do(func() { close(s.cancel) })
	return nil
}

// Close cancels the consumer and requeues every unsettled delivery.
func (s *memSubscription) Close() error {
	_ = s.Cancel()
	<-s.stopped

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := s.unsettled
	s.unsettled = make(map[uint64]memMessage)
	s.mu.Unlock()

	for _, msg := range pending {
		s.broker.requeue(s.queue, msg)
	}
	return nil
}

func copyHeaders(h map[string]any) map[string]any {
	out := make(map[string]any, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// bindingMatches applies AMQP binding rules. Topic patterns use '.' separated
// words with '*' matching one word and '#' matching zero or more.
func bindingMatches(kind, pattern, key string) bool {
	if kind != KindTopic {
		return pattern == key
	}
	return topicMatch(strings.Split(pattern, "."), strings.Split(key, "."))
}

func topicMatch(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if topicMatch(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}
