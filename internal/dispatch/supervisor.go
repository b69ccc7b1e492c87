package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"chat-dispatch/internal/broker"
	"chat-dispatch/internal/errs"
	"chat-dispatch/internal/observability"
)

// RoomState is the lifecycle of a room consumer.
type RoomState int

const (
	StateAbsent RoomState = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s RoomState) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	default:
		return "ABSENT"
	}
}

var ErrSupervisorStopped = fmt.Errorf("%w: consumer supervisor not running", errs.ErrTransientDispatch)

// PoolSize bounds one consumer's worker pool.
type PoolSize struct {
	Min int
	Max int
}

type SupervisorConfig struct {
	MinWorkers  int
	MaxWorkers  int
	IdleTimeout time.Duration
	DrainGrace  time.Duration
	Prefetch    int
	Retry       RetryPolicy
	// Pools overrides MinWorkers/MaxWorkers per queue kind: room, default,
	// status or dead_letter.
	Pools map[string]PoolSize
	// RestartBackoff caps the wait between attempts to bring a lost shared
	// consumer back.
	RestartBackoff time.Duration
}

// Handlers are the consumer-side processors for each queue kind.
type Handlers struct {
	Messages    Handler
	Receipts    Handler
	DeadLetters Handler
}

const (
	queueKindRoom       = "room"
	queueKindDefault    = "default"
	queueKindStatus     = "status"
	queueKindDeadLetter = "dead_letter"
)

type consumer struct {
	roomID  int64
	queue   string
	kind    string
	handler Handler
	retry   RetryPolicy
	sub     broker.Subscription
	pool    *workerPool

	hardCtx    context.Context
	hardCancel context.CancelFunc
	inflight   sync.WaitGroup
	done       chan struct{}
	// stopping is set before the consumer is cancelled on purpose; a
	// delivery stream that closes without it was lost.
	stopping    atomic.Bool
	releaseOnce sync.Once
}

type roomEntry struct {
	state RoomState
	c     *consumer
	err   error
	// settled is closed when the current transition finishes.
	settled chan struct{}
}

// Supervisor owns the broker consumers: one per room plus the shared default,
// status and dead-letter consumers. Each consumer processes deliveries on its
// own bounded worker pool and acknowledges only after the handler succeeds;
// exhausted retries reject without requeue so the broker dead-letters them.
//
// A consumer whose delivery stream closes without being stopped (queue
// deleted elsewhere, broker restart, connection loss) is released. A lost
// room consumer returns the room to ABSENT so the next EnsureRoom declares
// the channel again; a lost shared consumer is restarted with backoff.
type Supervisor struct {
	broker   broker.Broker
	registry *Registry
	handlers Handlers
	cfg      SupervisorConfig
	log      *slog.Logger

	mu       sync.Mutex
	running  bool
	life     context.Context
	stopLife context.CancelFunc
	rooms    map[int64]*roomEntry
	shared   []*consumer
	restarts sync.WaitGroup
}

func NewSupervisor(b broker.Broker, registry *Registry, handlers Handlers, cfg SupervisorConfig, log *slog.Logger) *Supervisor {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 5
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = 10 * time.Second
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = cfg.MaxWorkers
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = 10 * time.Second
	}
	cfg.Retry = cfg.Retry.withDefaults()
	return &Supervisor{
		broker:   b,
		registry: registry,
		handlers: handlers,
		cfg:      cfg,
		log:      log,
		rooms:    make(map[int64]*roomEntry),
	}
}

// Start declares the shared topology and starts the default, status and
// dead-letter consumers.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if err := s.registry.DeclareShared(ctx); err != nil {
		return fmt.Errorf("declare shared topology: %w", err)
	}

	noRetry := RetryPolicy{MaxAttempts: 1, Base: time.Millisecond, Multiplier: 1, Cap: time.Millisecond}
	specs := []struct {
		queue, kind string
		handler     Handler
		retry       RetryPolicy
	}{
		{DefaultQueue, queueKindDefault, s.handlers.Messages, s.cfg.Retry},
		{StatusQueue, queueKindStatus, s.handlers.Receipts, s.cfg.Retry},
		{DeadLetterQueue, queueKindDeadLetter, s.handlers.DeadLetters, noRetry},
	}
	for _, spec := range specs {
		c, err := s.startConsumer(ctx, 0, spec.queue, spec.kind, spec.handler, spec.retry)
		if err != nil {
			for _, started := range s.shared {
				s.stopConsumer(started, 0)
			}
			s.shared = nil
			return err
		}
		s.shared = append(s.shared, c)
	}
	s.life, s.stopLife = context.WithCancel(context.Background())
	s.running = true
	s.log.Info("consumer supervisor started",
		"min_workers", s.cfg.MinWorkers, "max_workers", s.cfg.MaxWorkers, "max_attempts", s.cfg.Retry.MaxAttempts)
	return nil
}

func (s *Supervisor) poolSize(kind string) PoolSize {
	size := PoolSize{Min: s.cfg.MinWorkers, Max: s.cfg.MaxWorkers}
	if o, ok := s.cfg.Pools[kind]; ok {
		if o.Min > 0 {
			size.Min = o.Min
		}
		if o.Max > 0 {
			size.Max = o.Max
		}
	}
	if size.Max < size.Min {
		size.Max = size.Min
	}
	return size
}

// EnsureRoom makes sure the room has a channel and a running consumer. It is
// idempotent and safe to call concurrently; only one consumer is ever
// started per room.
func (s *Supervisor) EnsureRoom(ctx context.Context, roomID int64) error {
	for {
		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			return ErrSupervisorStopped
		}
		e, ok := s.rooms[roomID]
		if !ok {
			e = &roomEntry{state: StateStarting, settled: make(chan struct{})}
			s.rooms[roomID] = e
			s.mu.Unlock()
			return s.startRoom(ctx, roomID, e)
		}
		state, settled := e.state, e.settled
		s.mu.Unlock()

		if state == StateRunning {
			return nil
		}
		select {
		case <-settled:
		case <-ctx.Done():
			return ctx.Err()
		}
		if state == StateStarting {
			s.mu.Lock()
			err := e.err
			s.mu.Unlock()
			if err != nil {
				return err
			}
		}
	}
}

func (s *Supervisor) startRoom(ctx context.Context, roomID int64, e *roomEntry) error {
	var c *consumer
	h, err := s.registry.EnsureChannel(ctx, roomID)
	if err == nil {
		c, err = s.startConsumer(ctx, roomID, h.Queue, queueKindRoom, s.handlers.Messages, s.cfg.Retry)
	}

	s.mu.Lock()
	if err == nil && !s.running {
		// supervisor stopped while this room was starting
		s.mu.Unlock()
		s.stopConsumer(c, 0)
		err = ErrSupervisorStopped
		s.mu.Lock()
	}
	if err != nil {
		e.err = err
		if s.rooms[roomID] == e {
			delete(s.rooms, roomID)
		}
	} else {
		e.state = StateRunning
		e.c = c
	}
	close(e.settled)
	n := s.runningRoomsLocked()
	s.mu.Unlock()

	if err != nil {
		s.log.Error("room consumer start failed", "room_id", roomID, "error", err)
		return err
	}
	observability.SetActiveRoomConsumers(n)
	s.log.Info("room consumer running", "room_id", roomID, "queue", h.Queue)
	return nil
}

// RemoveRoom stops the room's consumer, draining in-flight deliveries for up
// to the drain grace, and deletes its channel. Removing an absent room is a
// no-op.
func (s *Supervisor) RemoveRoom(ctx context.Context, roomID int64) error {
	for {
		s.mu.Lock()
		e, ok := s.rooms[roomID]
		if !ok {
			s.mu.Unlock()
			return nil
		}
		if e.state == StateRunning {
			e.state = StateStopping
			e.settled = make(chan struct{})
			c := e.c
			s.mu.Unlock()
			return s.stopRoom(ctx, roomID, e, c)
		}
		settled := e.settled
		stopping := e.state == StateStopping
		s.mu.Unlock()

		select {
		case <-settled:
		case <-ctx.Done():
			return ctx.Err()
		}
		if stopping {
			return nil
		}
	}
}

func (s *Supervisor) stopRoom(ctx context.Context, roomID int64, e *roomEntry, c *consumer) error {
	s.stopConsumer(c, s.graceFor(ctx))
	err := s.registry.RemoveChannel(ctx, roomID)

	s.mu.Lock()
	delete(s.rooms, roomID)
	close(e.settled)
	n := s.runningRoomsLocked()
	s.mu.Unlock()

	observability.SetActiveRoomConsumers(n)
	s.log.Info("room consumer removed", "room_id", roomID)
	return err
}

// State reports the room's consumer state.
func (s *Supervisor) State(roomID int64) RoomState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.rooms[roomID]; ok {
		return e.state
	}
	return StateAbsent
}

// Stop drains and stops every consumer. Room channels are kept so queued
// messages survive a restart.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.stopLife()
	var stopping []*consumer
	var entries []*roomEntry
	for _, e := range s.rooms {
		if e.state == StateRunning {
			e.state = StateStopping
			e.settled = make(chan struct{})
			stopping = append(stopping, e.c)
			entries = append(entries, e)
		}
	}
	stopping = append(stopping, s.shared...)
	s.shared = nil
	s.mu.Unlock()
	s.restarts.Wait()

	grace := s.graceFor(ctx)
	var g errgroup.Group
	for _, c := range stopping {
		c := c
		g.Go(func() error {
			s.stopConsumer(c, grace)
			return nil
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	for _, e := range entries {
		close(e.settled)
	}
	s.rooms = make(map[int64]*roomEntry)
	s.mu.Unlock()

	observability.SetActiveRoomConsumers(0)
	s.log.Info("consumer supervisor stopped")
	return nil
}

func (s *Supervisor) graceFor(ctx context.Context) time.Duration {
	grace := s.cfg.DrainGrace
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < grace {
			grace = left
		}
	}
	if grace < 0 {
		grace = 0
	}
	return grace
}

func (s *Supervisor) runningRoomsLocked() int {
	n := 0
	for _, e := range s.rooms {
		if e.state == StateRunning {
			n++
		}
	}
	return n
}

func (s *Supervisor) startConsumer(ctx context.Context, roomID int64, queue, kind string, h Handler, retry RetryPolicy) (*consumer, error) {
	size := s.poolSize(kind)
	prefetch := s.cfg.Prefetch
	if prefetch > size.Max {
		prefetch = size.Max
	}
	tag := queue + "." + uuid.NewString()[:8]
	sub, err := s.broker.Consume(ctx, queue, tag, prefetch)
	if err != nil {
		return nil, fmt.Errorf("start consumer on %s: %w", queue, err)
	}
	hardCtx, hardCancel := context.WithCancel(context.Background())
	c := &consumer{
		roomID:     roomID,
		queue:      queue,
		kind:       kind,
		handler:    h,
		retry:      retry,
		sub:        sub,
		pool:       newWorkerPool(size.Min, size.Max, s.cfg.IdleTimeout),
		hardCtx:    hardCtx,
		hardCancel: hardCancel,
		done:       make(chan struct{}),
	}
	go s.dispatchLoop(c)
	return c, nil
}

func (s *Supervisor) dispatchLoop(c *consumer) {
	defer close(c.done)
	for d := range c.sub.Deliveries() {
		d := d
		c.inflight.Add(1)
		err := c.pool.Submit(c.hardCtx, func() {
			defer c.inflight.Done()
			s.process(c, d)
		})
		if err != nil {
			// left unsettled; closing the subscription returns it to the queue
			c.inflight.Done()
			observability.IncConsumerDelivery(c.kind, "abandoned")
		}
	}
	if c.stopping.Load() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// after Stop every consumer is released by Stop itself
	if !s.running {
		return
	}
	s.restarts.Add(1)
	go func() {
		defer s.restarts.Done()
		s.consumerLost(c)
	}()
}

// consumerLost releases a consumer whose delivery stream closed on its own
// and recovers the channel it served.
func (s *Supervisor) consumerLost(c *consumer) {
	s.log.Warn("consumer delivery stream closed unexpectedly", "queue", c.queue, "kind", c.kind, "room_id", c.roomID)

	if c.kind == queueKindRoom {
		s.mu.Lock()
		e, ok := s.rooms[c.roomID]
		lost := ok && e.state == StateRunning && e.c == c
		if lost {
			// forget the handle before the entry so the next EnsureRoom
			// declares the queue again
			s.registry.Forget(c.roomID)
			delete(s.rooms, c.roomID)
		}
		n := s.runningRoomsLocked()
		s.mu.Unlock()

		s.release(c, s.cfg.DrainGrace)
		if lost {
			observability.SetActiveRoomConsumers(n)
			observability.IncConsumerLoss(c.kind, "released")
			s.log.Warn("room consumer lost, room is absent until next use", "room_id", c.roomID, "queue", c.queue)
		}
		return
	}

	s.release(c, s.cfg.DrainGrace)
	s.restartShared(c)
}

// restartShared brings a lost shared consumer back, redeclaring the shared
// topology first. It gives up only when the supervisor stops.
func (s *Supervisor) restartShared(lost *consumer) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	life := s.life
	s.mu.Unlock()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	eb.MaxInterval = s.cfg.RestartBackoff
	eb.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		if err := s.registry.DeclareShared(life); err != nil {
			return err
		}
		c, err := s.startConsumer(life, 0, lost.queue, lost.kind, lost.handler, lost.retry)
		if err != nil {
			return err
		}

		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			s.stopConsumer(c, 0)
			return backoff.Permanent(ErrSupervisorStopped)
		}
		replaced := false
		for i, old := range s.shared {
			if old == lost {
				s.shared[i] = c
				replaced = true
			}
		}
		if !replaced {
			s.shared = append(s.shared, c)
		}
		s.mu.Unlock()
		return nil
	}, backoff.WithContext(eb, life), func(err error, wait time.Duration) {
		s.log.Warn("shared consumer restart failed", "queue", lost.queue, "wait", wait, "error", err)
	})
	if err != nil {
		s.log.Info("shared consumer not restarted", "queue", lost.queue, "error", err)
		return
	}
	observability.IncConsumerLoss(lost.kind, "restarted")
	s.log.Info("shared consumer restarted", "queue", lost.queue)
}

func (s *Supervisor) process(c *consumer, d broker.Delivery) {
	ctx, span := observability.Tracer().Start(c.hardCtx, "dispatch.consume")
	span.SetAttributes(
		attribute.String("messaging.source", c.queue),
		attribute.String("messaging.message_id", d.MessageID),
		attribute.Bool("messaging.redelivered", d.Redelivered),
	)
	defer span.End()

	attempts, err := c.retry.Do(ctx, func(int) error {
		return c.handler.Handle(ctx, d)
	}, func(attempt int, err error, wait time.Duration) {
		observability.IncConsumerRetry(c.kind)
		s.log.Warn("delivery handling failed, retrying",
			"queue", c.queue, "envelope_id", d.MessageID, "attempt", attempt, "wait", wait, "error", err)
	})

	if err == nil || c.kind == queueKindDeadLetter {
		if ackErr := d.Ack(); ackErr != nil && !errors.Is(ackErr, broker.ErrAlreadySettled) {
			s.log.Warn("ack failed", "queue", c.queue, "envelope_id", d.MessageID, "error", ackErr)
		}
		observability.IncConsumerDelivery(c.kind, "acked")
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "dead-lettered")
	s.log.Warn("delivery rejected to dead letter",
		"queue", c.queue,
		"envelope_id", d.MessageID,
		"routing_key", d.RoutingKey,
		"attempts", attempts,
		"permanent", errs.IsPermanent(err),
		"error", err,
	)
	if rejErr := d.Reject(false); rejErr != nil && !errors.Is(rejErr, broker.ErrAlreadySettled) {
		s.log.Warn("reject failed", "queue", c.queue, "envelope_id", d.MessageID, "error", rejErr)
	}
	observability.IncConsumerDelivery(c.kind, "dead_lettered")
}

// stopConsumer cancels the broker consumer, waits up to grace for in-flight
// deliveries, then aborts what is left and releases the subscription.
func (s *Supervisor) stopConsumer(c *consumer, grace time.Duration) {
	c.stopping.Store(true)
	if err := c.sub.Cancel(); err != nil {
		s.log.Warn("consumer cancel failed", "queue", c.queue, "error", err)
	}
	s.release(c, grace)
}

// release waits up to grace for in-flight deliveries, cancels the rest and
// frees the subscription and worker pool. Only the first call does anything.
func (s *Supervisor) release(c *consumer, grace time.Duration) {
	c.releaseOnce.Do(func() { s.drainAndClose(c, grace) })
}

func (s *Supervisor) drainAndClose(c *consumer, grace time.Duration) {
	drained := make(chan struct{})
	go func() {
		<-c.done
		c.inflight.Wait()
		close(drained)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		s.log.Warn("drain grace elapsed, stopping consumer hard", "queue", c.queue, "grace", grace)
		c.hardCancel()
		<-drained
	}
	c.hardCancel()
	if err := c.sub.Close(); err != nil {
		s.log.Warn("consumer close failed", "queue", c.queue, "error", err)
	}
	c.pool.Stop()
}
