package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"chat-dispatch/internal/broker"
	"chat-dispatch/internal/errs"
	"chat-dispatch/internal/models"
	"chat-dispatch/internal/observability"
)

const (
	kindMessage = "message"
	kindReceipt = "receipt"
)

type PipelineConfig struct {
	Workers   int
	QueueSize int
	Retry     RetryPolicy
}

type publishJob struct {
	kind   string
	roomID int64
	pub    broker.Publishing
}

// Pipeline publishes envelopes to the broker off the request path. Enqueueing
// never blocks; a full queue is reported as errs.ErrTransientDispatch.
// Broker nacks and returns are observed in the background and only logged,
// counted and audited.
type Pipeline struct {
	broker   broker.Broker
	registry *Registry
	audit    Auditor
	log      *slog.Logger
	cfg      PipelineConfig

	mu      sync.RWMutex
	started bool
	stopped bool
	jobs    chan publishJob

	workCtx    context.Context
	cancelWork context.CancelFunc
	workers    sync.WaitGroup
	observers  sync.WaitGroup
	quit       chan struct{}
}

func NewPipeline(b broker.Broker, registry *Registry, audit Auditor, cfg PipelineConfig, log *slog.Logger) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	cfg.Retry = cfg.Retry.withDefaults()
	return &Pipeline{
		broker:   b,
		registry: registry,
		audit:    audit,
		log:      log,
		cfg:      cfg,
		jobs:     make(chan publishJob, cfg.QueueSize),
		quit:     make(chan struct{}),
	}
}

// Start launches the publish workers and the confirm/return observers.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.workCtx, p.cancelWork = context.WithCancel(context.WithoutCancel(ctx))

	for i := 0; i < p.cfg.Workers; i++ {
		p.workers.Add(1)
		go p.work()
	}
	p.observers.Add(1)
	go p.observe()
	p.log.Info("dispatch pipeline started", "workers", p.cfg.Workers, "queue_size", p.cfg.QueueSize)
}

// PublishMessage queues env for the room's channel, or the default channel
// when the room has none.
func (p *Pipeline) PublishMessage(ctx context.Context, env models.MessageEnvelope) error {
	if env.EnvelopeID == "" {
		env.EnvelopeID = uuid.NewString()
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	topo := p.registry.Topology()
	key := DefaultRoutingKey
	if h, ok := p.registry.Lookup(env.RoomID); ok {
		key = h.RoutingKey
	}
	return p.enqueue(publishJob{
		kind:   kindMessage,
		roomID: env.RoomID,
		pub: broker.Publishing{
			Exchange:   topo.ChatExchange,
			RoutingKey: key,
			MessageID:  env.EnvelopeID,
			Body:       body,
			Headers:    headersFor(ctx, env.RequestID),
			Mandatory:  true,
		},
	})
}

// PublishReadReceipt queues evt for the status channel.
func (p *Pipeline) PublishReadReceipt(ctx context.Context, evt models.ReadReceiptEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}
	return p.enqueue(publishJob{
		kind:   kindReceipt,
		roomID: evt.RoomID,
		pub: broker.Publishing{
			Exchange:   p.registry.Topology().StatusExchange,
			RoutingKey: StatusRoutingKey,
			MessageID:  uuid.NewString(),
			Body:       body,
			Headers:    headersFor(ctx, ""),
			Mandatory:  true,
		},
	})
}

func headersFor(ctx context.Context, requestID string) map[string]any {
	out := map[string]any{}
	for k, v := range observability.BuildHeaders(requestID, observability.TraceIDFromContext(ctx)) {
		out[k] = v
	}
	return out
}

func (p *Pipeline) enqueue(j publishJob) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		observability.IncDispatchPublish(j.kind, "rejected")
		return fmt.Errorf("%w: pipeline stopped", errs.ErrTransientDispatch)
	}
	select {
	case p.jobs <- j:
		observability.SetDispatchQueueDepth(len(p.jobs))
		return nil
	default:
		observability.IncDispatchPublish(j.kind, "rejected")
		return fmt.Errorf("%w: publish queue full", errs.ErrTransientDispatch)
	}
}

func (p *Pipeline) work() {
	defer p.workers.Done()
	for j := range p.jobs {
		observability.SetDispatchQueueDepth(len(p.jobs))
		p.publish(j)
	}
}

func (p *Pipeline) publish(j publishJob) {
	ctx, span := observability.Tracer().Start(p.workCtx, "dispatch.publish")
	span.SetAttributes(
		attribute.String("dispatch.kind", j.kind),
		attribute.Int64("room.id", j.roomID),
		attribute.String("messaging.destination", j.pub.RoutingKey),
	)
	defer span.End()

	attempts, err := p.cfg.Retry.Do(ctx, func(int) error {
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return p.broker.Publish(attemptCtx, j.pub)
	}, func(attempt int, err error, wait time.Duration) {
		observability.IncDispatchPublish(j.kind, "retry")
		p.log.Warn("publish failed, retrying",
			"kind", j.kind, "room_id", j.roomID, "routing_key", j.pub.RoutingKey,
			"attempt", attempt, "wait", wait, "error", err)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish dropped")
		observability.IncDispatchPublish(j.kind, "dropped")
		p.log.Error("publish dropped",
			"kind", j.kind, "room_id", j.roomID, "routing_key", j.pub.RoutingKey,
			"envelope_id", j.pub.MessageID, "attempts", attempts, "error", err)
		return
	}
	observability.IncDispatchPublish(j.kind, "ok")
}

func (p *Pipeline) observe() {
	defer p.observers.Done()
	for {
		select {
		case n := <-p.broker.Nacks():
			observability.IncDispatchPublish("any", "nack")
			p.log.Warn("broker nacked publish", "envelope_id", n.MessageID, "routing_key", n.RoutingKey)
			p.emit("warn", fmt.Sprintf("broker nack envelope_id=%s routing_key=%s", n.MessageID, n.RoutingKey))
		case r := <-p.broker.Returns():
			observability.IncDispatchPublish("any", "returned")
			p.log.Warn("broker returned publish",
				"envelope_id", r.MessageID, "exchange", r.Exchange, "routing_key", r.RoutingKey,
				"reply_code", r.ReplyCode, "reason", r.Reason)
			p.emit("warn", fmt.Sprintf("broker return envelope_id=%s routing_key=%s code=%d reason=%s",
				r.MessageID, r.RoutingKey, r.ReplyCode, r.Reason))
		case <-p.quit:
			return
		}
	}
}

func (p *Pipeline) emit(level, text string) {
	if p.audit != nil {
		p.audit.Emit(context.Background(), level, text, "", nil)
	}
}

// Stop refuses new work and drains queued jobs until ctx is done; whatever
// is still queued then is abandoned.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		p.cancelWork()
		<-drained
		err = fmt.Errorf("pipeline drain: %w", ctx.Err())
	}
	p.cancelWork()
	close(p.quit)
	p.observers.Wait()
	p.log.Info("dispatch pipeline stopped")
	return err
}
