package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-dispatch/internal/broker"
	"chat-dispatch/internal/logger"
	"chat-dispatch/internal/pubsub"
)

// countingBroker counts queue declarations and can fail them or publishes.
type countingBroker struct {
	*broker.Memory

	declares     sync.Map // queue name -> *int32
	failDeclare  atomic.Bool
	failPublishN atomic.Int32
	publishes    atomic.Int32
}

func newCountingBroker() *countingBroker {
	return &countingBroker{Memory: broker.NewMemory(64)}
}

func (b *countingBroker) DeclareQueue(ctx context.Context, spec broker.QueueSpec) error {
	v, _ := b.declares.LoadOrStore(spec.Name, new(int32))
	atomic.AddInt32(v.(*int32), 1)
	// widen the race window for concurrent callers
	time.Sleep(2 * time.Millisecond)
	if b.failDeclare.Load() {
		return errors.New("channel closed by broker")
	}
	return b.Memory.DeclareQueue(ctx, spec)
}

func (b *countingBroker) declareCount(queue string) int32 {
	v, ok := b.declares.Load(queue)
	if !ok {
		return 0
	}
	return atomic.LoadInt32(v.(*int32))
}

func (b *countingBroker) Publish(ctx context.Context, p broker.Publishing) error {
	b.publishes.Add(1)
	if b.failPublishN.Load() > 0 {
		b.failPublishN.Add(-1)
		return errors.New("connection reset")
	}
	return b.Memory.Publish(ctx, p)
}

type recorder struct {
	id  string
	got chan []byte
}

func newRecorder(id string) *recorder {
	return &recorder{id: id, got: make(chan []byte, 16)}
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Send(p []byte) error {
	r.got <- append([]byte(nil), p...)
	return nil
}

func (r *recorder) Close() error { return nil }

func (r *recorder) next(t *testing.T) []byte {
	t.Helper()
	select {
	case p := <-r.got:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("nothing received")
		return nil
	}
}

type auditRecord struct {
	level, text string
}

type auditRecorder struct {
	mu      sync.Mutex
	records []auditRecord
}

func (a *auditRecorder) Emit(_ context.Context, level, text, _ string, _ *string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, auditRecord{level: level, text: text})
}

func (a *auditRecorder) all() []auditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]auditRecord(nil), a.records...)
}

type deadLetter struct {
	messageID string
	queue     string
	reason    string
}

// deadRecorder records what reaches the dead-letter consumer.
type deadRecorder struct {
	mu   sync.Mutex
	seen []deadLetter
}

func (d *deadRecorder) Handle(_ context.Context, del broker.Delivery) error {
	queue, reason := broker.FirstDeath(del.Headers)
	d.mu.Lock()
	d.seen = append(d.seen, deadLetter{messageID: del.MessageID, queue: queue, reason: reason})
	d.mu.Unlock()
	return nil
}

func (d *deadRecorder) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *deadRecorder) first() deadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen[0]
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Base: 5 * time.Millisecond, Multiplier: 2, Cap: 20 * time.Millisecond}
}

type harness struct {
	broker   *countingBroker
	registry *Registry
	hub      *pubsub.Hub
	pipeline *Pipeline
	sup      *Supervisor
	dead     *deadRecorder
	audit    *auditRecorder
}

// newHarness wires registry, pipeline and supervisor over the memory broker.
// A nil messages handler means the production MessageHandler.
func newHarness(t *testing.T, messages Handler, grace time.Duration) *harness {
	t.Helper()
	log := logger.Nop()
	b := newCountingBroker()
	hub := pubsub.NewHub(log)
	reg := NewRegistry(b, Topology{}, log)
	audit := &auditRecorder{}
	dead := &deadRecorder{}
	if messages == nil {
		messages = NewMessageHandler(hub, nil, log)
	}

	sup := NewSupervisor(b, reg, Handlers{
		Messages:    messages,
		Receipts:    NewReceiptHandler(hub),
		DeadLetters: dead,
	}, SupervisorConfig{MinWorkers: 2, MaxWorkers: 4, IdleTimeout: time.Second, DrainGrace: grace, Retry: fastRetry()}, log)

	ctx := context.Background()
	require.NoError(t, sup.Start(ctx))
	pipe := NewPipeline(b, reg, audit, PipelineConfig{Workers: 2, QueueSize: 16, Retry: fastRetry()}, log)
	pipe.Start(ctx)

	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pipe.Stop(stopCtx)
		_ = sup.Stop(stopCtx)
		_ = b.Close()
	})
	return &harness{broker: b, registry: reg, hub: hub, pipeline: pipe, sup: sup, dead: dead, audit: audit}
}
