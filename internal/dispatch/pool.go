package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"chat-dispatch/internal/observability"
)

var errPoolClosed = errors.New("worker pool closed")

// workerPool keeps min workers alive and grows to max when every worker is
// busy. Extra workers exit after idle without work.
type workerPool struct {
	minWorkers int
	maxWorkers int
	idle       time.Duration

	tasks chan func()
	quit  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup

	mu     sync.Mutex
	active int
}

func newWorkerPool(minWorkers, maxWorkers int, idle time.Duration) *workerPool {
	if minWorkers <= 0 {
		minWorkers = 1
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	if idle <= 0 {
		idle = 30 * time.Second
	}
	p := &workerPool{
		minWorkers: minWorkers,
		maxWorkers: maxWorkers,
		idle:       idle,
		tasks:      make(chan func()),
		quit:       make(chan struct{}),
	}
	for i := 0; i < minWorkers; i++ {
		p.spawn(true)
	}
	return p
}

func (p *workerPool) spawn(core bool) {
	p.active++
	observability.AddConsumerWorkers(1)
	p.wg.Add(1)
	go p.work(core)
}

func (p *workerPool) work(core bool) {
	defer p.wg.Done()
	defer observability.AddConsumerWorkers(-1)

	timer := time.NewTimer(p.idle)
	defer timer.Stop()
	for {
		select {
		case task := <-p.tasks:
			task()
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.idle)
		case <-timer.C:
			if !core {
				p.mu.Lock()
				p.active--
				p.mu.Unlock()
				return
			}
			timer.Reset(p.idle)
		case <-p.quit:
			return
		}
	}
}

// Submit hands task to a free worker, starting a new one when all are busy
// and the pool is below max. It blocks until a worker accepts the task.
func (p *workerPool) Submit(ctx context.Context, task func()) error {
	select {
	case <-p.quit:
		return errPoolClosed
	default:
	}
	select {
	case p.tasks <- task:
		return nil
	default:
	}

	p.mu.Lock()
	if p.active < p.maxWorkers {
		p.spawn(false)
	}
	p.mu.Unlock()

	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return errPoolClosed
	}
}

func (p *workerPool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Stop lets running tasks finish and waits for every worker to exit.
func (p *workerPool) Stop() {
	p.once.Do(func() { close(p.quit) })
	p.wg.Wait()
	p.mu.Lock()
	p.active = 0
	p.mu.Unlock()
}
