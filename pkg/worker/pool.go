package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"playerdata/pkg/logger"

	"go.uber.org/zap"
)

var (
	// ErrPoolClosed is returned by Submit after Shutdown has begun
	ErrPoolClosed = errors.New("worker pool closed")
	// ErrQueueFull is returned by TrySubmit when no queue slot is free
	ErrQueueFull = errors.New("worker queue full")
)

// Task is a unit of store I/O. The context is cancelled only when the pool
// is forced down.
type Task func(ctx context.Context)

// Pool runs tasks on a fixed set of goroutines so that callers on the event
// path never wait on the store
type Pool struct {
	logger     *logger.Logger
	numWorkers int
	tasks      chan Task
	wg         sync.WaitGroup

	mu     sync.RWMutex
	closed bool
	cancel context.CancelFunc
}

// NewPool creates a new Pool instance
func NewPool(l *logger.Logger, numWorkers, queueSize int) *Pool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if queueSize < numWorkers {
		queueSize = numWorkers * 2 // buffered for smooth handoff
	}
	return &Pool{
		logger:     l,
		numWorkers: numWorkers,
		tasks:      make(chan Task, queueSize),
	}
}

// Start launches the worker goroutines. Tasks keep running after ctx is
// done; only Shutdown stops the pool.
func (p *Pool) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.runWorker(workerCtx, i)
	}
}

// Submit queues a task, waiting for queue space or ctx
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit queues a task without waiting
func (p *Pool) TrySubmit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of queued tasks
func (p *Pool) Pending() int {
	return len(p.tasks)
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	defer p.wg.Done()

	p.logger.Debug("worker started", zap.Int("worker_id", id))

	for task := range p.tasks {
		p.run(ctx, id, task)
	}
}

func (p *Pool) run(ctx context.Context, id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", fmt.Errorf("%v", r), zap.Int("worker_id", id))
		}
	}()
	task(ctx)
}

// Shutdown stops accepting tasks and waits for queued ones to finish. If ctx
// expires first, running tasks see their context cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.stop()
		return nil
	case <-ctx.Done():
		p.stop()
		return ctx.Err()
	}
}

func (p *Pool) stop() {
	if p.cancel != nil {
		p.cancel()
	}
}
