package crawler

import (
	"context"
	"errors"
	"sync"
)

type task func(ctx context.Context)

// WorkerPool drains the frontier worklist with a fixed number of workers
// and a bounded queue, replacing unbounded recursion on link discovery.
type WorkerPool struct {
	ctx    context.Context
	cancel context.CancelFunc
	tasks  chan task
	wg     sync.WaitGroup
}

// NewWorkerPool creates a pool with the given concurrency and queue size.
func NewWorkerPool(parent context.Context, concurrency, queueSize int) (*WorkerPool, error) {
	if concurrency <= 0 || queueSize <= 0 {
		return nil, errors.New("worker pool requires positive concurrency and queue size")
	}
	ctx, cancel := context.WithCancel(parent)
	pool := &WorkerPool{
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(chan task, queueSize),
	}
	for i := 0; i < concurrency; i++ {
		pool.wg.Add(1)
		go pool.worker()
	}
	return pool, nil
}

// worker drains the queue until it closes. Workers keep pulling tasks
// after cancellation so every submitted task runs (and releases its
// bookkeeping); cancelled tasks observe ctx and return quickly.
func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for t := range p.tasks {
		t(p.ctx)
	}
}

// Submit schedules a task, rejecting if the context cancels first.
func (p *WorkerPool) Submit(ctx context.Context, fn task) error {
	if err := p.ctx.Err(); err != nil {
		return err
	}
	select {
	case <-p.ctx.Done():
		return p.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	case p.tasks <- fn:
		return nil
	}
}

// Close stops accepting work and waits for workers to exit.
func (p *WorkerPool) Close() {
	p.cancel()
	close(p.tasks)
	p.wg.Wait()
}
