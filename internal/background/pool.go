// ABOUTME: Bounded worker pool for fire-and-forget background tasks
// ABOUTME: Tasks carry a description for logging; panics and errors never escape the pool

package background

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Task is a unit of background work. The context is cancelled when the
// pool shuts down.
type Task func(ctx context.Context) error

// Submitter is the narrow interface request handlers use to hand off work.
type Submitter interface {
	Submit(task Task, description string) error
}

// ErrPoolClosed is returned by Submit after Shutdown has begun.
var ErrPoolClosed = errors.New("worker pool closed")

// ErrQueueFull is returned when the submission queue is saturated.
// The caller's request has already succeeded; dropping the side task is
// the correct degradation.
var ErrQueueFull = errors.New("worker pool queue full")

type queuedTask struct {
	run         Task
	description string
}

// Pool runs submitted tasks on a fixed set of worker goroutines.
type Pool struct {
	logger *slog.Logger
	queue  chan queuedTask
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
}

// New starts a pool with the given number of workers. A non-positive
// count is clamped to one worker.
func New(workers int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		logger: logger.With("component", "background"),
		queue:  make(chan queuedTask, workers*16),
		cancel: cancel,
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	return p
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for task := range p.queue {
		p.runOne(ctx, task)
	}
}

// runOne executes a single task, containing both errors and panics.
// A failed side task must never take a worker down with it.
func (p *Pool) runOne(ctx context.Context, task queuedTask) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("background task panicked", "task", task.description, "panic", fmt.Sprint(r))
		}
	}()

	if err := task.run(ctx); err != nil {
		p.logger.Warn("background task failed", "task", task.description, "error", err)
	}
}

// Submit queues a task for execution. It never blocks: a saturated queue
// returns ErrQueueFull and a closed pool returns ErrPoolClosed.
func (p *Pool) Submit(task Task, description string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.queue <- queuedTask{run: task, description: description}:
		return nil
	default:
		p.logger.Warn("dropping background task", "task", description)
		return ErrQueueFull
	}
}

// Shutdown stops accepting work and waits for queued tasks to drain, up to
// the deadline of ctx. On deadline expiry running tasks see their context
// cancelled and are abandoned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("worker pool shutdown: %w", ctx.Err())
	}
}

var _ Submitter = (*Pool)(nil)
