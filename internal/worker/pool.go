package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// ErrPoolClosed is returned by Enqueue after Shutdown.
var ErrPoolClosed = errors.New("worker pool closed")

// Task is one link to run through the pipeline.
type Task struct {
	LinkID int64  `json:"link_id"`
	URL    string `json:"url,omitempty"`
}

type Handler func(ctx context.Context, t Task)

// Pool runs tasks on a fixed number of goroutines. The queue itself is
// unbounded so Enqueue never blocks the caller.
type Pool struct {
	concurrency int
	handler     Handler

	mu      sync.Mutex
	queue   []Task
	closed  bool
	started bool

	wake chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup
}

func NewPool(concurrency int, h Handler) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Pool{
		concurrency: concurrency,
		handler:     h,
		wake:        make(chan struct{}, 1),
		quit:        make(chan struct{}),
	}
}

// Start launches the workers. Tasks run with ctx; cancelling it does not
// stop the workers, Shutdown does.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started || p.closed {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	log.Printf("worker pool started, concurrency=%d", p.concurrency)

	p.wg.Add(p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		go p.loop(ctx, i)
	}
}

// Enqueue queues t without blocking, so there is nothing for a context to
// cancel.
func (p *Pool) Enqueue(_ context.Context, t Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.queue = append(p.queue, t)
	p.mu.Unlock()

	p.signal()
	return nil
}

// Pending returns the number of queued tasks not yet picked up.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Shutdown stops intake and waits for running tasks. Tasks still queued are
// dropped; their links stay pending for the next start to pick up.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.quit)
	}
	dropped := len(p.queue)
	p.queue = nil
	p.mu.Unlock()

	if dropped > 0 {
		log.Printf("worker pool shutting down, dropped=%d queued tasks", dropped)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) loop(ctx context.Context, workerID int) {
	defer p.wg.Done()
	for {
		t, ok := p.next()
		if !ok {
			select {
			case <-p.quit:
				return
			case <-p.wake:
				continue
			}
		}

		start := time.Now()
		p.run(ctx, workerID, t)
		if cost := time.Since(start); cost > 2*time.Second {
			log.Printf("worker=%d link=%d done cost=%s", workerID, t.LinkID, cost)
		}
	}
}

// run isolates the worker goroutine from a panicking handler.
func (p *Pool) run(ctx context.Context, workerID int, t Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("worker=%d link=%d handler panic: %v", workerID, t.LinkID, r)
		}
	}()
	p.handler(ctx, t)
}

func (p *Pool) next() (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.queue) == 0 {
		return Task{}, false
	}
	t := p.queue[0]
	p.queue[0] = Task{}
	p.queue = p.queue[1:]
	if len(p.queue) > 0 {
		// hand the remaining work to another idle worker
		p.signal()
	}
	return t, true
}

func (p *Pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}
