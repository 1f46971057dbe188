package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_RunsEveryTask(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = map[int64]bool{}
		wg   sync.WaitGroup
	)
	p := NewPool(3, func(ctx context.Context, task Task) {
		defer wg.Done()
		mu.Lock()
		seen[task.LinkID] = true
		mu.Unlock()
	})
	p.Start(context.Background())

	const n = 25
	wg.Add(n)
	for i := int64(1); i <= n; i++ {
		if err := p.Enqueue(context.Background(), Task{LinkID: i, URL: "https://example.com"}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	waitOrFail(t, &wg, 2*time.Second)

	if len(seen) != n {
		t.Fatalf("expected %d tasks to run, got %d", n, len(seen))
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestPool_BoundsConcurrency(t *testing.T) {
	var (
		running, peak int32
		wg            sync.WaitGroup
	)
	p := NewPool(2, func(ctx context.Context, task Task) {
		defer wg.Done()
		cur := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&running, -1)
	})
	p.Start(context.Background())

	wg.Add(8)
	for i := int64(1); i <= 8; i++ {
		_ = p.Enqueue(context.Background(), Task{LinkID: i})
	}
	waitOrFail(t, &wg, 2*time.Second)

	if got := atomic.LoadInt32(&peak); got > 2 {
		t.Fatalf("expected at most 2 concurrent tasks, saw %d", got)
	}
	_ = p.Shutdown(context.Background())
}

func TestPool_EnqueueDoesNotWaitForWorkers(t *testing.T) {
	release := make(chan struct{})
	p := NewPool(1, func(ctx context.Context, task Task) {
		<-release
	})
	p.Start(context.Background())
	defer func() {
		close(release)
		_ = p.Shutdown(context.Background())
	}()

	done := make(chan struct{})
	go func() {
		for i := int64(1); i <= 100; i++ {
			_ = p.Enqueue(context.Background(), Task{LinkID: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("enqueue blocked behind a busy worker")
	}
}

func TestPool_EnqueueIgnoresCancelledContext(t *testing.T) {
	ran := make(chan int64, 1)
	p := NewPool(1, func(ctx context.Context, task Task) { ran <- task.LinkID })
	p.Start(context.Background())
	defer func() { _ = p.Shutdown(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Enqueue(ctx, Task{LinkID: 9}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case id := <-ran:
		if id != 9 {
			t.Fatalf("unexpected task %d", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("queued task never ran")
	}
}

func TestPool_ShutdownWaitsForRunningTaskAndRejectsNewOnes(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool

	p := NewPool(1, func(ctx context.Context, task Task) {
		close(started)
		<-release
		finished.Store(true)
	})
	p.Start(context.Background())
	_ = p.Enqueue(context.Background(), Task{LinkID: 1})
	<-started

	// queued behind the running task; dropped on shutdown
	_ = p.Enqueue(context.Background(), Task{LinkID: 2})

	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- p.Shutdown(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	if finished.Load() {
		t.Fatalf("task finished before release")
	}
	close(release)

	select {
	case err := <-shutdownErr:
		if err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("shutdown did not return")
	}
	if !finished.Load() {
		t.Fatalf("shutdown returned before running task finished")
	}
	if err := p.Enqueue(context.Background(), Task{LinkID: 3}); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
	if p.Pending() != 0 {
		t.Fatalf("expected queued tasks to be dropped, got %d", p.Pending())
	}
}

func TestPool_ShutdownHonoursDeadline(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	started := make(chan struct{})
	p := NewPool(1, func(ctx context.Context, task Task) {
		close(started)
		<-release
	})
	p.Start(context.Background())
	_ = p.Enqueue(context.Background(), Task{LinkID: 1})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestPool_SurvivesPanickingHandler(t *testing.T) {
	var wg sync.WaitGroup
	var ran atomic.Int32
	p := NewPool(1, func(ctx context.Context, task Task) {
		defer wg.Done()
		ran.Add(1)
		if task.LinkID == 1 {
			panic("boom")
		}
	})
	p.Start(context.Background())

	wg.Add(2)
	_ = p.Enqueue(context.Background(), Task{LinkID: 1})
	_ = p.Enqueue(context.Background(), Task{LinkID: 2})
	waitOrFail(t, &wg, time.Second)

	if ran.Load() != 2 {
		t.Fatalf("expected both tasks to run, got %d", ran.Load())
	}
	_ = p.Shutdown(context.Background())
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("timed out waiting for tasks")
	}
}
