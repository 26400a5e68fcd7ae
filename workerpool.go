package rcluster

import (
	"context"
	"sync"
)

// workerPool runs submitted tasks on a fixed set of goroutines fed by a bounded queue.
// With a single worker, tasks run in submission order.
type workerPool struct {
	tasks   chan func()
	workers int

	// ctx is canceled by stop; tasks may use it to abandon work.
	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

func newWorkerPool(workers, queueSize int) *workerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &workerPool{
		tasks:   make(chan func(), queueSize),
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// start launches the workers. It is safe to call multiple times.
func (wp *workerPool) start() {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.started || wp.stopped {
		return
	}
	wp.started = true

	for range wp.workers {
		wp.wg.Add(1)
		go wp.worker()
	}
}

func (wp *workerPool) worker() {
	defer wp.wg.Done()
	for task := range wp.tasks {
		task()
	}
}

// trySubmit queues task without blocking. It reports false when the queue is full or the
// pool is stopped.
func (wp *workerPool) trySubmit(task func()) bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.stopped {
		return false
	}
	select {
	case wp.tasks <- task:
		return true
	default:
		return false
	}
}

// stop drains the queue and waits for the workers. It is safe to call multiple times.
func (wp *workerPool) stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	started := wp.started
	close(wp.tasks)
	wp.mu.Unlock()

	if started {
		wp.wg.Wait()
	}
	wp.cancel()
}

func (wp *workerPool) context() context.Context {
	return wp.ctx
}

func (wp *workerPool) queueLength() int {
	return len(wp.tasks)
}
