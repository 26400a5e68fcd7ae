package rcluster

import (
	"sync"
	"time"
)

// delayQueue holds retries per category behind one timer, so that many commands failing
// for the same reason come back in a single wave.
type delayQueue struct {
	recorder metricsRecorder

	mu      sync.Mutex
	batches map[string]*delayBatch
	closed  bool
}

type delayBatch struct {
	timer   *time.Timer
	entries []func()
	once    func()
}

func newDelayQueue(recorder metricsRecorder) *delayQueue {
	return &delayQueue{
		recorder: recorder,
		batches:  make(map[string]*delayBatch),
	}
}

// push schedules fn after timeout, or with the pending batch of category if there is one
// (its timeout wins). once, if the batch has none yet, runs before the batch's entries.
// After close, fn runs immediately.
func (q *delayQueue) push(category string, fn func(), timeout time.Duration, once func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		fn()
		return
	}
	b, ok := q.batches[category]
	if !ok {
		b = &delayBatch{}
		q.batches[category] = b
		b.timer = time.AfterFunc(timeout, func() { q.fire(category, b) })
	}
	b.entries = append(b.entries, fn)
	if b.once == nil {
		b.once = once
	}
	q.mu.Unlock()
}

func (q *delayQueue) fire(category string, b *delayBatch) {
	q.mu.Lock()
	if q.batches[category] == b {
		delete(q.batches, category)
	}
	entries, once := b.entries, b.once
	b.entries, b.once = nil, nil
	q.mu.Unlock()

	q.recorder.recordDelayBatch(category, len(entries))
	if once != nil {
		once()
	}
	for _, fn := range entries {
		fn()
	}
}

// pending returns the number of entries waiting under category.
func (q *delayQueue) pending(category string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if b, ok := q.batches[category]; ok {
		return len(b.entries)
	}
	return 0
}

// close releases every pending entry now, without running the batches' once callbacks.
func (q *delayQueue) close() {
	q.mu.Lock()
	q.closed = true
	var release []func()
	for category, b := range q.batches {
		delete(q.batches, category)
		if b.timer.Stop() {
			release = append(release, b.entries...)
			b.entries = nil
		}
	}
	q.mu.Unlock()

	for _, fn := range release {
		fn()
	}
}
