package rcluster

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// emitter fans events out to the registered callbacks on one worker goroutine.
// emit never blocks: when the queue is full the event is dropped and counted.
type emitter struct {
	pool     *workerPool
	logger   *slog.Logger
	recorder metricsRecorder
	stopped  atomic.Bool

	mu        sync.RWMutex
	callbacks []EventCallback
}

func newEmitter(queueSize int, callbacks []EventCallback, logger *slog.Logger, recorder metricsRecorder) *emitter {
	e := &emitter{
		pool:      newWorkerPool(1, queueSize),
		logger:    logger,
		recorder:  recorder,
		callbacks: slices.Clone(callbacks),
	}
	recorder.registerEventQueueGauge(e.pool)
	e.pool.start()
	return e
}

func (e *emitter) on(cb EventCallback) {
	e.mu.Lock()
	e.callbacks = append(e.callbacks, cb)
	e.mu.Unlock()
}

func (e *emitter) emit(ev *Event) {
	e.mu.RLock()
	callbacks := e.callbacks
	e.mu.RUnlock()
	if len(callbacks) == 0 || e.stopped.Load() {
		return
	}

	ev.Time = time.Now()
	ctx := e.pool.context()
	submitted := e.pool.trySubmit(func() {
		for _, cb := range callbacks {
			invokeCallback(ctx, e.logger, e.recorder, cb, ev)
		}
	})
	if !submitted {
		e.logger.Warn("rcluster: event dropped", "event", ev.Type)
		e.recorder.recordEventDropped(string(ev.Type))
	}
}

// stop delivers the queued events and releases the worker.
func (e *emitter) stop() {
	e.stopped.Store(true)
	e.pool.stop()
}
