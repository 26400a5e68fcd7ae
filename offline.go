package rcluster

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/redis/go-redis/v9"
)

// errNoNode is returned by run when no node can take the request right now.
var errNoNode = errors.New("rcluster: no usable node")

// request is a command travelling through the router.
type request struct {
	ctx   context.Context
	cmd   redis.Cmder
	retry retryContext

	// Target of the next attempt only.
	node   *Node
	asking bool
	random bool

	// done receives the outcome of a queued request.
	done chan error
}

func (c *Cluster) newRequest(ctx context.Context, cmd redis.Cmder, node *Node) *request {
	return &request{
		ctx:   ctx,
		cmd:   cmd,
		retry: newRetryContext(c.config.maxRedirections),
		node:  node,
		done:  make(chan error, 1),
	}
}

// offlineQueue keeps, in arrival order, the requests issued while no node was usable.
// At most one replay runs at a time.
type offlineQueue struct {
	mu        sync.Mutex
	items     []*request
	replaying bool
}

func (q *offlineQueue) push(req *request) {
	q.mu.Lock()
	q.items = append(q.items, req)
	q.mu.Unlock()
}

// requeue puts reqs back at the head of the queue and ends the replay.
func (q *offlineQueue) requeue(reqs []*request) {
	q.mu.Lock()
	q.items = append(slices.Clone(reqs), q.items...)
	q.replaying = false
	q.mu.Unlock()
}

func (q *offlineQueue) take() []*request {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// startReplay claims the replay. It reports false when one is running or nothing is queued.
func (q *offlineQueue) startReplay() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.replaying || len(q.items) == 0 {
		return false
	}
	q.replaying = true
	return true
}

// next takes the queued requests for the running replay, ending it when there are none.
func (q *offlineQueue) next() []*request {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	if len(items) == 0 {
		q.replaying = false
	}
	return items
}

func (q *offlineQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// replayOffline resends the queued requests one after the other, in arrival order.
func (c *Cluster) replayOffline() {
	if !c.offline.startReplay() {
		return
	}
	go func() {
		for {
			reqs := c.offline.next()
			if len(reqs) == 0 {
				return
			}
			c.logger.Debug("rcluster: replaying offline commands", "count", len(reqs))
			for i, req := range reqs {
				if err := req.ctx.Err(); err != nil {
					req.done <- err
					continue
				}
				err := c.run(req)
				if errors.Is(err, errNoNode) {
					c.offline.requeue(reqs[i:])
					return
				}
				req.done <- err
			}
		}
	}()
}

// flushOffline fails every queued request with err.
func (c *Cluster) flushOffline(err error) {
	reqs := c.offline.take()
	if len(reqs) == 0 {
		return
	}
	c.logger.Debug("rcluster: flushing offline commands", "count", len(reqs), "error", err)
	c.recorder.recordOfflineFlushed(len(reqs))
	for _, req := range reqs {
		req.done <- err
	}
}
