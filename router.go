package rcluster

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// Process sends cmd to the node serving its slot, following redirections. The reply, or
// the error, is stored in cmd.
func (c *Cluster) Process(ctx context.Context, cmd redis.Cmder) error {
	return c.process(ctx, cmd, nil)
}

// ProcessOn sends cmd to node. MOVED, ASK and retryable replies from node are handled
// as in Process, so the reply may come from another node.
func (c *Cluster) ProcessOn(ctx context.Context, node *Node, cmd redis.Cmder) error {
	return c.process(ctx, cmd, node)
}

// Do sends an arbitrary command.
func (c *Cluster) Do(ctx context.Context, args ...any) *redis.Cmd {
	cmd := redis.NewCmd(ctx, args...)
	_ = c.Process(ctx, cmd)
	return cmd
}

func (c *Cluster) process(ctx context.Context, cmd redis.Cmder, node *Node) error {
	err := c.dispatch(ctx, cmd, node)
	if err != nil {
		cmd.SetErr(err)
	}
	return err
}

func (c *Cluster) dispatch(ctx context.Context, cmd redis.Cmder, node *Node) error {
	if c.isClosed() {
		return ErrClosed
	}
	switch c.Status() {
	case StatusWait:
		c.connectLazily()
	case StatusEnd:
		return ErrConnectionClosed
	}

	if node == nil && isSubscriberCommand(cmd.Name()) {
		return c.subscriber.process(ctx, cmd)
	}

	req := c.newRequest(ctx, cmd, node)
	err := c.run(req)
	if !errors.Is(err, errNoNode) {
		return err
	}
	if !c.config.enableOfflineQueue {
		return ErrNotReady
	}

	c.offline.push(req)
	c.recorder.recordOfflineEnqueued()
	// The status may have moved on while the request was being queued.
	switch {
	case c.isClosed():
		c.flushOffline(ErrClosed)
	case c.Status() == StatusReady:
		c.replayOffline()
	case c.Status() == StatusEnd:
		c.flushOffline(ErrConnectionClosed)
	}
	select {
	case err = <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run drives one request until it succeeds, fails, or finds no node (errNoNode).
func (c *Cluster) run(req *request) error {
	for {
		if c.Status() == StatusEnd {
			return ErrConnectionClosed
		}
		node := c.pickNode(req)
		if node == nil {
			return errNoNode
		}
		asking := req.asking
		req.node, req.asking, req.random = nil, false, false

		err := node.process(req.ctx, req.cmd, asking)
		if err == nil || isTerminal(err) {
			return err
		}

		act := classify(err, req.retry, c.config)
		req.retry = act.retry
		switch act.kind {
		case actionMoved:
			c.logger.Debug("rcluster: slot moved", "slot", act.redirect.Slot, "from", node.addr, "to", act.redirect.Addr)
			c.recorder.recordRedirection("moved")
			c.directory.setMaster(act.redirect.Slot, act.redirect.Addr)
			c.registry.findOrCreate(nodeSpec{addr: act.redirect.Addr})
			c.triggerRefresh("moved")
		case actionAsk:
			c.logger.Debug("rcluster: ask redirection", "slot", act.redirect.Slot, "from", node.addr, "to", act.redirect.Addr)
			c.recorder.recordRedirection("ask")
			req.node = c.registry.findOrCreate(nodeSpec{addr: act.redirect.Addr})
			req.asking = true
		case actionDelay:
			c.logger.Debug("rcluster: delaying retry", "category", act.category, "node", node.addr, "attempt", act.retry.attempts, "error", err)
			c.recorder.recordRedirection(act.category)
			if err := c.wait(req.ctx, act); err != nil {
				return err
			}
			req.random = act.random
		case actionExhausted:
			c.logger.Debug("rcluster: too many redirections", "command", req.cmd.Name(), "attempts", act.retry.attempts, "error", err)
			c.recorder.recordRedirectsExhausted()
			return act.err
		default:
			return act.err
		}
	}
}

// wait parks the caller in the delay queue under act's category.
func (c *Cluster) wait(ctx context.Context, act action) error {
	wake := make(chan struct{})
	var once func()
	if act.refresh {
		once = func() { c.triggerRefresh(act.category) }
	}
	c.delayQueue.push(act.category, func() { close(wake) }, act.delay, once)
	select {
	case <-wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pickNode resolves the node for the next attempt of req, or nil.
func (c *Cluster) pickNode(req *request) *Node {
	if c.Status() != StatusReady && req.cmd.Name() != "cluster" {
		return nil
	}
	if req.node != nil && !req.node.Closed() {
		return req.node
	}

	scale := c.config.scaleReads
	if !isReadOnly(req.cmd) {
		scale = ScaleMaster
	}

	if !req.random {
		if slot, ok := commandSlot(req.cmd); ok {
			if addrs := c.directory.nodesFor(slot); len(addrs) > 0 {
				if n := c.selectForSlot(scale, addrs, req.cmd); n != nil {
					return n
				}
			}
		}
	}

	if n := c.registry.sample(scale.fallbackRole()); n != nil {
		return n
	}
	return c.registry.sample(RoleAll)
}

func (c *Cluster) selectForSlot(scale ScaleReads, addrs []string, cmd redis.Cmder) *Node {
	if scale.kind != scaleCustom {
		return c.registry.get(scale.pick(addrs))
	}
	nodes := make([]*Node, 0, len(addrs))
	for _, addr := range addrs {
		if n := c.registry.get(addr); n != nil {
			nodes = append(nodes, n)
		}
	}
	return selectCustom(scale.selector, nodes, cmd)
}
