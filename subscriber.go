package rcluster

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const resubscribeTimeout = 5 * time.Second

// Subscribe subscribes the cluster's subscriber connection to channels. Messages are
// delivered as EventMessage events.
func (c *Cluster) Subscribe(ctx context.Context, channels ...string) error {
	return c.process(ctx, pubsubCmd(ctx, "subscribe", channels), nil)
}

// PSubscribe subscribes to patterns. Messages are delivered as EventPMessage events.
func (c *Cluster) PSubscribe(ctx context.Context, patterns ...string) error {
	return c.process(ctx, pubsubCmd(ctx, "psubscribe", patterns), nil)
}

// Unsubscribe unsubscribes from channels, or from every channel when none is given.
func (c *Cluster) Unsubscribe(ctx context.Context, channels ...string) error {
	return c.process(ctx, pubsubCmd(ctx, "unsubscribe", channels), nil)
}

// PUnsubscribe unsubscribes from patterns, or from every pattern when none is given.
func (c *Cluster) PUnsubscribe(ctx context.Context, patterns ...string) error {
	return c.process(ctx, pubsubCmd(ctx, "punsubscribe", patterns), nil)
}

func pubsubCmd(ctx context.Context, name string, names []string) *redis.Cmd {
	args := make([]any, 0, len(names)+1)
	args = append(args, name)
	for _, n := range names {
		args = append(args, n)
	}
	return redis.NewCmd(ctx, args...)
}

// subscriberManager owns the single pub/sub connection of the cluster. It remembers the
// subscribed channels and patterns so they can be restored on another node.
type subscriberManager struct {
	c *Cluster

	mu         sync.Mutex
	node       *Node
	conn       PubSubConn
	forwarding bool
	channels   map[string]struct{}
	patterns   map[string]struct{}
	closed     bool

	wg sync.WaitGroup
}

func newSubscriberManager(c *Cluster) *subscriberManager {
	return &subscriberManager{
		c:        c,
		channels: make(map[string]struct{}),
		patterns: make(map[string]struct{}),
	}
}

func (s *subscriberManager) current() *Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.node
}

// elect moves the subscription to a random live node.
func (s *subscriberManager) elect() {
	node := s.c.registry.sample(RoleAll)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	old := s.conn
	s.node, s.conn, s.forwarding = node, nil, false
	var channels, patterns []string
	if node != nil {
		s.conn = node.transport.PubSub(context.Background())
		channels, patterns = sortedKeys(s.channels), sortedKeys(s.patterns)
		if len(channels)+len(patterns) > 0 {
			s.startForwardingLocked()
			conn := s.conn
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.resubscribe(node, conn, channels, patterns)
			}()
		}
	}
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	if node == nil {
		s.c.logger.Warn("rcluster: no node available for the subscriber")
		s.c.recorder.recordSubscriberElection(false)
		return
	}
	s.c.logger.Debug("rcluster: subscriber elected", "node", node.addr, "channels", len(channels), "patterns", len(patterns))
	s.c.recorder.recordSubscriberElection(true)
}

func (s *subscriberManager) resubscribe(node *Node, conn PubSubConn, channels, patterns []string) {
	ctx, cancel := context.WithTimeout(context.Background(), resubscribeTimeout)
	defer cancel()
	if len(channels) > 0 {
		if err := conn.Subscribe(ctx, channels...); err != nil {
			s.c.logger.Warn("rcluster: failed to resubscribe channels", "node", node.addr, "count", len(channels), "error", err)
		}
	}
	if len(patterns) > 0 {
		if err := conn.PSubscribe(ctx, patterns...); err != nil {
			s.c.logger.Warn("rcluster: failed to resubscribe patterns", "node", node.addr, "count", len(patterns), "error", err)
		}
	}
}

func (s *subscriberManager) startForwardingLocked() {
	if s.forwarding || s.conn == nil {
		return
	}
	s.forwarding = true
	node, ch := s.node, s.conn.Channel()
	s.wg.Add(1)
	go s.forward(node, ch)
}

// forward turns messages into events until the connection is closed.
func (s *subscriberManager) forward(node *Node, ch <-chan *redis.Message) {
	defer s.wg.Done()
	for msg := range ch {
		typ := EventMessage
		if msg.Pattern != "" {
			typ = EventPMessage
		}
		s.c.recorder.recordMessageReceived(string(typ))
		s.c.events.emit(&Event{
			Type: typ,
			Node: node,
			Message: &Message{
				Channel: msg.Channel,
				Pattern: msg.Pattern,
				Payload: msg.Payload,
				Node:    node.addr,
			},
		})
	}
}

// connection returns the subscriber connection, waiting for the cluster to become ready
// when there is none and the offline queue is enabled.
func (s *subscriberManager) connection(ctx context.Context) (PubSubConn, error) {
	for {
		s.mu.Lock()
		closed, conn := s.closed, s.conn
		s.mu.Unlock()
		switch {
		case closed:
			return nil, ErrClosed
		case conn != nil:
			return conn, nil
		case s.c.Status() == StatusReady:
			s.elect()
			s.mu.Lock()
			conn = s.conn
			s.mu.Unlock()
			if conn == nil {
				return nil, ErrNotReady
			}
			return conn, nil
		case !s.c.config.enableOfflineQueue:
			return nil, ErrNotReady
		}
		if err := s.c.WaitReady(ctx); err != nil {
			return nil, err
		}
	}
}

func (s *subscriberManager) subscribe(ctx context.Context, pattern bool, names []string) error {
	if len(names) == 0 {
		return nil
	}
	if _, err := s.connection(ctx); err != nil {
		return err
	}

	// Track first so that an election racing with this call resubscribes the names.
	s.mu.Lock()
	set := s.setLocked(pattern)
	var added []string
	for _, n := range names {
		if _, ok := set[n]; !ok {
			set[n] = struct{}{}
			added = append(added, n)
		}
	}
	s.startForwardingLocked()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotReady
	}

	var err error
	if pattern {
		err = conn.PSubscribe(ctx, names...)
	} else {
		err = conn.Subscribe(ctx, names...)
	}
	if err != nil {
		s.mu.Lock()
		for _, n := range added {
			delete(set, n)
		}
		s.mu.Unlock()
	}
	return err
}

func (s *subscriberManager) unsubscribe(ctx context.Context, pattern bool, names []string) error {
	s.mu.Lock()
	set := s.setLocked(pattern)
	if len(names) == 0 {
		names = sortedKeys(set)
		clear(set)
	} else {
		for _, n := range names {
			delete(set, n)
		}
	}
	conn := s.conn
	s.mu.Unlock()

	if conn == nil || len(names) == 0 {
		return nil
	}
	if pattern {
		return conn.PUnsubscribe(ctx, names...)
	}
	return conn.Unsubscribe(ctx, names...)
}

func (s *subscriberManager) process(ctx context.Context, cmd redis.Cmder) error {
	names := commandArgs(cmd)
	switch name := cmd.Name(); name {
	case "subscribe":
		return s.subscribe(ctx, false, names)
	case "psubscribe":
		return s.subscribe(ctx, true, names)
	case "unsubscribe":
		return s.unsubscribe(ctx, false, names)
	case "punsubscribe":
		return s.unsubscribe(ctx, true, names)
	default:
		return fmt.Errorf("rcluster: %q is not a subscriber command", name)
	}
}

func (s *subscriberManager) setLocked(pattern bool) map[string]struct{} {
	if pattern {
		return s.patterns
	}
	return s.channels
}

// nodeRemoved re-elects when n was the subscriber, unless the cluster is going down.
func (s *subscriberManager) nodeRemoved(n *Node) {
	if s.current() != n {
		return
	}
	if s.c.Status() == StatusDisconnecting {
		s.detach()
		return
	}
	s.c.logger.Info("rcluster: subscriber node removed, electing a new one", "node", n.addr)
	s.elect()
}

func (s *subscriberManager) detach() {
	s.mu.Lock()
	conn := s.conn
	s.node, s.conn, s.forwarding = nil, nil, false
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *subscriberManager) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.detach()
	s.wg.Wait()
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
