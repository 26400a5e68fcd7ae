// Package rcluster provides a cluster-aware command router for Redis Cluster.
//
// rcluster keeps a cached copy of the cluster's slot table, sends every command to the
// node that serves its key, and repairs its view of the cluster as slots move or nodes
// fail. Cluster error replies are absorbed: MOVED and ASK are followed, TRYAGAIN,
// CLUSTERDOWN and lost connections are retried after a delay shared by every command
// failing for the same reason, up to a per-command redirection budget.
//
// Key features:
//   - Slot table refreshed from any reachable node, one refresh at a time
//   - Read scaling to replicas for read-only commands
//   - Offline queue for commands issued before the cluster is ready
//   - A single elected pub/sub connection, restored on another node on failover
//   - Reconnection with a configurable strategy when every node is lost
//   - Thread-safe operations
//
// # Basic Usage
//
//	c, err := rcluster.New([]string{"127.0.0.1:7000", "127.0.0.1:7001"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	if err := c.WaitReady(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	get := redis.NewStringCmd(ctx, "get", "user:1000")
//	if err := c.Process(ctx, get); err != nil && err != redis.Nil {
//	    log.Fatal(err)
//	}
//
// # Read Scaling
//
// Read-only commands can be served by replicas:
//
//	c, err := rcluster.New(seeds, rcluster.WithScaleReads(rcluster.ScaleSlave))
//
// Write commands always go to the slot's master.
//
// # Events
//
// Topology changes, lifecycle transitions and pub/sub messages are delivered to event
// callbacks, in order, on a dedicated goroutine:
//
//	c, err := rcluster.New(seeds, rcluster.WithEventCallback(func(ctx context.Context, ev *rcluster.Event) {
//	    switch ev.Type {
//	    case rcluster.EventMessage:
//	        fmt.Printf("%s: %s\n", ev.Message.Channel, ev.Message.Payload)
//	    case rcluster.EventStatus:
//	        fmt.Println("status:", ev.Status)
//	    }
//	}))
//	_ = c.Subscribe(ctx, "news")
//
// # Errors
//
// A command that keeps failing with cluster errors fails with an ExhaustedRedirectsError,
// which matches ErrTooManyRedirections and the last error with errors.Is. Any other error
// reply is returned unchanged.
package rcluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Cluster routes commands to the nodes of a Redis Cluster.
type Cluster struct {
	id       string
	seeds    []string
	config   *config
	logger   *slog.Logger
	recorder metricsRecorder

	registry   *registry
	directory  *directory
	delayQueue *delayQueue
	offline    offlineQueue
	subscriber *subscriberManager
	events     *emitter

	refreshGroup singleflight.Group
	// refreshes counts the slot table loads actually performed.
	refreshes atomic.Int64

	mu              sync.Mutex
	status          Status
	statusChanged   chan struct{} // closed and replaced on every transition
	manuallyClosing bool
	retryAttempts   int
	reconnectTimer  *time.Timer
	closed          bool

	closeOnce sync.Once
}

// New creates a Cluster for the given startup nodes ("host:port", a bare port for
// 127.0.0.1, or a redis:// URL). Unless WithLazyConnect is set, it starts connecting in
// the background; use WaitReady to wait for it.
func New(seeds []string, opts ...Option) (*Cluster, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.scaleReads.validate(); err != nil {
		return nil, err
	}

	addrs := make([]string, 0, len(seeds))
	for _, s := range seeds {
		addr, err := normalizeAddr(s)
		if err != nil {
			return nil, fmt.Errorf("rcluster: invalid startup node %q: %w", s, err)
		}
		if !slices.Contains(addrs, addr) {
			addrs = append(addrs, addr)
		}
	}
	if len(addrs) == 0 {
		return nil, ErrNoSeedNodes
	}

	id := uuid.NewString()
	logger := cfg.logger.With("cluster_id", id)
	recorder := newMetricsRecorder(cfg.meterProvider, id, logger)

	newTransport := cfg.newTransport
	if newTransport == nil {
		newTransport = redisTransportFactory(cfg.redisOptions)
	}

	c := &Cluster{
		id:            id,
		seeds:         addrs,
		config:        cfg,
		logger:        logger,
		recorder:      recorder,
		directory:     newDirectory(),
		delayQueue:    newDelayQueue(recorder),
		statusChanged: make(chan struct{}),
	}
	c.events = newEmitter(cfg.eventQueueSize, cfg.eventCallbacks, logger, recorder)
	c.subscriber = newSubscriberManager(c)
	c.registry = newRegistry(newTransport, logger, recorder)
	c.registry.added = func(n *Node) {
		c.events.emit(&Event{Type: EventNodeAdded, Node: n})
	}
	c.registry.removed = func(n *Node, cause error) {
		c.subscriber.nodeRemoved(n)
		if cause != nil {
			c.events.emit(&Event{Type: EventNodeError, Node: n, Err: cause})
		}
		c.events.emit(&Event{Type: EventNodeRemoved, Node: n})
	}
	c.registry.drained = c.onDrain

	if cfg.lazyConnect {
		c.setStatus(StatusWait)
		return c, nil
	}
	if err := c.beginConnect(); err != nil {
		return nil, err
	}
	go func() {
		if err := c.connect(context.Background()); err != nil {
			c.logger.Warn("rcluster: initial connect failed", "error", err)
		}
	}()
	return c, nil
}

// ID returns the instance identifier used in logs and metrics.
func (c *Cluster) ID() string { return c.id }

// Status returns the current lifecycle state.
func (c *Cluster) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// OnEvent registers an event callback.
func (c *Cluster) OnEvent(cb EventCallback) {
	if cb != nil {
		c.events.on(cb)
	}
}

// Nodes returns the known nodes of role, sorted by address.
func (c *Cluster) Nodes(role Role) ([]*Node, error) {
	if role == "" {
		role = RoleAll
	}
	if !role.valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	return c.registry.nodes(role), nil
}

// Refresh reloads the slot table now.
func (c *Cluster) Refresh(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.refreshSlots(ctx)
}

// WaitReady blocks until the cluster is ready, it ends, or ctx is done. A lazily
// connecting cluster starts connecting.
func (c *Cluster) WaitReady(ctx context.Context) error {
	for {
		c.mu.Lock()
		status, changed, closed := c.status, c.statusChanged, c.closed
		c.mu.Unlock()

		switch {
		case closed:
			return ErrClosed
		case status == StatusReady:
			return nil
		case status == StatusEnd:
			return ErrClusterEnded
		case status == StatusWait:
			c.connectLazily()
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Connect discovers the cluster from the startup nodes and makes it ready.
func (c *Cluster) Connect(ctx context.Context) error {
	if err := c.beginConnect(); err != nil {
		return err
	}
	return c.connect(ctx)
}

func (c *Cluster) beginConnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	switch c.status {
	case StatusConnecting, StatusConnect, StatusReady:
		return ErrAlreadyConnecting
	}
	if len(c.seeds) == 0 {
		return ErrNoSeedNodes
	}
	c.stopReconnectLocked()
	c.setStatusLocked(StatusConnecting)
	return nil
}

func (c *Cluster) connectLazily() {
	if err := c.beginConnect(); err != nil {
		return
	}
	go func() {
		if err := c.connect(context.Background()); err != nil {
			c.logger.Warn("rcluster: lazy connect failed", "error", err)
		}
	}()
}

func (c *Cluster) connect(ctx context.Context) error {
	specs := make([]nodeSpec, len(c.seeds))
	for i, addr := range c.seeds {
		specs[i] = nodeSpec{addr: addr}
	}
	c.registry.reset(specs)
	c.subscriber.elect()

	if err := c.refreshSlots(ctx); err != nil {
		c.logger.Error("rcluster: failed to refresh slots cache", "error", err)
		c.events.emit(&Event{Type: EventError, Err: err})
		if !errors.Is(err, ErrClusterEnded) {
			c.registry.reset(nil)
		}
		return fmt.Errorf("%w: %w", ErrNoStartupNodes, err)
	}

	if err := c.advance(StatusConnecting, StatusConnect); err != nil {
		return err
	}
	c.mu.Lock()
	c.manuallyClosing = false
	c.mu.Unlock()

	if c.config.enableReadyCheck {
		if err := c.readyCheck(ctx); err != nil {
			c.logger.Warn("rcluster: ready check failed", "error", err)
			c.Disconnect(true)
			return err
		}
	}

	if err := c.advance(StatusConnect, StatusReady); err != nil {
		return err
	}
	c.logger.Info("rcluster: cluster ready", "nodes", c.registry.size())
	c.replayOffline()
	return nil
}

// advance moves from one status to the next, failing when another transition happened
// in between (a disconnect racing with connect).
func (c *Cluster) advance(from, to Status) error {
	c.mu.Lock()
	if c.status != from || c.closed {
		status, closed := c.status, c.closed
		c.mu.Unlock()
		if closed {
			c.registry.reset(nil)
			return ErrClosed
		}
		return fmt.Errorf("%w: status changed to %s while connecting", ErrConnectionClosed, status)
	}
	if to == StatusReady {
		c.retryAttempts = 0
	}
	c.setStatusLocked(to)
	c.mu.Unlock()
	return nil
}

// readyCheck fails when a node reports cluster_state:fail.
func (c *Cluster) readyCheck(ctx context.Context) error {
	node := c.registry.sample(RoleAll)
	if node == nil {
		return ErrNoStartupNodes
	}
	ctx, cancel := context.WithTimeout(ctx, c.config.slotsRefreshTimeout)
	defer cancel()
	info, err := node.transport.ClusterInfo(ctx)
	if err != nil {
		return fmt.Errorf("rcluster: cluster info on %s: %w", node.addr, err)
	}
	if clusterState(info) == "fail" {
		return ErrClusterDown
	}
	return nil
}

func clusterState(info string) string {
	for _, line := range strings.Split(info, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "cluster_state:"); ok {
			return v
		}
	}
	return ""
}

// onDrain runs when the last node is gone.
func (c *Cluster) onDrain() {
	if c.isClosed() || c.Status() == StatusEnd {
		return
	}
	c.setStatus(StatusClose)
	c.handleClose()
}

// handleClose schedules a reconnect, or ends the cluster when the retry strategy gives up
// or the close was requested.
func (c *Cluster) handleClose() {
	c.mu.Lock()
	if !c.manuallyClosing && !c.closed && c.config.clusterRetryStrategy != nil {
		c.retryAttempts++
		attempt := c.retryAttempts
		if delay, ok := c.config.clusterRetryStrategy(attempt); ok {
			c.setStatusLocked(StatusReconnecting)
			c.reconnectTimer = time.AfterFunc(delay, c.reconnect)
			c.mu.Unlock()
			c.logger.Info("rcluster: reconnecting", "attempt", attempt, "delay", delay)
			return
		}
	}
	c.setStatusLocked(StatusEnd)
	c.mu.Unlock()

	c.logger.Info("rcluster: cluster ended")
	c.flushOffline(ErrNoStartupNodes)
}

func (c *Cluster) reconnect() {
	c.mu.Lock()
	c.reconnectTimer = nil
	c.mu.Unlock()
	if err := c.Connect(context.Background()); err != nil {
		c.logger.Warn("rcluster: reconnect failed", "error", err)
	}
}

func (c *Cluster) stopReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// Disconnect closes every node connection. With reconnect set the retry strategy decides
// whether to connect again; otherwise the cluster ends.
func (c *Cluster) Disconnect(reconnect bool) {
	prev := c.beginDisconnect(!reconnect)
	c.logger.Info("rcluster: disconnecting", "reconnect", reconnect)

	if prev == StatusWait || !c.registry.reset(nil) {
		c.setStatus(StatusClose)
		c.handleClose()
	}
}

// Quit sends QUIT to every node, closes them and ends the cluster.
func (c *Cluster) Quit(ctx context.Context) (string, error) {
	prev := c.beginDisconnect(true)
	c.logger.Info("rcluster: quitting")

	nodes := c.registry.nodes(RoleAll)
	if prev == StatusWait || len(nodes) == 0 {
		c.setStatus(StatusClose)
		c.handleClose()
		return "OK", nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, n := range nodes {
		g.Go(func() error {
			_ = n.transport.Process(gctx, redis.NewStatusCmd(gctx, "quit"))
			return c.registry.remove(n, nil)
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	return "OK", nil
}

func (c *Cluster) beginDisconnect(manual bool) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.status
	if manual {
		c.manuallyClosing = true
	}
	c.stopReconnectLocked()
	c.setStatusLocked(StatusDisconnecting)
	return prev
}

// Close quits the cluster and releases every resource. Commands issued afterwards fail
// with ErrClosed. It is safe to call multiple times.
func (c *Cluster) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.Status() != StatusEnd {
			ctx, cancel := context.WithTimeout(context.Background(), c.config.slotsRefreshTimeout)
			_, err = c.Quit(ctx)
			cancel()
		}

		c.mu.Lock()
		c.closed = true
		c.stopReconnectLocked()
		c.mu.Unlock()

		c.delayQueue.close()
		c.subscriber.close()
		c.flushOffline(ErrClosed)
		c.events.stop()
	})
	return err
}

func (c *Cluster) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Cluster) setStatus(s Status) {
	c.mu.Lock()
	c.setStatusLocked(s)
	c.mu.Unlock()
}

func (c *Cluster) setStatusLocked(s Status) {
	if c.status == s {
		return
	}
	c.status = s
	close(c.statusChanged)
	c.statusChanged = make(chan struct{})
	c.logger.Debug("rcluster: status changed", "status", s)
	c.events.emit(&Event{Type: EventStatus, Status: s})
}

// normalizeAddr turns a startup node into host:port.
func normalizeAddr(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return "", err
		}
		s = u.Host
	}
	if s == "" {
		return "", errors.New("empty address")
	}
	if _, err := strconv.Atoi(s); err == nil {
		return net.JoinHostPort("127.0.0.1", s), nil
	}
	if host, port, err := net.SplitHostPort(s); err == nil {
		if host == "" {
			host = "127.0.0.1"
		}
		return net.JoinHostPort(host, port), nil
	}
	return net.JoinHostPort(s, "6379"), nil
}
