package rcluster

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// Node is a cluster member known to the Cluster. Handles are owned by the Cluster; a
// removed node's transport is closed and the handle reports Closed.
type Node struct {
	addr      string
	transport Transport
	readOnly  atomic.Bool
	closed    atomic.Bool

	// lost is called when the transport reports a connection error.
	lost func(n *Node, err error)
}

// Addr returns the node's host:port.
func (n *Node) Addr() string { return n.addr }

// Role returns RoleSlave for replicas and RoleMaster otherwise.
func (n *Node) Role() Role {
	if n.readOnly.Load() {
		return RoleSlave
	}
	return RoleMaster
}

// Closed reports whether the node was removed from the cluster.
func (n *Node) Closed() bool { return n.closed.Load() }

// Transport exposes the node connection.
func (n *Node) Transport() Transport { return n.transport }

func (n *Node) String() string { return n.addr }

func (n *Node) process(ctx context.Context, cmd redis.Cmder, asking bool) error {
	var err error
	if asking {
		err = n.transport.ProcessAsking(ctx, cmd)
	} else {
		err = n.transport.Process(ctx, cmd)
	}
	if isConnectionError(err) && n.lost != nil {
		n.lost(n, err)
	}
	return err
}

type nodeSpec struct {
	addr     string
	readOnly bool
}

// registry holds the live node handles keyed by address.
type registry struct {
	newTransport TransportFactory
	logger       *slog.Logger
	recorder     metricsRecorder

	// Hooks, called outside the lock. removed runs before the node's transport is closed.
	added   func(n *Node)
	removed func(n *Node, cause error)
	drained func()

	mu     sync.RWMutex
	all    map[string]*Node
	master map[string]*Node
	slave  map[string]*Node
}

func newRegistry(newTransport TransportFactory, logger *slog.Logger, recorder metricsRecorder) *registry {
	return &registry{
		newTransport: newTransport,
		logger:       logger,
		recorder:     recorder,
		added:        func(*Node) {},
		removed:      func(*Node, error) {},
		drained:      func() {},
		all:          make(map[string]*Node),
		master:       make(map[string]*Node),
		slave:        make(map[string]*Node),
	}
}

func (r *registry) newNodeLocked(spec nodeSpec) *Node {
	n := &Node{addr: spec.addr, transport: r.newTransport(spec.addr, spec.readOnly)}
	n.readOnly.Store(spec.readOnly)
	n.lost = func(n *Node, err error) {
		r.logger.Warn("rcluster: node connection lost", "node", n.addr, "error", err)
		r.remove(n, err)
	}
	r.all[spec.addr] = n
	r.setRoleLocked(n, spec.readOnly)
	return n
}

func (r *registry) setRoleLocked(n *Node, readOnly bool) {
	n.readOnly.Store(readOnly)
	if readOnly {
		delete(r.master, n.addr)
		r.slave[n.addr] = n
	} else {
		delete(r.slave, n.addr)
		r.master[n.addr] = n
	}
}

func (r *registry) deleteLocked(addr string) {
	delete(r.all, addr)
	delete(r.master, addr)
	delete(r.slave, addr)
}

// findOrCreate returns the live handle for spec.addr, creating it when unknown. The role of
// an existing handle is left unchanged.
func (r *registry) findOrCreate(spec nodeSpec) *Node {
	r.mu.RLock()
	n := r.all[spec.addr]
	r.mu.RUnlock()
	if n != nil {
		return n
	}

	r.mu.Lock()
	if n = r.all[spec.addr]; n != nil {
		r.mu.Unlock()
		return n
	}
	n = r.newNodeLocked(spec)
	r.mu.Unlock()

	r.nodeAdded(n)
	return n
}

// reset makes the live set equal to specs. A kept node whose role changed gets a new
// handle, since a transport is opened read-only or not for its whole life. It reports whether the reset emptied the registry (and so ran the drained hook).
func (r *registry) reset(specs []nodeSpec) bool {
	desired := make(map[string]bool, len(specs))
	order := make([]string, 0, len(specs))
	for _, s := range specs {
		if _, seen := desired[s.addr]; !seen {
			order = append(order, s.addr)
		}
		desired[s.addr] = s.readOnly
	}

	r.mu.Lock()
	var removed []*Node
	for addr, n := range r.all {
		if _, keep := desired[addr]; !keep {
			r.deleteLocked(addr)
			removed = append(removed, n)
		}
	}
	var added, replaced []*Node
	for _, addr := range order {
		readOnly := desired[addr]
		if n, ok := r.all[addr]; ok {
			if n.readOnly.Load() == readOnly {
				continue
			}
			r.deleteLocked(addr)
			replaced = append(replaced, n)
		}
		added = append(added, r.newNodeLocked(nodeSpec{addr: addr, readOnly: readOnly}))
	}
	drained := len(r.all) == 0 && len(removed) > 0
	r.mu.Unlock()

	// The old handle of a rebuilt address goes away before its successor is announced.
	for _, n := range replaced {
		_ = r.retire(n, nil)
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].addr < removed[j].addr })
	for _, n := range added {
		r.nodeAdded(n)
	}
	for _, n := range removed {
		_ = r.retire(n, nil)
	}
	if drained {
		r.drained()
	}
	return drained
}

// remove tears down n if it is still the live handle for its address. It returns the
// error of closing the node's transport.
func (r *registry) remove(n *Node, cause error) error {
	r.mu.Lock()
	if r.all[n.addr] != n {
		r.mu.Unlock()
		return nil
	}
	r.deleteLocked(n.addr)
	drained := len(r.all) == 0
	r.mu.Unlock()

	err := r.retire(n, cause)
	if drained {
		r.drained()
	}
	return err
}

func (r *registry) nodeAdded(n *Node) {
	r.logger.Debug("rcluster: node added", "node", n.addr, "role", n.Role())
	r.recorder.recordNodeAdded(n.addr)
	r.added(n)
}

func (r *registry) retire(n *Node, cause error) error {
	n.closed.Store(true)
	r.logger.Debug("rcluster: node removed", "node", n.addr, "cause", cause)
	r.recorder.recordNodeRemoved(n.addr)
	r.removed(n, cause)
	return n.transport.Close()
}

func (r *registry) get(addr string) *Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.all[addr]
}

func (r *registry) viewLocked(role Role) map[string]*Node {
	switch role {
	case RoleMaster:
		return r.master
	case RoleSlave:
		return r.slave
	}
	return r.all
}

// nodes returns the handles of role sorted by address.
func (r *registry) nodes(role Role) []*Node {
	r.mu.RLock()
	view := r.viewLocked(role)
	out := make([]*Node, 0, len(view))
	for _, n := range view {
		out = append(out, n)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].addr < out[j].addr })
	return out
}

func (r *registry) keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.all))
	for addr := range r.all {
		keys = append(keys, addr)
	}
	return keys
}

func (r *registry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.all)
}

// sample returns a uniformly chosen node of role, or nil when there is none.
func (r *registry) sample(role Role) *Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	view := r.viewLocked(role)
	if len(view) == 0 {
		return nil
	}
	i := rand.IntN(len(view))
	for _, n := range view {
		if i == 0 {
			return n
		}
		i--
	}
	return nil
}
