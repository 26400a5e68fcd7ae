package rcluster

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lalloni/rcluster/testutil"
)

// fakeCall is one command seen by a fake node.
type fakeCall struct {
	addr   string
	name   string
	asking bool
}

// fakeNet is an in-memory cluster. Every node answers CLUSTER SLOTS with the same table
// unless it is down. Commands succeed with the serving address as their value unless a
// handler says otherwise.
type fakeNet struct {
	slotsCalls atomic.Int64

	mu       sync.Mutex
	slots    []redis.ClusterSlot
	info     string
	down     map[string]bool
	handlers map[string]func(cmd redis.Cmder, asking bool) error
	// slotsGate, when set, blocks CLUSTER SLOTS until it is closed.
	slotsGate  chan struct{}
	calls      []fakeCall
	transports map[string]*fakeTransport
	pubsubs    map[string][]*testutil.MockPubSub
}

func newFakeNet(slots ...redis.ClusterSlot) *fakeNet {
	return &fakeNet{
		slots:      slots,
		info:       "cluster_state:ok\r\ncluster_slots_assigned:16384\r\n",
		down:       make(map[string]bool),
		handlers:   make(map[string]func(redis.Cmder, bool) error),
		transports: make(map[string]*fakeTransport),
		pubsubs:    make(map[string][]*testutil.MockPubSub),
	}
}

// threeMasters is the usual test layout: 7000-7002 own a third of the slots each.
func threeMasters() *fakeNet {
	return newFakeNet(
		testutil.SlotRange(0, 5460, "127.0.0.1:7000"),
		testutil.SlotRange(5461, 10922, "127.0.0.1:7001"),
		testutil.SlotRange(10923, 16383, "127.0.0.1:7002"),
	)
}

func (f *fakeNet) factory(addr string, readOnly bool) Transport {
	t := &fakeTransport{net: f, addr: addr, readOnly: readOnly}
	f.mu.Lock()
	f.transports[addr] = t
	f.mu.Unlock()
	return t
}

func (f *fakeNet) setSlots(slots ...redis.ClusterSlot) {
	f.mu.Lock()
	f.slots = slots
	f.mu.Unlock()
}

func (f *fakeNet) setInfo(info string) {
	f.mu.Lock()
	f.info = info
	f.mu.Unlock()
}

func (f *fakeNet) setDown(addr string, down bool) {
	f.mu.Lock()
	f.down[addr] = down
	f.mu.Unlock()
}

func (f *fakeNet) handle(addr string, h func(cmd redis.Cmder, asking bool) error) {
	f.mu.Lock()
	f.handlers[addr] = h
	f.mu.Unlock()
}

func (f *fakeNet) gateSlots() chan struct{} {
	gate := make(chan struct{})
	f.mu.Lock()
	f.slotsGate = gate
	f.mu.Unlock()
	return gate
}

// callLog returns the non-topology commands seen so far, in order.
func (f *fakeNet) callLog() []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeNet) transport(addr string) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transports[addr]
}

func (f *fakeNet) lastPubSub(addr string) *testutil.MockPubSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.pubsubs[addr]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (f *fakeNet) isDown(addr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.down[addr]
}

type fakeTransport struct {
	net      *fakeNet
	addr     string
	readOnly bool
	closed   atomic.Bool
}

func (t *fakeTransport) unreachable() error {
	if t.closed.Load() {
		return redis.ErrClosed
	}
	if t.net.isDown(t.addr) {
		return fmt.Errorf("dial tcp %s: %w", t.addr, syscall.ECONNREFUSED)
	}
	return nil
}

func (t *fakeTransport) Process(ctx context.Context, cmd redis.Cmder) error {
	return t.process(ctx, cmd, false)
}

func (t *fakeTransport) ProcessAsking(ctx context.Context, cmd redis.Cmder) error {
	return t.process(ctx, cmd, true)
}

func (t *fakeTransport) process(ctx context.Context, cmd redis.Cmder, asking bool) error {
	cmd.SetErr(nil)
	if err := ctx.Err(); err != nil {
		cmd.SetErr(err)
		return err
	}
	if err := t.unreachable(); err != nil {
		cmd.SetErr(err)
		return err
	}

	t.net.mu.Lock()
	t.net.calls = append(t.net.calls, fakeCall{addr: t.addr, name: cmd.Name(), asking: asking})
	h := t.net.handlers[t.addr]
	t.net.mu.Unlock()

	if h != nil {
		if err := h(cmd, asking); err != nil {
			cmd.SetErr(err)
			return err
		}
		if cmd.Err() != nil {
			return cmd.Err()
		}
	}
	switch c := cmd.(type) {
	case *redis.Cmd:
		if c.Val() == nil {
			c.SetVal(t.addr)
		}
	case *redis.StringCmd:
		if c.Val() == "" {
			c.SetVal(t.addr)
		}
	case *redis.StatusCmd:
		if c.Val() == "" {
			c.SetVal("OK")
		}
	}
	return nil
}

func (t *fakeTransport) ClusterSlots(ctx context.Context) ([]redis.ClusterSlot, error) {
	t.net.slotsCalls.Add(1)
	t.net.mu.Lock()
	gate := t.net.slotsGate
	t.net.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := t.unreachable(); err != nil {
		return nil, err
	}
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	return append([]redis.ClusterSlot(nil), t.net.slots...), nil
}

func (t *fakeTransport) ClusterInfo(context.Context) (string, error) {
	if err := t.unreachable(); err != nil {
		return "", err
	}
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	return t.net.info, nil
}

func (t *fakeTransport) PubSub(context.Context) PubSubConn {
	ps := testutil.NewMockPubSub()
	t.net.mu.Lock()
	t.net.pubsubs[t.addr] = append(t.net.pubsubs[t.addr], ps)
	t.net.mu.Unlock()
	return ps
}

func (t *fakeTransport) Close() error {
	t.closed.Store(true)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestCluster builds a lazily connecting cluster over net. The cluster is closed when
// the test ends.
func newTestCluster(t *testing.T, net *fakeNet, opts ...Option) *Cluster {
	t.Helper()
	return newSeededCluster(t, net, []string{"127.0.0.1:7000"}, opts...)
}

// newSeededCluster is newTestCluster with explicit seed nodes.
func newSeededCluster(t *testing.T, net *fakeNet, seeds []string, opts ...Option) *Cluster {
	t.Helper()
	base := []Option{
		WithLazyConnect(true),
		WithTransportFactory(net.factory),
		WithReadyCheck(false),
		WithLogger(discardLogger()),
		WithClusterRetryStrategy(nil),
	}
	c, err := New(seeds, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// connectedCluster is newTestCluster followed by a successful Connect.
func connectedCluster(t *testing.T, net *fakeNet, opts ...Option) *Cluster {
	t.Helper()
	c := newTestCluster(t, net, opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return c
}

// keyForSlot returns a key hashing to slot.
func keyForSlot(slot int) string {
	for i := 0; ; i++ {
		key := fmt.Sprintf("{%d}", i)
		if Hashslot(key) == slot {
			return key
		}
	}
}

// eventRecorder collects events delivered to its callback.
type eventRecorder struct {
	mu     sync.Mutex
	events []*Event
}

func (r *eventRecorder) callback(_ context.Context, ev *Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) snapshot() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Event(nil), r.events...)
}

func (r *eventRecorder) statuses() []Status {
	var out []Status
	for _, ev := range r.snapshot() {
		if ev.Type == EventStatus {
			out = append(out, ev.Status)
		}
	}
	return out
}

func (r *eventRecorder) count(typ EventType) int {
	n := 0
	for _, ev := range r.snapshot() {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for "+format, args...)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
