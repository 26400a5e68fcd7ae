package rcluster

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/lalloni/rcluster/testutil"
)

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		seeds   []string
		opts    []Option
		wantErr error
	}{
		{name: "no seeds", seeds: nil, wantErr: ErrNoSeedNodes},
		{name: "invalid scale reads", seeds: []string{"127.0.0.1:7000"}, opts: []Option{WithScaleReads(ScaleReads{kind: 42})}, wantErr: ErrInvalidScaleReads},
		{name: "custom without selector", seeds: []string{"127.0.0.1:7000"}, opts: []Option{WithScaleReads(ScaleCustom(nil))}, wantErr: ErrInvalidScaleReads},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := append([]Option{WithLazyConnect(true), WithLogger(discardLogger())}, tt.opts...)
			c, err := New(tt.seeds, opts...)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("New() error = %v, want %v", err, tt.wantErr)
			}
			if c != nil {
				t.Errorf("New() returned a cluster on error")
			}
		})
	}
}

func TestNew_DeduplicatesSeeds(t *testing.T) {
	c, err := New([]string{"7000", "127.0.0.1:7000", "redis://127.0.0.1:7000", "127.0.0.1:7001"},
		WithLazyConnect(true), WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()

	want := []string{"127.0.0.1:7000", "127.0.0.1:7001"}
	if !slices.Equal(c.seeds, want) {
		t.Errorf("seeds = %v, want %v", c.seeds, want)
	}
	if c.Status() != StatusWait {
		t.Errorf("Status() = %s, want %s", c.Status(), StatusWait)
	}
	if c.ID() == "" {
		t.Error("ID() is empty")
	}
}

func TestNormalizeAddr(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "127.0.0.1:7000", want: "127.0.0.1:7000"},
		{in: "7000", want: "127.0.0.1:7000"},
		{in: ":7000", want: "127.0.0.1:7000"},
		{in: "redis.example.com", want: "redis.example.com:6379"},
		{in: "redis://redis.example.com:7001/0", want: "redis.example.com:7001"},
		{in: " 10.0.0.1:7002 ", want: "10.0.0.1:7002"},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		got, err := normalizeAddr(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("normalizeAddr(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("normalizeAddr(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConnect_BecomesReady(t *testing.T) {
	rec := &eventRecorder{}
	net := threeMasters()
	c := connectedCluster(t, net, WithEventCallback(rec.callback))

	if c.Status() != StatusReady {
		t.Fatalf("Status() = %s, want %s", c.Status(), StatusReady)
	}

	want := []Status{StatusWait, StatusConnecting, StatusConnect, StatusReady}
	waitFor(t, time.Second, func() bool { return len(rec.statuses()) >= len(want) }, "status events")
	if got := rec.statuses(); !slices.Equal(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}

	nodes, err := c.Nodes(RoleMaster)
	if err != nil {
		t.Fatalf("Nodes() error = %v", err)
	}
	var addrs []string
	for _, n := range nodes {
		addrs = append(addrs, n.Addr())
	}
	wantAddrs := []string{"127.0.0.1:7000", "127.0.0.1:7001", "127.0.0.1:7002"}
	if !slices.Equal(addrs, wantAddrs) {
		t.Errorf("masters = %v, want %v", addrs, wantAddrs)
	}
	if slaves, _ := c.Nodes(RoleSlave); len(slaves) != 0 {
		t.Errorf("slaves = %v, want none", slaves)
	}
	if all, _ := c.Nodes(""); len(all) != 3 {
		t.Errorf("len(Nodes(\"\")) = %d, want 3", len(all))
	}
	if _, err := c.Nodes("primary"); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("Nodes(primary) error = %v, want %v", err, ErrInvalidRole)
	}

	waitFor(t, time.Second, func() bool { return rec.count(EventNodeAdded) == 3 }, "+node events")
	waitFor(t, time.Second, func() bool { return rec.count(EventRefresh) == 1 }, "refresh event")
}

func TestConnect_AlreadyConnecting(t *testing.T) {
	c := connectedCluster(t, threeMasters())
	if err := c.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnecting) {
		t.Errorf("Connect() error = %v, want %v", err, ErrAlreadyConnecting)
	}
}

func TestConnect_FailureEndsWithoutRetryStrategy(t *testing.T) {
	rec := &eventRecorder{}
	net := threeMasters()
	net.setDown("127.0.0.1:7000", true)
	c := newTestCluster(t, net, WithEventCallback(rec.callback))

	err := c.Connect(context.Background())
	if !errors.Is(err, ErrNoStartupNodes) {
		t.Fatalf("Connect() error = %v, want %v", err, ErrNoStartupNodes)
	}
	var refreshErr *RefreshError
	if !errors.As(err, &refreshErr) {
		t.Fatalf("Connect() error = %v, want a *RefreshError", err)
	}
	if refreshErr.Tried != 1 {
		t.Errorf("Tried = %d, want 1", refreshErr.Tried)
	}
	if c.Status() != StatusEnd {
		t.Errorf("Status() = %s, want %s", c.Status(), StatusEnd)
	}

	want := []Status{StatusWait, StatusConnecting, StatusClose, StatusEnd}
	waitFor(t, time.Second, func() bool { return len(rec.statuses()) >= len(want) }, "status events")
	if got := rec.statuses(); !slices.Equal(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}
	waitFor(t, time.Second, func() bool { return rec.count(EventError) == 1 }, "error event")
	waitFor(t, time.Second, func() bool { return rec.count(EventNodeError) == 1 }, "node error event")

	if err := c.Do(context.Background(), "get", "foo").Err(); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Do() after end error = %v, want %v", err, ErrConnectionClosed)
	}
	if err := c.WaitReady(context.Background()); !errors.Is(err, ErrClusterEnded) {
		t.Errorf("WaitReady() error = %v, want %v", err, ErrClusterEnded)
	}
}

func TestConnect_FailureReconnects(t *testing.T) {
	net := threeMasters()
	net.setDown("127.0.0.1:7000", true)

	var mu sync.Mutex
	var attempts []int
	strategy := func(attempt int) (time.Duration, bool) {
		mu.Lock()
		attempts = append(attempts, attempt)
		mu.Unlock()
		return 10 * time.Millisecond, true
	}
	c := newTestCluster(t, net, WithClusterRetryStrategy(strategy))

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("Connect() error = nil, want failure")
	}
	net.setDown("127.0.0.1:7000", false)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}

	mu.Lock()
	if len(attempts) == 0 || attempts[0] != 1 {
		t.Errorf("attempts = %v, want to start at 1", attempts)
	}
	mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retryAttempts != 0 {
		t.Errorf("retryAttempts = %d after ready, want 0", c.retryAttempts)
	}
}

func TestConnect_ReadyCheckFails(t *testing.T) {
	net := threeMasters()
	net.setInfo("cluster_state:fail\r\n")
	c := newTestCluster(t, net, WithReadyCheck(true))

	err := c.Connect(context.Background())
	if !errors.Is(err, ErrClusterDown) {
		t.Fatalf("Connect() error = %v, want %v", err, ErrClusterDown)
	}
	waitFor(t, time.Second, func() bool { return c.Status() == StatusEnd }, "end status")
	if nodes, _ := c.Nodes(RoleAll); len(nodes) != 0 {
		t.Errorf("nodes after failed ready check = %v, want none", nodes)
	}
}

func TestConnect_ReadyCheckPasses(t *testing.T) {
	c := connectedCluster(t, threeMasters(), WithReadyCheck(true))
	if c.Status() != StatusReady {
		t.Errorf("Status() = %s, want %s", c.Status(), StatusReady)
	}
}

func TestClusterState(t *testing.T) {
	tests := []struct {
		info string
		want string
	}{
		{info: "cluster_state:ok\r\ncluster_slots_assigned:16384\r\n", want: "ok"},
		{info: "cluster_enabled:1\r\ncluster_state:fail\r\n", want: "fail"},
		{info: "cluster_slots_assigned:0\r\n", want: ""},
		{info: "", want: ""},
	}
	for _, tt := range tests {
		if got := clusterState(tt.info); got != tt.want {
			t.Errorf("clusterState(%q) = %q, want %q", tt.info, got, tt.want)
		}
	}
}

func TestWaitReady_StartsLazyConnect(t *testing.T) {
	c := newTestCluster(t, threeMasters())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
	if c.Status() != StatusReady {
		t.Errorf("Status() = %s, want %s", c.Status(), StatusReady)
	}
}

func TestWaitReady_ContextDone(t *testing.T) {
	net := threeMasters()
	gate := net.gateSlots()
	c := newTestCluster(t, net)
	t.Cleanup(func() { close(gate) })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.WaitReady(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitReady() error = %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestDisconnect_Ends(t *testing.T) {
	rec := &eventRecorder{}
	c := connectedCluster(t, threeMasters(), WithEventCallback(rec.callback))

	c.Disconnect(false)

	if c.Status() != StatusEnd {
		t.Fatalf("Status() = %s, want %s", c.Status(), StatusEnd)
	}
	if nodes, _ := c.Nodes(RoleAll); len(nodes) != 0 {
		t.Errorf("nodes after Disconnect = %v, want none", nodes)
	}

	want := []Status{StatusWait, StatusConnecting, StatusConnect, StatusReady, StatusDisconnecting, StatusClose, StatusEnd}
	waitFor(t, time.Second, func() bool { return len(rec.statuses()) >= len(want) }, "status events")
	if got := rec.statuses(); !slices.Equal(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}
	waitFor(t, time.Second, func() bool { return rec.count(EventNodeRemoved) == 3 }, "-node events")
}

func TestDisconnect_Reconnects(t *testing.T) {
	c := connectedCluster(t, threeMasters(), WithClusterRetryStrategy(func(int) (time.Duration, bool) {
		return time.Millisecond, true
	}))

	c.Disconnect(true)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady() after Disconnect(true) error = %v", err)
	}
	if nodes, _ := c.Nodes(RoleAll); len(nodes) != 3 {
		t.Errorf("len(nodes) = %d, want 3", len(nodes))
	}
}

func TestDisconnect_LazyCluster(t *testing.T) {
	c := newTestCluster(t, threeMasters())
	c.Disconnect(false)
	if c.Status() != StatusEnd {
		t.Errorf("Status() = %s, want %s", c.Status(), StatusEnd)
	}
}

func TestQuit(t *testing.T) {
	net := threeMasters()
	c := connectedCluster(t, net)

	reply, err := c.Quit(context.Background())
	if err != nil {
		t.Fatalf("Quit() error = %v", err)
	}
	if reply != "OK" {
		t.Errorf("Quit() = %q, want OK", reply)
	}
	if c.Status() != StatusEnd {
		t.Errorf("Status() = %s, want %s", c.Status(), StatusEnd)
	}

	quits := map[string]bool{}
	for _, call := range net.callLog() {
		if call.name == "quit" {
			quits[call.addr] = true
		}
	}
	if len(quits) != 3 {
		t.Errorf("quit sent to %v, want all 3 nodes", quits)
	}
	for _, addr := range []string{"127.0.0.1:7000", "127.0.0.1:7001", "127.0.0.1:7002"} {
		if tr := net.transport(addr); tr == nil || !tr.closed.Load() {
			t.Errorf("transport %s not closed", addr)
		}
	}

	if err := c.Do(context.Background(), "get", "foo").Err(); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Do() after Quit error = %v, want %v", err, ErrConnectionClosed)
	}
}

func TestQuit_BeforeConnect(t *testing.T) {
	c := newTestCluster(t, threeMasters())
	reply, err := c.Quit(context.Background())
	if err != nil || reply != "OK" {
		t.Errorf("Quit() = %q, %v, want OK, nil", reply, err)
	}
	if c.Status() != StatusEnd {
		t.Errorf("Status() = %s, want %s", c.Status(), StatusEnd)
	}
}

func TestClose(t *testing.T) {
	c := connectedCluster(t, threeMasters())

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := c.Do(context.Background(), "get", "foo").Err(); !errors.Is(err, ErrClosed) {
		t.Errorf("Do() after Close error = %v, want %v", err, ErrClosed)
	}
	if err := c.WaitReady(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("WaitReady() after Close error = %v, want %v", err, ErrClosed)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect() after Close error = %v, want %v", err, ErrClosed)
	}
	if err := c.Refresh(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Refresh() after Close error = %v, want %v", err, ErrClosed)
	}
}

func TestRefresh_SharedBetweenCallers(t *testing.T) {
	net := threeMasters()
	c := connectedCluster(t, net)
	before := c.refreshes.Load()

	gate := net.gateSlots()
	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Refresh(context.Background())
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Refresh() error = %v", err)
		}
	}
	if got := c.refreshes.Load() - before; got != 1 {
		t.Errorf("refreshes performed = %d, want 1", got)
	}
}

func TestRefresh_PicksUpNewTopology(t *testing.T) {
	net := threeMasters()
	c := connectedCluster(t, net)

	net.setSlots(
		testutil.SlotRange(0, 5460, "127.0.0.1:7000", "127.0.0.1:7003"),
		testutil.SlotRange(5461, 16383, "127.0.0.1:7001"),
	)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if got := c.directory.nodesFor(12000); !slices.Equal(got, []string{"127.0.0.1:7001"}) {
		t.Errorf("nodesFor(12000) = %v, want [127.0.0.1:7001]", got)
	}
	slaves, _ := c.Nodes(RoleSlave)
	if len(slaves) != 1 || slaves[0].Addr() != "127.0.0.1:7003" {
		t.Errorf("slaves = %v, want [127.0.0.1:7003]", slaves)
	}
	if c.registry.get("127.0.0.1:7002") != nil {
		t.Error("127.0.0.1:7002 still registered after it left the topology")
	}
	if tr := net.transport("127.0.0.1:7003"); tr == nil || !tr.readOnly {
		t.Error("replica transport was not created read-only")
	}
}

func TestRefresh_SkipsFailingNodes(t *testing.T) {
	net := threeMasters()
	c := connectedCluster(t, net)

	net.setDown("127.0.0.1:7000", true)
	net.setDown("127.0.0.1:7001", true)
	for range 3 {
		if err := c.Refresh(context.Background()); err != nil {
			t.Fatalf("Refresh() error = %v", err)
		}
	}
	if c.Status() != StatusReady {
		t.Errorf("Status() = %s, want %s", c.Status(), StatusReady)
	}
}

func TestRefresh_AllNodesFail(t *testing.T) {
	net := threeMasters()
	c := connectedCluster(t, net)

	for _, addr := range []string{"127.0.0.1:7000", "127.0.0.1:7001", "127.0.0.1:7002"} {
		net.setDown(addr, true)
	}
	err := c.Refresh(context.Background())
	if !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("Refresh() error = %v, want %v", err, ErrRefreshFailed)
	}
	waitFor(t, time.Second, func() bool { return c.Status() == StatusEnd }, "end status")
}

func TestOnEvent(t *testing.T) {
	c := newTestCluster(t, threeMasters())
	rec := &eventRecorder{}
	c.OnEvent(rec.callback)
	c.OnEvent(nil)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, time.Second, func() bool {
		s := rec.statuses()
		return len(s) > 0 && s[len(s)-1] == StatusReady
	}, "ready event")
	for _, ev := range rec.snapshot() {
		if ev.Time.IsZero() {
			t.Errorf("event %s has no time", ev.Type)
		}
	}
}
