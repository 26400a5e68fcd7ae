package integration

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/lalloni/rcluster"
	"github.com/lalloni/rcluster/testutil"
)

func TestConnectDiscoversTopology(t *testing.T) {
	lc := startCluster(t, 3, 1)
	c := newClient(t, lc)

	masters, err := c.Nodes(rcluster.RoleMaster)
	if err != nil {
		t.Fatalf("Nodes(master) error = %v", err)
	}
	if len(masters) != 3 {
		t.Errorf("masters = %v, want 3", masters)
	}
	replicas, err := c.Nodes(rcluster.RoleSlave)
	if err != nil {
		t.Fatalf("Nodes(slave) error = %v", err)
	}
	if len(replicas) != 3 {
		t.Errorf("replicas = %v, want 3", replicas)
	}
	if c.Status() != rcluster.StatusReady {
		t.Errorf("Status() = %s, want %s", c.Status(), rcluster.StatusReady)
	}
}

func TestCommandsReachEverySlot(t *testing.T) {
	lc := startCluster(t, 3, 0)
	c := newClient(t, lc)
	ctx := context.Background()

	for i := range 200 {
		key := fmt.Sprintf("key:%d", i)
		if err := c.Do(ctx, "set", key, i).Err(); err != nil {
			t.Fatalf("set %s error = %v", key, err)
		}
	}
	for i := range 200 {
		key := fmt.Sprintf("key:%d", i)
		got, err := c.Do(ctx, "get", key).Int()
		if err != nil {
			t.Fatalf("get %s error = %v", key, err)
		}
		if got != i {
			t.Errorf("get %s = %d, want %d", key, got, i)
		}
	}
}

func TestConcurrentCommands(t *testing.T) {
	lc := startCluster(t, 3, 0)
	c := newClient(t, lc)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for w := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				if err := c.Do(ctx, "incr", fmt.Sprintf("counter:{%d}", i)).Err(); err != nil {
					errs <- fmt.Errorf("worker %d: %w", w, err)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	for i := range 50 {
		got, err := c.Do(ctx, "get", fmt.Sprintf("counter:{%d}", i)).Int()
		if err != nil || got != 20 {
			t.Errorf("counter %d = %d, %v, want 20", i, got, err)
		}
	}
}

func TestFollowsSlotMigration(t *testing.T) {
	lc := startCluster(t, 3, 0)
	rec := &recorder{}
	c := newClient(t, lc, rcluster.WithEventCallback(rec.callback))
	ctx := context.Background()

	key := "migrating-key"
	slot := rcluster.Hashslot(key)
	if err := c.Do(ctx, "set", key, "before").Err(); err != nil {
		t.Fatalf("set error = %v", err)
	}

	owner, err := lc.MasterFor(ctx, slot)
	if err != nil {
		t.Fatalf("MasterFor() error = %v", err)
	}
	masters, err := lc.Masters(ctx)
	if err != nil {
		t.Fatalf("Masters() error = %v", err)
	}
	var target string
	for _, m := range masters {
		if m != owner {
			target = m
			break
		}
	}
	if err := lc.MigrateSlot(ctx, slot, target); err != nil {
		t.Fatalf("MigrateSlot() error = %v", err)
	}

	got, err := c.Do(ctx, "get", key).Text()
	if err != nil {
		t.Fatalf("get after migration error = %v", err)
	}
	if got != "before" {
		t.Errorf("get = %q, want before", got)
	}

	// The MOVED reply triggers a background refresh.
	deadline := time.Now().Add(5 * time.Second)
	for rec.count(rcluster.EventRefresh) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("no refresh after MOVED")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestScaleReadsToReplicas(t *testing.T) {
	lc := startCluster(t, 3, 1)
	c := newClient(t, lc, rcluster.WithScaleReads(rcluster.ScaleSlave))
	ctx := context.Background()

	if err := c.Do(ctx, "set", "replicated", "v").Err(); err != nil {
		t.Fatalf("set error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := c.Do(ctx, "get", "replicated").Text()
		if err == nil && got == "v" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("get from replica = %q, %v", got, err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestSubscribeReceivesMessages(t *testing.T) {
	lc := startCluster(t, 3, 0)
	rec := &recorder{}
	c := newClient(t, lc, rcluster.WithEventCallback(rec.callback))
	ctx := context.Background()

	if err := c.Subscribe(ctx, "news"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := c.PSubscribe(ctx, "user:*"); err != nil {
		t.Fatalf("PSubscribe() error = %v", err)
	}

	// Cluster pub/sub is broadcast over the bus, so any node may publish.
	publisher := lc.Addrs()[len(lc.Addrs())-1]
	deadline := time.Now().Add(5 * time.Second)
	for rec.count(rcluster.EventMessage) == 0 || rec.count(rcluster.EventPMessage) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("messages not received")
		}
		_ = testutil.PublishToChannel(publisher, "news", "hello")
		_ = testutil.PublishToChannel(publisher, "user:1", "login")
		time.Sleep(50 * time.Millisecond)
	}

	for _, ev := range rec.snapshot() {
		if ev.Type == rcluster.EventMessage && (ev.Message.Channel != "news" || ev.Message.Payload != "hello") {
			t.Errorf("message = %+v", ev.Message)
		}
	}
}

func TestQuitEndsCluster(t *testing.T) {
	lc := startCluster(t, 3, 0)
	rec := &recorder{}
	c := newClient(t, lc, rcluster.WithEventCallback(rec.callback))

	reply, err := c.Quit(context.Background())
	if err != nil {
		t.Fatalf("Quit() error = %v", err)
	}
	if reply != "OK" {
		t.Errorf("Quit() = %q, want OK", reply)
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.Status() != rcluster.StatusEnd {
		if time.Now().After(deadline) {
			t.Fatalf("Status() = %s, want %s", c.Status(), rcluster.StatusEnd)
		}
		time.Sleep(10 * time.Millisecond)
	}
	statuses := rec.statuses()
	if !slices.Contains(statuses, rcluster.StatusDisconnecting) || !slices.Contains(statuses, rcluster.StatusClose) {
		t.Errorf("statuses = %v, want disconnecting and close", statuses)
	}
}
