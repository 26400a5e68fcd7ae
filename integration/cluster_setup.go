package integration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lalloni/rcluster"
	"github.com/lalloni/rcluster/testutil"
)

// lockedBuffer collects process output written from stdout and stderr at once.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var (
	runningMu sync.Mutex
	running   = make(map[*LocalCluster]struct{})

	signalOnce sync.Once

	reservedMu sync.Mutex
	reserved   = make(map[int]bool)
)

// watchSignals stops every running cluster when the test binary is interrupted.
func watchSignals() {
	signalOnce.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		go func() {
			sig := <-ch
			fmt.Fprintf(os.Stderr, "\n=== %v: stopping test clusters ===\n", sig)
			stopAll()
			os.Exit(1)
		}()
	})
}

func stopAll() {
	runningMu.Lock()
	clusters := make([]*LocalCluster, 0, len(running))
	for lc := range running {
		clusters = append(clusters, lc)
	}
	runningMu.Unlock()

	for _, lc := range clusters {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := lc.Stop(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "stopping %s: %v\n", lc.name, err)
		}
		cancel()
	}
}

// reservePort returns a free port whose cluster bus port (port+10000) is free too.
func reservePort() (int, error) {
	reservedMu.Lock()
	defer reservedMu.Unlock()

	for range 100 {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return 0, fmt.Errorf("listen: %w", err)
		}
		port := ln.Addr().(*net.TCPAddr).Port
		ln.Close()

		bus := port + 10000
		if reserved[port] || reserved[bus] || bus > 65535 {
			continue
		}
		lb, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", bus))
		if err != nil {
			continue
		}
		lb.Close()

		reserved[port], reserved[bus] = true, true
		return port, nil
	}
	return 0, errors.New("no free port pair found")
}

func releasePort(port int) {
	reservedMu.Lock()
	delete(reserved, port)
	delete(reserved, port+10000)
	reservedMu.Unlock()
}

// LocalCluster is a Redis Cluster made of redis-server processes on the loopback interface.
type LocalCluster struct {
	name    string
	dir     string
	ports   []int
	addrs   []string
	procs   []*exec.Cmd
	outputs []*lockedBuffer
	initOut string

	mu      sync.Mutex
	stopped bool
}

// StartLocalCluster launches shards masters with replicas replicas each and joins them
// with redis-cli --cluster create.
func StartLocalCluster(ctx context.Context, shards, replicas int, name string) (*LocalCluster, error) {
	if shards < 3 {
		return nil, fmt.Errorf("a cluster needs at least 3 shards, got %d", shards)
	}
	if replicas < 0 {
		return nil, fmt.Errorf("negative replica count %d", replicas)
	}

	if err := os.MkdirAll("testdata", 0o755); err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp("testdata", name+"-")
	if err != nil {
		return nil, err
	}

	lc := &LocalCluster{name: name, dir: dir}
	total := shards * (1 + replicas)
	for i := range total {
		if err := lc.startNode(ctx, i); err != nil {
			lc.Dump()
			_ = lc.Stop(ctx)
			return nil, err
		}
	}

	if err := lc.waitPing(ctx, 10*time.Second); err != nil {
		lc.Dump()
		_ = lc.Stop(ctx)
		return nil, err
	}

	args := append([]string{"--cluster", "create"}, lc.addrs...)
	args = append(args, "--cluster-replicas", strconv.Itoa(replicas), "--cluster-yes")
	out, err := exec.CommandContext(ctx, "redis-cli", args...).CombinedOutput()
	lc.initOut = string(out)
	if err != nil {
		lc.Dump()
		_ = lc.Stop(ctx)
		return nil, fmt.Errorf("redis-cli --cluster create: %w", err)
	}

	for _, addr := range lc.addrs {
		if err := testutil.WaitForClusterOK(addr, 10*time.Second); err != nil {
			lc.Dump()
			_ = lc.Stop(ctx)
			return nil, fmt.Errorf("%s never reported cluster_state:ok: %w", addr, err)
		}
	}

	runningMu.Lock()
	running[lc] = struct{}{}
	runningMu.Unlock()
	watchSignals()
	return lc, nil
}

func (lc *LocalCluster) startNode(ctx context.Context, i int) error {
	port, err := reservePort()
	if err != nil {
		return err
	}
	dir := filepath.Join(lc.dir, fmt.Sprintf("node-%d", i))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		releasePort(port)
		return err
	}
	conf := filepath.Join(dir, "redis.conf")
	body := fmt.Sprintf("port %d\ncluster-enabled yes\ncluster-config-file nodes.conf\n"+
		"cluster-node-timeout 1000\ncluster-replica-validity-factor 0\nappendonly no\ndir %s\n", port, dir)
	if err := os.WriteFile(conf, []byte(body), 0o644); err != nil {
		releasePort(port)
		return err
	}

	out := &lockedBuffer{}
	cmd := exec.CommandContext(ctx, "redis-server", conf)
	cmd.Stdout, cmd.Stderr = out, out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		releasePort(port)
		return fmt.Errorf("start redis-server on %d: %w", port, err)
	}

	lc.ports = append(lc.ports, port)
	lc.addrs = append(lc.addrs, fmt.Sprintf("127.0.0.1:%d", port))
	lc.procs = append(lc.procs, cmd)
	lc.outputs = append(lc.outputs, out)
	return nil
}

func (lc *LocalCluster) waitPing(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for _, addr := range lc.addrs {
		client := redis.NewClient(&redis.Options{Addr: addr})
		for client.Ping(ctx).Err() != nil {
			select {
			case <-ctx.Done():
				client.Close()
				return fmt.Errorf("%s not answering: %w", addr, ctx.Err())
			case <-time.After(50 * time.Millisecond):
			}
		}
		client.Close()
	}
	return nil
}

// Addrs returns every node address, masters and replicas.
func (lc *LocalCluster) Addrs() []string {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return append([]string(nil), lc.addrs...)
}

// Dump writes the captured server output to stderr.
func (lc *LocalCluster) Dump() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	fmt.Fprintf(os.Stderr, "\n=== %s ===\n", lc.name)
	if lc.initOut != "" {
		fmt.Fprintf(os.Stderr, "--- cluster create ---\n%s\n", lc.initOut)
	}
	for i, out := range lc.outputs {
		fmt.Fprintf(os.Stderr, "--- %s ---\n%s\n", lc.addrs[i], out.String())
	}
}

// StopNode terminates the server listening on addr.
func (lc *LocalCluster) StopNode(addr string) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	for i, a := range lc.addrs {
		if a == addr {
			terminate(lc.procs[i])
			return nil
		}
	}
	return fmt.Errorf("no node at %s", addr)
}

// Stop terminates every server and removes the data directory.
func (lc *LocalCluster) Stop(context.Context) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.stopped {
		return nil
	}
	lc.stopped = true

	runningMu.Lock()
	delete(running, lc)
	runningMu.Unlock()

	for _, cmd := range lc.procs {
		terminate(cmd)
	}
	for _, port := range lc.ports {
		releasePort(port)
	}
	return os.RemoveAll(lc.dir)
}

// terminate sends SIGTERM and falls back to killing the process group.
func terminate(cmd *exec.Cmd) {
	if cmd.Process == nil || cmd.ProcessState != nil {
		return
	}
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
	}
}

// MasterFor returns the address of the master serving slot, as seen from any live node.
func (lc *LocalCluster) MasterFor(ctx context.Context, slot int) (string, error) {
	var lastErr error
	for _, addr := range lc.Addrs() {
		owner, err := slotOwner(ctx, addr, slot)
		if err == nil {
			return owner, nil
		}
		lastErr = err
	}
	return "", lastErr
}

// Masters returns the addresses of the nodes that currently serve slots.
func (lc *LocalCluster) Masters(ctx context.Context) ([]string, error) {
	for _, addr := range lc.Addrs() {
		client := redis.NewClient(&redis.Options{Addr: addr})
		slots, err := client.ClusterSlots(ctx).Result()
		client.Close()
		if err != nil {
			continue
		}
		var masters []string
		for _, s := range slots {
			if len(s.Nodes) > 0 {
				masters = append(masters, s.Nodes[0].Addr)
			}
		}
		return masters, nil
	}
	return nil, errors.New("no node answered CLUSTER SLOTS")
}

func slotOwner(ctx context.Context, addr string, slot int) (string, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	slots, err := client.ClusterSlots(ctx).Result()
	if err != nil {
		return "", err
	}
	for _, s := range slots {
		if slot >= int(s.Start) && slot <= int(s.End) && len(s.Nodes) > 0 {
			return s.Nodes[0].Addr, nil
		}
	}
	return "", fmt.Errorf("slot %d unassigned on %s", slot, addr)
}

func nodeID(ctx context.Context, addr string) (string, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	return client.Do(ctx, "cluster", "myid").Text()
}

// MigrateSlot moves slot, and its keys, to target. The keys are moved while both nodes
// are in the migrating/importing state, so clients see ASK redirections meanwhile.
func (lc *LocalCluster) MigrateSlot(ctx context.Context, slot int, target string) error {
	source, err := lc.MasterFor(ctx, slot)
	if err != nil {
		return err
	}
	if source == target {
		return nil
	}
	sourceID, err := nodeID(ctx, source)
	if err != nil {
		return err
	}
	targetID, err := nodeID(ctx, target)
	if err != nil {
		return err
	}

	src := redis.NewClient(&redis.Options{Addr: source})
	defer src.Close()
	dst := redis.NewClient(&redis.Options{Addr: target})
	defer dst.Close()

	if err := dst.Do(ctx, "cluster", "setslot", slot, "importing", sourceID).Err(); err != nil {
		return fmt.Errorf("importing on %s: %w", target, err)
	}
	if err := src.Do(ctx, "cluster", "setslot", slot, "migrating", targetID).Err(); err != nil {
		return fmt.Errorf("migrating on %s: %w", source, err)
	}

	host, port, _ := strings.Cut(target, ":")
	for {
		keys, err := src.ClusterGetKeysInSlot(ctx, slot, 100).Result()
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			break
		}
		args := []any{"migrate", host, port, "", 0, 5000, "replace", "keys"}
		for _, k := range keys {
			args = append(args, k)
		}
		if err := src.Do(ctx, args...).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("migrate keys: %w", err)
		}
	}

	for _, addr := range lc.Addrs() {
		client := redis.NewClient(&redis.Options{Addr: addr})
		// Replicas refuse SETSLOT; they learn the change through the bus.
		_ = client.Do(ctx, "cluster", "setslot", slot, "node", targetID).Err()
		client.Close()
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if owner, err := slotOwner(ctx, source, slot); err == nil && owner == target {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("slot %d never converged on %s", slot, target)
}

// requireTools skips the test when the redis binaries are not installed.
func requireTools(t testing.TB) {
	t.Helper()
	if testing.Short() {
		t.Skip("integration tests skipped in -short mode")
	}
	for _, bin := range []string{"redis-server", "redis-cli"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not in PATH", bin)
		}
	}
}

// startCluster starts a dedicated cluster for t and stops it when t ends.
func startCluster(t testing.TB, shards, replicas int) *LocalCluster {
	t.Helper()
	requireTools(t)

	name := strings.NewReplacer("/", "-", " ", "-").Replace(t.Name())
	lc, err := StartLocalCluster(context.Background(), shards, replicas, name)
	if err != nil {
		t.Fatalf("StartLocalCluster() error = %v", err)
	}
	t.Cleanup(func() {
		if t.Failed() {
			lc.Dump()
		}
		if err := lc.Stop(context.Background()); err != nil {
			t.Logf("Stop() error = %v", err)
		}
	})
	return lc
}

// newClient connects a Cluster to lc and closes it when t ends.
func newClient(t testing.TB, lc *LocalCluster, opts ...rcluster.Option) *rcluster.Cluster {
	t.Helper()
	c, err := rcluster.New(lc.Addrs()[:1], opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
	return c
}
