package rcluster

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// slotTable maps every slot to its nodes, master first. Entries are never empty and
// never modified in place once published; a MOVED patch replaces the entry.
type slotTable [SlotCount][]string

// buildSlotTable converts a CLUSTER SLOTS reply into a slot table and the node list it
// mentions.
func buildSlotTable(ranges []redis.ClusterSlot) (*slotTable, []nodeSpec) {
	table := new(slotTable)
	var specs []nodeSpec
	seen := make(map[string]bool)

	for _, r := range ranges {
		if len(r.Nodes) == 0 {
			continue
		}
		addrs := make([]string, 0, len(r.Nodes))
		for i, node := range r.Nodes {
			if node.Addr == "" || slices.Contains(addrs, node.Addr) {
				continue
			}
			addrs = append(addrs, node.Addr)
			if !seen[node.Addr] {
				seen[node.Addr] = true
				specs = append(specs, nodeSpec{addr: node.Addr, readOnly: i > 0})
			}
		}
		if len(addrs) == 0 {
			continue
		}
		start, end := max(int(r.Start), 0), min(int(r.End), SlotCount-1)
		for slot := start; slot <= end; slot++ {
			table[slot] = addrs
		}
	}
	return table, specs
}

// slotMove is a slot whose master changed between two tables.
type slotMove struct {
	slot    int
	oldNode string // "" if the slot was unassigned
	newNode string // "" if the slot became unassigned
}

// diff lists the slots whose master differs from previous.
func (t *slotTable) diff(previous *slotTable) []slotMove {
	var moves []slotMove
	for slot := range SlotCount {
		var oldNode, newNode string
		if e := previous[slot]; len(e) > 0 {
			oldNode = e[0]
		}
		if e := t[slot]; len(e) > 0 {
			newNode = e[0]
		}
		if oldNode != newNode {
			moves = append(moves, slotMove{slot: slot, oldNode: oldNode, newNode: newNode})
		}
	}
	return moves
}

// directory is the cached slot table shared by every command.
type directory struct {
	mu    sync.RWMutex
	slots *slotTable
}

func newDirectory() *directory {
	return &directory{slots: new(slotTable)}
}

// nodesFor returns the nodes serving slot, master first, or nil when unknown.
// The returned slice must not be modified.
func (d *directory) nodesFor(slot int) []string {
	if slot < 0 || slot >= SlotCount {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.slots[slot]
}

// replace swaps in a new table and returns the previous one.
func (d *directory) replace(t *slotTable) *slotTable {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.slots
	d.slots = t
	return prev
}

// setMaster makes addr the master of slot. The previous master is dropped; the replicas
// stay.
func (d *directory) setMaster(slot int, addr string) {
	if slot < 0 || slot >= SlotCount {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.slots[slot]
	entry := make([]string, 1, max(len(old), 1))
	entry[0] = addr
	if len(old) > 1 {
		for _, a := range old[1:] {
			if a != addr {
				entry = append(entry, a)
			}
		}
	}
	d.slots[slot] = entry
}

// refreshSlots reloads the slot table. Concurrent calls share one refresh; a caller whose
// ctx ends stops waiting but the refresh goes on.
func (c *Cluster) refreshSlots(ctx context.Context) error {
	ch := c.refreshGroup.DoChan("slots", func() (any, error) {
		return nil, c.loadSlots()
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// triggerRefresh refreshes the slot table in the background.
func (c *Cluster) triggerRefresh(reason string) {
	c.logger.Debug("rcluster: background slots refresh", "reason", reason)
	go func() {
		if err := c.refreshSlots(context.Background()); err != nil {
			c.logger.Warn("rcluster: background slots refresh failed", "reason", reason, "error", err)
		}
	}()
}

// loadSlots asks the known nodes for CLUSTER SLOTS, in random order, until one answers.
func (c *Cluster) loadSlots() error {
	start := time.Now()
	c.refreshes.Add(1)

	keys := c.registry.keys()
	rand.Shuffle(len(keys), func(i, j int) {
		keys[i], keys[j] = keys[j], keys[i]
	})

	var lastErr error
	for _, key := range keys {
		if err := c.refreshAbandoned(); err != nil {
			return err
		}
		node := c.registry.get(key)
		if node == nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.config.slotsRefreshTimeout)
		ranges, err := node.transport.ClusterSlots(ctx)
		cancel()

		if err := c.refreshAbandoned(); err != nil {
			return err
		}
		if err != nil {
			c.logger.Warn("rcluster: failed to load slots from node", "node", key, "error", err)
			lastErr = err
			_ = c.registry.remove(node, err)
			continue
		}

		table, specs := buildSlotTable(ranges)
		prev := c.directory.replace(table)
		moves := table.diff(prev)
		c.registry.reset(specs)

		if len(moves) > 0 {
			c.logger.Debug("rcluster: slot owners changed", "count", len(moves), "source", key)
		}
		c.recorder.recordSlotsMoved(len(moves))
		c.recorder.recordTopologyRefresh(true)
		c.recorder.recordTopologyRefreshLatency(time.Since(start))
		c.events.emit(&Event{Type: EventRefresh, Node: node})
		return nil
	}

	c.recorder.recordTopologyRefresh(false)
	c.recorder.recordTopologyRefreshLatency(time.Since(start))
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no known nodes", ErrNoStartupNodes)
	}
	return &RefreshError{Tried: len(keys), Last: lastErr}
}

// refreshAbandoned returns the error ending a refresh when the cluster is going down, so
// that a late reply does not bring back the nodes being closed.
func (c *Cluster) refreshAbandoned() error {
	switch c.Status() {
	case StatusEnd:
		return ErrClusterEnded
	case StatusDisconnecting, StatusClose:
		return ErrConnectionClosed
	}
	return nil
}
