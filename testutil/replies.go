package testutil

import (
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisError is an error reply as a node would send it.
type RedisError string

func (e RedisError) Error() string { return string(e) }

// RedisError marks the type as a Redis error reply, like the go-redis ones.
func (RedisError) RedisError() {}

var _ redis.Error = RedisError("")

// Moved returns a MOVED reply for slot.
func Moved(slot int, addr string) error {
	return RedisError(fmt.Sprintf("MOVED %d %s", slot, addr))
}

// Ask returns an ASK reply for slot.
func Ask(slot int, addr string) error {
	return RedisError(fmt.Sprintf("ASK %d %s", slot, addr))
}

// TryAgain returns a TRYAGAIN reply.
func TryAgain() error {
	return RedisError("TRYAGAIN Multiple keys request during rehashing of slot")
}

// ClusterDown returns a CLUSTERDOWN reply.
func ClusterDown() error {
	return RedisError("CLUSTERDOWN The cluster is down")
}

// SlotRange describes slots start..end served by addrs, master first.
func SlotRange(start, end int, addrs ...string) redis.ClusterSlot {
	nodes := make([]redis.ClusterNode, len(addrs))
	for i, addr := range addrs {
		nodes[i] = redis.ClusterNode{ID: fmt.Sprintf("node-%s", addr), Addr: addr}
	}
	return redis.ClusterSlot{Start: start, End: end, Nodes: nodes}
}
