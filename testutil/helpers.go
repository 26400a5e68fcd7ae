package testutil

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// WaitForClusterOK polls CLUSTER INFO on addr until cluster_state is ok.
func WaitForClusterOK(addr string, timeout time.Duration) error {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for {
		info, err := client.ClusterInfo(ctx).Result()
		if err == nil && strings.Contains(info, "cluster_state:ok") {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// PublishToChannel publishes a message to a channel through the node at addr.
func PublishToChannel(addr, channel, message string) error {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	return client.Publish(context.Background(), channel, message).Err()
}
