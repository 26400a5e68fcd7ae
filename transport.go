package rcluster

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/redis/go-redis/v9"
)

// Transport is the connection to a single cluster node.
type Transport interface {
	// Process sends cmd and stores the reply in it.
	Process(ctx context.Context, cmd redis.Cmder) error
	// ProcessAsking sends ASKING followed by cmd on the same connection.
	ProcessAsking(ctx context.Context, cmd redis.Cmder) error
	ClusterSlots(ctx context.Context) ([]redis.ClusterSlot, error)
	ClusterInfo(ctx context.Context) (string, error)
	// PubSub returns an idle pub/sub connection; it connects on the first subscription.
	PubSub(ctx context.Context) PubSubConn
	Close() error
}

// PubSubConn is a pub/sub connection. *redis.PubSub implements it.
type PubSubConn interface {
	Subscribe(ctx context.Context, channels ...string) error
	PSubscribe(ctx context.Context, patterns ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	PUnsubscribe(ctx context.Context, patterns ...string) error
	Channel(opts ...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

// TransportFactory creates the transport for the node at addr. readOnly is set for
// replicas, whose connections must allow reads.
type TransportFactory func(addr string, readOnly bool) Transport

// redisTransport is the go-redis Transport.
type redisTransport struct {
	client *redis.Client
}

var _ Transport = (*redisTransport)(nil)

// redisTransportFactory builds node clients from a copy of template.
func redisTransportFactory(template *redis.Options) TransportFactory {
	return func(addr string, readOnly bool) Transport {
		opt := *template
		opt.Addr = addr
		if readOnly {
			onConnect := template.OnConnect
			opt.OnConnect = func(ctx context.Context, cn *redis.Conn) error {
				if err := cn.ReadOnly(ctx).Err(); err != nil {
					return err
				}
				if onConnect != nil {
					return onConnect(ctx, cn)
				}
				return nil
			}
		}
		return &redisTransport{client: redis.NewClient(&opt)}
	}
}

func (t *redisTransport) Process(ctx context.Context, cmd redis.Cmder) error {
	return t.client.Process(ctx, cmd)
}

func (t *redisTransport) ProcessAsking(ctx context.Context, cmd redis.Cmder) error {
	_, err := t.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		_ = pipe.Process(ctx, redis.NewStatusCmd(ctx, "asking"))
		_ = pipe.Process(ctx, cmd)
		return nil
	})
	if cmdErr := cmd.Err(); cmdErr != nil {
		return cmdErr
	}
	return err
}

func (t *redisTransport) ClusterSlots(ctx context.Context) ([]redis.ClusterSlot, error) {
	return t.client.ClusterSlots(ctx).Result()
}

func (t *redisTransport) ClusterInfo(ctx context.Context) (string, error) {
	return t.client.ClusterInfo(ctx).Result()
}

func (t *redisTransport) PubSub(ctx context.Context) PubSubConn {
	return t.client.Subscribe(ctx)
}

func (t *redisTransport) Close() error {
	return t.client.Close()
}

// isConnectionError reports whether err means the node connection is gone, as opposed to
// an error reply or a timeout.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrConnectionClosed),
		errors.Is(err, redis.ErrClosed),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && !opErr.Timeout()
}

// isTerminal reports errors that are returned to the caller without consuming the
// redirection budget.
func isTerminal(err error) bool {
	return errors.Is(err, redis.Nil) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
