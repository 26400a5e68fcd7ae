package testutil

import (
	"context"
	"slices"
	"sync"

	"github.com/redis/go-redis/v9"
)

// MockPubSub is an in-memory pub/sub connection. Messages given to Deliver come out of
// Channel; subscriptions are recorded in order.
type MockPubSub struct {
	// SubscribeErr, when set, is returned by Subscribe and PSubscribe.
	SubscribeErr error

	mu       sync.Mutex
	channels []string
	patterns []string
	messages chan *redis.Message
	closed   bool
}

// NewMockPubSub returns an idle connection.
func NewMockPubSub() *MockPubSub {
	return &MockPubSub{messages: make(chan *redis.Message, 100)}
}

func (m *MockPubSub) Subscribe(_ context.Context, channels ...string) error {
	return m.add(&m.channels, channels)
}

func (m *MockPubSub) PSubscribe(_ context.Context, patterns ...string) error {
	return m.add(&m.patterns, patterns)
}

func (m *MockPubSub) Unsubscribe(_ context.Context, channels ...string) error {
	m.remove(&m.channels, channels)
	return nil
}

func (m *MockPubSub) PUnsubscribe(_ context.Context, patterns ...string) error {
	m.remove(&m.patterns, patterns)
	return nil
}

func (m *MockPubSub) add(set *[]string, names []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return redis.ErrClosed
	}
	if m.SubscribeErr != nil {
		return m.SubscribeErr
	}
	for _, n := range names {
		if !slices.Contains(*set, n) {
			*set = append(*set, n)
		}
	}
	return nil
}

func (m *MockPubSub) remove(set *[]string, names []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*set = slices.DeleteFunc(*set, func(s string) bool { return slices.Contains(names, s) })
}

// Channel returns the message channel. It is closed by Close.
func (m *MockPubSub) Channel(...redis.ChannelOption) <-chan *redis.Message {
	return m.messages
}

// Deliver pushes a message as if the node had sent it. It reports false once closed.
func (m *MockPubSub) Deliver(msg *redis.Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.messages <- msg
	return true
}

// Channels returns the subscribed channels.
func (m *MockPubSub) Channels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.channels)
}

// Patterns returns the subscribed patterns.
func (m *MockPubSub) Patterns() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.patterns)
}

// Closed reports whether Close was called.
func (m *MockPubSub) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockPubSub) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.messages)
	}
	return nil
}
