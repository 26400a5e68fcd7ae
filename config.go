package rcluster

import (
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
)

// RetryStrategy returns the delay before the next reconnect attempt after all nodes were
// lost. Returning false stops reconnecting and ends the cluster. attempt starts at 1.
type RetryStrategy func(attempt int) (time.Duration, bool)

// DefaultRetryStrategy waits 100ms plus 2ms per attempt, capped at 2s.
func DefaultRetryStrategy(attempt int) (time.Duration, bool) {
	return min(time.Duration(100+attempt*2)*time.Millisecond, 2*time.Second), true
}

// config holds the configuration for a Cluster instance.
type config struct {
	scaleReads      ScaleReads
	maxRedirections int

	retryDelayOnTryAgain    time.Duration
	retryDelayOnClusterDown time.Duration
	retryDelayOnFailover    time.Duration
	slotsRefreshTimeout     time.Duration

	enableOfflineQueue bool
	enableReadyCheck   bool
	lazyConnect        bool

	clusterRetryStrategy RetryStrategy

	// redisOptions is the template for every node client; Addr is overwritten.
	redisOptions *redis.Options
	newTransport TransportFactory

	logger         *slog.Logger
	meterProvider  metric.MeterProvider
	eventQueueSize int
	eventCallbacks []EventCallback
}

// defaultConfig returns the default configuration.
func defaultConfig() *config {
	return &config{
		scaleReads:              ScaleMaster,
		maxRedirections:         16,
		retryDelayOnTryAgain:    100 * time.Millisecond,
		retryDelayOnClusterDown: 100 * time.Millisecond,
		retryDelayOnFailover:    100 * time.Millisecond,
		slotsRefreshTimeout:     time.Second,
		enableOfflineQueue:      true,
		enableReadyCheck:        true,
		clusterRetryStrategy:    DefaultRetryStrategy,
		// Retries of cluster errors are driven by the delay queue.
		redisOptions:   &redis.Options{MaxRetries: -1},
		logger:         slog.Default(),
		eventQueueSize: 1024,
	}
}

// Option is a function type for configuring a Cluster instance.
type Option func(*config)

// WithLogger sets the structured logger to use.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithScaleReads sets the read-scaling strategy. Invalid strategies make New fail.
func WithScaleReads(s ScaleReads) Option {
	return func(c *config) {
		c.scaleReads = s
	}
}

// WithMaxRedirections sets how many errors a command may absorb before failing with an
// ExhaustedRedirectsError.
func WithMaxRedirections(n int) Option {
	return func(c *config) {
		if n < 1 {
			n = 1
		}
		c.maxRedirections = n
	}
}

// WithRetryDelayOnTryAgain sets the delay before retrying a command that got TRYAGAIN.
func WithRetryDelayOnTryAgain(d time.Duration) Option {
	return func(c *config) {
		c.retryDelayOnTryAgain = max(d, 0)
	}
}

// WithRetryDelayOnClusterDown sets the delay before retrying a command that got
// CLUSTERDOWN. Zero makes CLUSTERDOWN fatal.
func WithRetryDelayOnClusterDown(d time.Duration) Option {
	return func(c *config) {
		c.retryDelayOnClusterDown = max(d, 0)
	}
}

// WithRetryDelayOnFailover sets the delay before retrying a command whose node connection
// was lost. Zero makes connection errors fatal.
func WithRetryDelayOnFailover(d time.Duration) Option {
	return func(c *config) {
		c.retryDelayOnFailover = max(d, 0)
	}
}

// WithSlotsRefreshTimeout bounds each CLUSTER SLOTS query.
func WithSlotsRefreshTimeout(d time.Duration) Option {
	return func(c *config) {
		if d < 10*time.Millisecond {
			d = 10 * time.Millisecond
		}
		c.slotsRefreshTimeout = d
	}
}

// WithOfflineQueue controls whether commands issued while no node is usable wait for the
// cluster to become ready (true) or fail with ErrNotReady (false).
func WithOfflineQueue(enabled bool) Option {
	return func(c *config) {
		c.enableOfflineQueue = enabled
	}
}

// WithReadyCheck controls whether Connect checks cluster_state before becoming ready.
func WithReadyCheck(enabled bool) Option {
	return func(c *config) {
		c.enableReadyCheck = enabled
	}
}

// WithLazyConnect defers connecting until Connect is called or the first command is issued.
func WithLazyConnect(enabled bool) Option {
	return func(c *config) {
		c.lazyConnect = enabled
	}
}

// WithClusterRetryStrategy sets the reconnect strategy used after all nodes were lost.
// A nil strategy ends the cluster instead.
func WithClusterRetryStrategy(s RetryStrategy) Option {
	return func(c *config) {
		c.clusterRetryStrategy = s
	}
}

// WithRedisOptions sets the options template used for every node client. Addr is ignored.
func WithRedisOptions(opt *redis.Options) Option {
	return func(c *config) {
		if opt != nil {
			c.redisOptions = opt
		}
	}
}

// WithTransportFactory replaces the go-redis node transport.
func WithTransportFactory(f TransportFactory) Option {
	return func(c *config) {
		c.newTransport = f
	}
}

// WithMeterProvider enables OpenTelemetry metrics collection.
// If not provided, metrics collection is disabled with zero overhead.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(c *config) {
		c.meterProvider = provider
	}
}

// WithEventCallback registers cb before the cluster starts, so it sees the first events.
func WithEventCallback(cb EventCallback) Option {
	return func(c *config) {
		if cb != nil {
			c.eventCallbacks = append(c.eventCallbacks, cb)
		}
	}
}

// WithEventQueueSize sets how many events may wait for delivery before new ones are dropped.
func WithEventQueueSize(n int) Option {
	return func(c *config) {
		if n < 1 {
			n = 1
		}
		c.eventQueueSize = n
	}
}
