package rcluster

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// otelMetrics is the OpenTelemetry implementation of metricsRecorder.
type otelMetrics struct {
	logger *slog.Logger
	meter  metric.Meter

	// clusterAttr tags every measurement with the owning Cluster instance.
	clusterAttr attribute.KeyValue

	// Counters
	redirections        metric.Int64Counter
	redirectsExhausted  metric.Int64Counter
	topologyRefreshes   metric.Int64Counter
	slotsMoved          metric.Int64Counter
	nodesAdded          metric.Int64Counter
	nodesRemoved        metric.Int64Counter
	delayBatches        metric.Int64Counter
	delayEntries        metric.Int64Counter
	offlineEnqueued     metric.Int64Counter
	offlineFlushed      metric.Int64Counter
	subscriberElections metric.Int64Counter
	messagesReceived    metric.Int64Counter
	callbacksPanics     metric.Int64Counter
	eventsDropped       metric.Int64Counter

	// Histograms
	topologyRefreshLatency metric.Float64Histogram
}

// newOtelMetrics creates a new OpenTelemetry metrics recorder.
func newOtelMetrics(provider metric.MeterProvider, clusterID string, logger *slog.Logger) *otelMetrics {
	meter := provider.Meter(
		"github.com/lalloni/rcluster",
		metric.WithInstrumentationVersion("1.0.0"),
	)

	m := &otelMetrics{
		logger:      logger,
		meter:       meter,
		clusterAttr: attribute.String("cluster_id", clusterID),
	}

	counter := func(name, desc, unit string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		if err != nil {
			logger.Warn("rcluster: failed to create counter", "name", name, "error", err)
			return nil
		}
		return c
	}

	m.redirections = counter("rcluster.redirections", "Cluster error replies absorbed by retrying", "{redirection}")
	m.redirectsExhausted = counter("rcluster.redirections.exhausted", "Commands that used up their redirection budget", "{command}")
	m.topologyRefreshes = counter("rcluster.topology.refreshes", "Total topology refresh attempts", "{refresh}")
	m.slotsMoved = counter("rcluster.topology.slots_moved", "Slots whose master changed on refresh", "{slot}")
	m.nodesAdded = counter("rcluster.nodes.added", "Node handles created", "{node}")
	m.nodesRemoved = counter("rcluster.nodes.removed", "Node handles torn down", "{node}")
	m.delayBatches = counter("rcluster.delayqueue.batches", "Delayed retry batches fired", "{batch}")
	m.delayEntries = counter("rcluster.delayqueue.entries", "Delayed retries released", "{entry}")
	m.offlineEnqueued = counter("rcluster.offlinequeue.enqueued", "Commands queued while no node was usable", "{command}")
	m.offlineFlushed = counter("rcluster.offlinequeue.flushed", "Queued commands rejected when the cluster ended", "{command}")
	m.subscriberElections = counter("rcluster.subscriber.elections", "Subscriber node elections", "{election}")
	m.messagesReceived = counter("rcluster.messages.received", "Pub/sub messages received", "{message}")
	m.callbacksPanics = counter("rcluster.callbacks.panics", "Total panics recovered in event callbacks", "{panic}")
	m.eventsDropped = counter("rcluster.events.dropped", "Events dropped because the event queue was full", "{event}")

	var err error
	m.topologyRefreshLatency, err = meter.Float64Histogram(
		"rcluster.topology.refresh_latency",
		metric.WithDescription("Time to refresh cluster topology"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 50, 100, 250, 500, 1000, 2000),
	)
	if err != nil {
		logger.Warn("rcluster: failed to create topologyRefreshLatency histogram", "error", err)
	}

	return m
}

func (m *otelMetrics) add(c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(context.Background(), n, metric.WithAttributes(append(attrs, m.clusterAttr)...))
}

// Counter recording methods

func (m *otelMetrics) recordRedirection(kind string) {
	m.add(m.redirections, 1, attribute.String("kind", kind))
}

func (m *otelMetrics) recordRedirectsExhausted() {
	m.add(m.redirectsExhausted, 1)
}

func (m *otelMetrics) recordTopologyRefresh(success bool) {
	m.add(m.topologyRefreshes, 1, attribute.Bool("success", success))
}

func (m *otelMetrics) recordSlotsMoved(count int) {
	if count > 0 {
		m.add(m.slotsMoved, int64(count))
	}
}

func (m *otelMetrics) recordNodeAdded(nodeAddr string) {
	m.add(m.nodesAdded, 1, attribute.String("node_address", nodeAddr))
}

func (m *otelMetrics) recordNodeRemoved(nodeAddr string) {
	m.add(m.nodesRemoved, 1, attribute.String("node_address", nodeAddr))
}

func (m *otelMetrics) recordDelayBatch(category string, entries int) {
	attr := attribute.String("category", category)
	m.add(m.delayBatches, 1, attr)
	m.add(m.delayEntries, int64(entries), attr)
}

func (m *otelMetrics) recordOfflineEnqueued() {
	m.add(m.offlineEnqueued, 1)
}

func (m *otelMetrics) recordOfflineFlushed(count int) {
	if count > 0 {
		m.add(m.offlineFlushed, int64(count))
	}
}

func (m *otelMetrics) recordSubscriberElection(success bool) {
	m.add(m.subscriberElections, 1, attribute.Bool("success", success))
}

func (m *otelMetrics) recordMessageReceived(kind string) {
	m.add(m.messagesReceived, 1, attribute.String("kind", kind))
}

func (m *otelMetrics) recordCallbackPanic(eventType string) {
	m.add(m.callbacksPanics, 1, attribute.String("event_type", eventType))
}

func (m *otelMetrics) recordEventDropped(eventType string) {
	m.add(m.eventsDropped, 1, attribute.String("event_type", eventType))
}

// Histogram recording methods

func (m *otelMetrics) recordTopologyRefreshLatency(duration time.Duration) {
	if m.topologyRefreshLatency != nil {
		ms := float64(duration.Milliseconds())
		m.topologyRefreshLatency.Record(context.Background(), ms, metric.WithAttributes(m.clusterAttr))
	}
}

// Gauge registration

func (m *otelMetrics) registerEventQueueGauge(pool *workerPool) {
	_, err := m.meter.Int64ObservableGauge(
		"rcluster.events.queue_depth",
		metric.WithDescription("Events waiting for delivery"),
		metric.WithUnit("{event}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(pool.queueLength()), metric.WithAttributes(m.clusterAttr))
			return nil
		}),
	)
	if err != nil {
		m.logger.Warn("rcluster: failed to create event queue gauge", "error", err)
	}
}
