package rcluster

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// metricsRecorder is the internal interface for recording metrics.
// Implementations must be thread-safe as they will be called from multiple goroutines.
type metricsRecorder interface {
	// Counter metrics
	recordRedirection(kind string)
	recordRedirectsExhausted()
	recordTopologyRefresh(success bool)
	recordSlotsMoved(count int)
	recordNodeAdded(nodeAddr string)
	recordNodeRemoved(nodeAddr string)
	recordDelayBatch(category string, entries int)
	recordOfflineEnqueued()
	recordOfflineFlushed(count int)
	recordSubscriberElection(success bool)
	recordMessageReceived(kind string)
	recordCallbackPanic(eventType string)
	recordEventDropped(eventType string)

	// Histogram metrics
	recordTopologyRefreshLatency(duration time.Duration)

	// Gauge registration (for observable metrics)
	registerEventQueueGauge(pool *workerPool)
}

// newMetricsRecorder creates a metrics recorder based on the provided MeterProvider.
// If provider is nil, returns a no-op recorder.
func newMetricsRecorder(provider metric.MeterProvider, clusterID string, logger *slog.Logger) metricsRecorder {
	if provider == nil {
		return &noopMetrics{}
	}
	return newOtelMetrics(provider, clusterID, logger)
}

// noopMetrics is a zero-overhead no-op implementation of metricsRecorder.
type noopMetrics struct{}

func (n *noopMetrics) recordRedirection(string)                   {}
func (n *noopMetrics) recordRedirectsExhausted()                  {}
func (n *noopMetrics) recordTopologyRefresh(bool)                 {}
func (n *noopMetrics) recordSlotsMoved(int)                       {}
func (n *noopMetrics) recordNodeAdded(string)                     {}
func (n *noopMetrics) recordNodeRemoved(string)                   {}
func (n *noopMetrics) recordDelayBatch(string, int)               {}
func (n *noopMetrics) recordOfflineEnqueued()                     {}
func (n *noopMetrics) recordOfflineFlushed(int)                   {}
func (n *noopMetrics) recordSubscriberElection(bool)              {}
func (n *noopMetrics) recordMessageReceived(string)               {}
func (n *noopMetrics) recordCallbackPanic(string)                 {}
func (n *noopMetrics) recordEventDropped(string)                  {}
func (n *noopMetrics) recordTopologyRefreshLatency(time.Duration) {}
func (n *noopMetrics) registerEventQueueGauge(*workerPool)        {}
