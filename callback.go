package rcluster

import (
	"context"
	"log/slog"
)

// invokeCallback runs callback with panic recovery so a faulty callback cannot take down
// the event goroutine or starve the callbacks after it.
func invokeCallback(ctx context.Context, logger *slog.Logger, recorder metricsRecorder, callback EventCallback, ev *Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("rcluster: panic in event callback", "event", ev.Type, "panic", r)
			recorder.recordCallbackPanic(string(ev.Type))
		}
	}()
	callback(ctx, ev)
}
