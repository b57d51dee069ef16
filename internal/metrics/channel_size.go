package metrics

import (
	"context"
	"time"

	"walletwatch/internal/channel"
	"walletwatch/logger"
)

// StartChannelSizeMetrics emits occupancy gauges for the event and alert
// buffers every interval until ctx is cancelled. When interval <= 0 a
// one-second cadence is used.
func StartChannelSizeMetrics(ctx context.Context, channels *channel.Channels, interval time.Duration) {
	if channels == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)
	component := "channel_buffers"

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				EmitMetric(log, component, "event_buffer_length", float64(len(channels.Events)), KindGauge, logger.Fields{
					"buffer":   "events",
					"capacity": cap(channels.Events),
				})
				EmitMetric(log, component, "alert_buffer_length", float64(len(channels.Alerts)), KindGauge, logger.Fields{
					"buffer":   "alerts",
					"capacity": cap(channels.Alerts),
				})
			}
		}
	}()
}
