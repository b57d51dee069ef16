package metrics

import "walletwatch/logger"

// DropMetric identifies the metric name emitted when a message is dropped.
type DropMetric string

const (
	// DropMetricDataQuality records events rejected before aggregation.
	DropMetricDataQuality DropMetric = "events_dropped"
	// DropMetricAlertHandoff records alerts lost because the alert channel was full.
	DropMetricAlertHandoff DropMetric = "alerts_dropped"
	// DropMetricDispatchQueue records alerts a sender could not queue.
	DropMetricDispatchQueue DropMetric = "dispatch_queue_dropped"
	// DropMetricFeedDecode records raw feed messages that could not be decoded.
	DropMetricFeedDecode DropMetric = "feed_messages_dropped"
)

// EmitDropMetric emits a metric for one dropped message. Optional metadata
// (wallet, asset, stage) is attached as fields when provided.
func EmitDropMetric(log *logger.Log, metric DropMetric, wallet, asset, stage string) {
	fields := logger.Fields{}
	if wallet != "" {
		fields["wallet"] = wallet
	}
	if asset != "" {
		fields["asset"] = asset
	}
	if stage != "" {
		fields["stage"] = stage
	}

	EmitMetric(log, "drops", string(metric), 1, KindCounter, fields)
}
