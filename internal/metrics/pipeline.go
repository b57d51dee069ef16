package metrics

import "walletwatch/logger"

// PipelineStats is a point-in-time view of the processing pipeline.
type PipelineStats struct {
	Counters      map[string]int64
	OpenGroups    int
	LimiterKeys   int
	ShardQueueLen []int
	EventQueueLen int
	EventQueueCap int
	AlertQueueLen int
	AlertQueueCap int
}

// ReportPipeline emits gauges and counters for the pipeline and logs a
// summary line.
func ReportPipeline(log *logger.Log, stats PipelineStats) {
	if log == nil {
		log = logger.GetLogger()
	}
	l := log.WithComponent("pipeline")

	for _, name := range CounterNames {
		EmitMetric(log, "pipeline", name, float64(stats.Counters[name]), KindCounter, nil)
	}
	EmitMetric(log, "pipeline", "open_groups", float64(stats.OpenGroups), KindGauge, nil)
	EmitMetric(log, "pipeline", "limiter_keys", float64(stats.LimiterKeys), KindGauge, nil)

	queued := 0
	for _, n := range stats.ShardQueueLen {
		queued += n
	}

	suppressionRate := float64(0)
	if total := stats.Counters[AlertsEmitted] + stats.Counters[AlertsSuppressed]; total > 0 {
		suppressionRate = float64(stats.Counters[AlertsSuppressed]) / float64(total)
	}

	l.WithFields(logger.Fields{
		"open_groups":      stats.OpenGroups,
		"limiter_keys":     stats.LimiterKeys,
		"shard_queued":     queued,
		"event_queue_len":  stats.EventQueueLen,
		"event_queue_cap":  stats.EventQueueCap,
		"alert_queue_len":  stats.AlertQueueLen,
		"alert_queue_cap":  stats.AlertQueueCap,
		"alerts_emitted":   stats.Counters[AlertsEmitted],
		"suppression_rate": suppressionRate,
	}).Info("pipeline stats")
}
