package logger

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// metricPrefix namespaces metric names inside the shared CloudWatch namespace.
const metricPrefix = "WW-"

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	warnCount  sync.Map // component -> *int64
	errorCount sync.Map // component -> *int64
	feedReads  int64
	channels   sync.Map // map[string]*channelStat

	sourcesMu sync.RWMutex
	sources   = map[string]func() map[string]int64{}
)

func counterFor(m *sync.Map, component string) *int64 {
	v, _ := m.LoadOrStore(component, new(int64))
	return v.(*int64)
}

func recordWarn(component string) {
	atomic.AddInt64(counterFor(&warnCount, component), 1)
}

func recordError(component string) {
	atomic.AddInt64(counterFor(&errorCount, component), 1)
}

// IncrementFeedRead counts one raw message received from a feed.
func IncrementFeedRead(source string, size int) {
	atomic.AddInt64(&feedReads, 1)
	recordChannel("feed_"+source, size)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// RegisterReportSource adds a named set of counters to every runtime report.
// Registering the same name again replaces the previous source.
func RegisterReportSource(name string, fn func() map[string]int64) {
	sourcesMu.Lock()
	defer sourcesMu.Unlock()
	sources[name] = fn
}

func UnregisterReportSource(name string) {
	sourcesMu.Lock()
	defer sourcesMu.Unlock()
	delete(sources, name)
}

func collectSources() map[string]map[string]int64 {
	sourcesMu.RLock()
	defer sourcesMu.RUnlock()
	out := make(map[string]map[string]int64, len(sources))
	for name, fn := range sources {
		out[name] = fn()
	}
	return out
}

func snapshotCounters(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system, channel and pipeline
// statistics until ctx is cancelled.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	netStats, _ := gnet.IOCounters(false)

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		channelData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	memUsed := uint64(0)
	if memStats != nil {
		memUsed = memStats.Used
	}
	bytesSent, bytesRecv := uint64(0), uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	pipeline := collectSources()

	fields := Fields{
		"warns":          snapshotCounters(&warnCount),
		"errors":         snapshotCounters(&errorCount),
		"feed_reads":     atomic.LoadInt64(&feedReads),
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memUsed) / 1024 / 1024,
		"channels":       channelData,
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
	}
	for name, counters := range pipeline {
		fields[name] = counters
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String(metricPrefix + "CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String(metricPrefix + "MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memUsed) / 1024 / 1024)},
		{MetricName: aws.String(metricPrefix + "FeedReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&feedReads)))},
		{MetricName: aws.String(metricPrefix + "NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		{MetricName: aws.String(metricPrefix + "NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	}

	names := make([]string, 0, len(pipeline))
	for name := range pipeline {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for counter, v := range pipeline[name] {
			data = append(data, cwtypes.MetricDatum{
				MetricName: aws.String(metricPrefix + cloudWatchName(counter)),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Source"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(v)),
			})
		}
	}

	for name, stats := range channelData {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(metricPrefix + "ChannelMessages"),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
			Value:      aws.Float64(float64(stats["messages"])),
		})
	}

	publishMetrics(ctx, data)
}

// cloudWatchName turns snake_case counter names into CamelCase.
func cloudWatchName(s string) string {
	out := make([]byte, 0, len(s))
	upper := true
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '_' {
			upper = true
			continue
		}
		if upper && c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		upper = false
		out = append(out, c)
	}
	return string(out)
}
