package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestConfigureReportLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("report", "text", "stderr", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestConfigureFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	path := filepath.Join(t.TempDir(), "logs", "walletwatch.log")
	log := Logger()
	if err := log.Configure("debug", "json", path, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestJSONOutputFields(t *testing.T) {
	var buf bytes.Buffer
	log := Logger()
	log.SetOutput(&buf)

	log.WithComponent("engine").WithFields(Fields{"tier": "LARGE"}).Info("alert emitted")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not json: %v (%s)", err, buf.String())
	}
	if line["message"] != "alert emitted" || line["component"] != "engine" || line["tier"] != "LARGE" {
		t.Fatalf("unexpected log line: %v", line)
	}
}

func TestWarnCountsPerComponent(t *testing.T) {
	var buf bytes.Buffer
	log := Logger()
	log.SetOutput(&buf)

	before := atomic.LoadInt64(counterFor(&warnCount, "reader-test"))
	log.WithComponent("reader-test").Warn("reconnecting")
	if got := atomic.LoadInt64(counterFor(&warnCount, "reader-test")); got != before+1 {
		t.Fatalf("expected warn counter %d got %d", before+1, got)
	}
}

func TestReportSources(t *testing.T) {
	RegisterReportSource("pipeline-test", func() map[string]int64 {
		return map[string]int64{"groups_sealed": 3}
	})
	defer UnregisterReportSource("pipeline-test")

	got := collectSources()
	if got["pipeline-test"]["groups_sealed"] != 3 {
		t.Fatalf("source not collected: %v", got)
	}
}

func TestCloudWatchName(t *testing.T) {
	if got := cloudWatchName("alerts_suppressed"); got != "AlertsSuppressed" {
		t.Fatalf("unexpected name %q", got)
	}
}

func TestWithWalletLowercases(t *testing.T) {
	var buf bytes.Buffer
	log := Logger()
	log.SetOutput(&buf)

	log.WithComponent("dispatcher").WithWallet("0xABCDEF").WithAlert("a1", "WHALE").Warn("delivery failed")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not json: %v", err)
	}
	if line["wallet"] != "0xabcdef" || line["alert_id"] != "a1" || line["tier"] != "WHALE" {
		t.Fatalf("unexpected log line: %v", line)
	}
}

type fakeCloudWatch struct {
	puts      [][]cwtypes.MetricDatum
	dashboard string
	err       error
}

func (f *fakeCloudWatch) PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, opts ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.puts = append(f.puts, in.MetricData)
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func (f *fakeCloudWatch) PutDashboard(ctx context.Context, in *cloudwatch.PutDashboardInput, opts ...func(*cloudwatch.Options)) (*cloudwatch.PutDashboardOutput, error) {
	f.dashboard = aws.ToString(in.DashboardBody)
	return &cloudwatch.PutDashboardOutput{}, nil
}

func TestCloudWatchSinkChunksPuts(t *testing.T) {
	fake := &fakeCloudWatch{}
	sink := newCloudWatchSink(fake, "", "")
	if sink.namespace != "WalletWatch" || sink.dashboard != "WalletWatch" {
		t.Fatalf("unexpected defaults %+v", sink)
	}

	data := make([]cwtypes.MetricDatum, maxDatumsPerPut+5)
	if err := sink.put(context.Background(), data); err != nil {
		t.Fatalf("put: %v", err)
	}
	if len(fake.puts) != 2 || len(fake.puts[1]) != 5 {
		t.Fatalf("unexpected chunks: %d", len(fake.puts))
	}

	fake.err = errors.New("throttled")
	if err := sink.put(context.Background(), data[:1]); !errors.Is(err, fake.err) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestCloudWatchDashboardNamesPipelineCounters(t *testing.T) {
	fake := &fakeCloudWatch{}
	sink := newCloudWatchSink(fake, "Alerts", "wallet watch")
	if err := sink.putDashboard(context.Background()); err != nil {
		t.Fatalf("putDashboard: %v", err)
	}
	for _, want := range []string{`"Alerts"`, metricPrefix + "AlertsEmitted", metricPrefix + "DispatchFailures"} {
		if !strings.Contains(fake.dashboard, want) {
			t.Fatalf("dashboard body missing %q: %s", want, fake.dashboard)
		}
	}
}
