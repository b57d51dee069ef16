package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// maxDatumsPerPut is the PutMetricData limit per request.
const maxDatumsPerPut = 1000

type metricAPI interface {
	PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, opts ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
	PutDashboard(ctx context.Context, in *cloudwatch.PutDashboardInput, opts ...func(*cloudwatch.Options)) (*cloudwatch.PutDashboardOutput, error)
}

type cloudWatchSink struct {
	api       metricAPI
	namespace string
	dashboard string
}

// cw is nil until InitCloudWatch succeeds; publishing is a no-op before.
var cw atomic.Pointer[cloudWatchSink]

// InitCloudWatch creates the CloudWatch client and the default dashboard.
// An empty region falls back to AWS_REGION. On failure metrics stay
// log-only and a warning is written.
func InitCloudWatch(ctx context.Context, region, namespace, dashboard string) {
	log := GetLogger().WithComponent("cloudwatch")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	sink := newCloudWatchSink(cloudwatch.NewFromConfig(cfg), namespace, dashboard)
	cw.Store(sink)
	log.WithFields(Fields{"region": region, "namespace": sink.namespace}).Info("initialized CloudWatch client")

	if err := sink.putDashboard(ctx); err != nil {
		log.WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}

func newCloudWatchSink(api metricAPI, namespace, dashboard string) *cloudWatchSink {
	if namespace == "" {
		namespace = "WalletWatch"
	}
	if dashboard == "" {
		dashboard = namespace
	}
	return &cloudWatchSink{api: api, namespace: namespace, dashboard: dashboard}
}

func publishMetrics(ctx context.Context, data []cwtypes.MetricDatum) {
	sink := cw.Load()
	if sink == nil || len(data) == 0 {
		return
	}
	if err := sink.put(ctx, data); err != nil {
		GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to publish CloudWatch metrics")
	}
}

func (s *cloudWatchSink) put(ctx context.Context, data []cwtypes.MetricDatum) error {
	for len(data) > 0 {
		n := min(len(data), maxDatumsPerPut)
		if _, err := s.api.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(s.namespace),
			MetricData: data[:n],
		}); err != nil {
			return fmt.Errorf("put %d metrics: %w", n, err)
		}
		data = data[n:]
	}
	return nil
}

type dashboardWidget struct {
	Type       string         `json:"type"`
	Width      int            `json:"width"`
	Height     int            `json:"height"`
	Properties map[string]any `json:"properties"`
}

// dashboardBody lays out one widget for the host and one for the alert
// pipeline, using the names logReport publishes.
func (s *cloudWatchSink) dashboardBody() (string, error) {
	widget := func(title, stat string, names ...string) dashboardWidget {
		series := make([][]string, 0, len(names))
		for _, n := range names {
			series = append(series, []string{s.namespace, metricPrefix + n})
		}
		return dashboardWidget{
			Type: "metric", Width: 12, Height: 6,
			Properties: map[string]any{"metrics": series, "period": 60, "stat": stat, "title": title},
		}
	}
	body := map[string][]dashboardWidget{"widgets": {
		widget("WalletWatch host", "Average", "CPUPercent", "MemoryMB"),
		widget("WalletWatch pipeline", "Maximum",
			cloudWatchName("groups_sealed"), cloudWatchName("alerts_emitted"),
			cloudWatchName("alerts_suppressed"), cloudWatchName("events_dropped")),
		widget("WalletWatch delivery", "Maximum",
			cloudWatchName("alerts_delivered"), cloudWatchName("dispatch_failures"), cloudWatchName("alerts_dropped")),
	}}
	b, err := json.Marshal(body)
	return string(b), err
}

func (s *cloudWatchSink) putDashboard(ctx context.Context) error {
	body, err := s.dashboardBody()
	if err != nil {
		return err
	}
	_, err = s.api.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(strings.ReplaceAll(s.dashboard, " ", "-")),
		DashboardBody: aws.String(body),
	})
	return err
}
