// Command replay runs a recorded JSONL event capture through aggregation and
// tier classification on event time. Alerts are printed, or delivered through
// the configured senders with -dispatch.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"walletwatch/config"
	"walletwatch/internal/classifier"
	"walletwatch/internal/engine"
	"walletwatch/internal/metrics"
	"walletwatch/internal/notifier"
	"walletwatch/internal/ratelimit"
	"walletwatch/internal/rules"
	"walletwatch/logger"
	"walletwatch/models"
	"walletwatch/processor"
	"walletwatch/reader"
	"walletwatch/writer"
)

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "", "Path to configuration file (defaults by APP_ENV)")
	eventsPath := flag.String("events", "-", "JSONL event capture, - for stdin")
	dispatch := flag.Bool("dispatch", false, "Deliver alerts through the configured senders instead of printing them")
	format := flag.String("format", "json", "Output format when not dispatching: json or text")
	flag.Parse()

	path := config.ResolvePath(*configPath)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Error("Failed to load configuration")
		os.Exit(1)
	}
	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, "stderr", 0); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	if err := run(cfg, *eventsPath, *dispatch, *format); err != nil {
		log.WithError(err).Error("replay failed")
		os.Exit(1)
	}
}

func run(cfg *config.Config, eventsPath string, dispatch bool, format string) error {
	emit, err := newPrinter(os.Stdout, format)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var in io.Reader = os.Stdin
	if eventsPath != "-" {
		f, err := os.Open(eventsPath)
		if err != nil {
			return fmt.Errorf("open events: %w", err)
		}
		defer f.Close()
		in = f
	}

	var watchlist *config.Watchlist
	if cfg.App.WatchlistPath != "" {
		wl, err := config.LoadWatchlist(cfg.App.WatchlistPath)
		if err != nil {
			return err
		}
		watchlist = wl
	}

	counters := metrics.NewCounters()
	cls, err := classifier.New(cfg.Tiers)
	if err != nil {
		return err
	}
	limiter, err := ratelimit.New(cfg.RateLimit.CooldownWindow, cfg.RateLimit.Stripes)
	if err != nil {
		return err
	}
	// Prices are not corrected: the capture already carries the values seen
	// at the time.
	replayer, err := processor.NewReplayer(cfg.Pipeline.AggregationWindow, engine.New(cls, limiter, counters), reader.NewNormalizer(watchlist, nil), counters)
	if err != nil {
		return err
	}

	var stats processor.ReplayStats
	if dispatch {
		stats, err = replayAndDispatch(ctx, cfg, replayer, in, counters)
	} else {
		stats, err = replayer.Run(ctx, in, emit)
	}
	if err != nil {
		return err
	}

	summary := map[string]interface{}{"replay": stats, "counters": counters.Snapshot()}
	enc := json.NewEncoder(os.Stderr)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

// newPrinter returns the alert writer for -format.
func newPrinter(w io.Writer, format string) (func(models.Alert), error) {
	switch format {
	case "text":
		return func(a models.Alert) {
			fmt.Fprintf(w, "%s\n\n", engine.Render(a, engine.PlatformPlain))
		}, nil
	case "json":
		enc := json.NewEncoder(w)
		return func(a models.Alert) {
			if err := enc.Encode(a); err != nil {
				logger.GetLogger().WithError(err).Warn("failed to write alert")
			}
		}, nil
	default:
		return nil, fmt.Errorf("unknown -format %q, want json or text", format)
	}
}

func replayAndDispatch(ctx context.Context, cfg *config.Config, replayer *processor.Replayer, in io.Reader, counters *metrics.Counters) (processor.ReplayStats, error) {
	senders, err := notifier.BuildSenders(cfg.Notifications)
	if err != nil {
		return processor.ReplayStats{}, err
	}
	if cfg.Notifications.Kafka.Enabled {
		kw, err := writer.NewKafkaWriter(cfg.Notifications.Kafka, cfg.Notifications.Timeout)
		if err != nil {
			return processor.ReplayStats{}, err
		}
		defer kw.Close()
		senders = append(senders, kw)
	}
	if len(senders) == 0 {
		return processor.ReplayStats{}, fmt.Errorf("-dispatch needs at least one enabled sender")
	}

	alerts := make(chan models.Alert, cfg.Channels.AlertBuffer)
	ruleSet, err := rules.Compile(cfg.Rules)
	if err != nil {
		return processor.ReplayStats{}, err
	}
	opts := notifier.OptionsFromConfig(cfg.Notifications, counters)
	opts.Rules = ruleSet
	dispatcher := notifier.NewDispatcher(senders, opts)
	done := make(chan error, 1)
	go func() { done <- dispatcher.Run(ctx, alerts) }()

	stats, err := replayer.Run(ctx, in, func(a models.Alert) {
		select {
		case alerts <- a:
		case <-ctx.Done():
		}
	})
	close(alerts)
	if derr := <-done; err == nil {
		err = derr
	}
	return stats, err
}
