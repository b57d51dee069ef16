package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"walletwatch/config"
	"walletwatch/internal/channel"
	"walletwatch/internal/classifier"
	"walletwatch/internal/dashboard"
	"walletwatch/internal/engine"
	"walletwatch/internal/metrics"
	"walletwatch/internal/notifier"
	"walletwatch/internal/pricing"
	"walletwatch/internal/ratelimit"
	"walletwatch/internal/rules"
	"walletwatch/internal/symbols"
	"walletwatch/logger"
	"walletwatch/processor"
	"walletwatch/reader"
	"walletwatch/writer"
)

const shutdownTimeout = 30 * time.Second

type feedReader interface {
	Start(ctx context.Context) error
	Stop()
	Stats() map[string]int64
}

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "", "Path to configuration file (defaults by APP_ENV)")
	flag.Parse()

	path := config.ResolvePath(*configPath)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.App.Name,
		"version":     cfg.App.Version,
		"environment": config.CurrentEnvironment(),
		"config":      path,
	}).Info("starting walletwatch")

	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("walletwatch stopped with error")
		os.Exit(1)
	}
	log.Info("walletwatch stopped")
}

func run(cfg *config.Config, log *logger.Log) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	mainLog := log.WithComponent("main")

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		interval := cfg.Metrics.ReportInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		logger.StartReport(ctx, log, interval)
	}

	var watchlist *config.Watchlist
	if cfg.App.WatchlistPath != "" {
		wl, err := config.LoadWatchlist(cfg.App.WatchlistPath)
		if err != nil {
			return err
		}
		watchlist = wl
		mainLog.WithField("wallets", wl.Len()).Info("watchlist loaded")
	}

	counters := metrics.NewCounters()
	registry, err := metrics.NewRegistry(counters)
	if err != nil {
		return fmt.Errorf("metrics registry: %w", err)
	}

	cls, err := classifier.New(cfg.Tiers)
	if err != nil {
		return err
	}
	limiter, err := ratelimit.New(cfg.RateLimit.CooldownWindow, cfg.RateLimit.Stripes)
	if err != nil {
		return err
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	var persister *ratelimit.Persister
	if store != nil {
		persister = ratelimit.NewPersister(limiter, store, cfg.RateLimit.PersistInterval)
		if _, err := persister.Restore(ctx); err != nil {
			mainLog.WithError(err).Warn("starting with empty rate limit state")
		}
		if err := persister.Start(ctx); err != nil {
			return err
		}
	}

	eng := engine.New(cls, limiter, counters)
	channels := channel.NewChannels(cfg.Channels.EventBuffer, cfg.Channels.AlertBuffer)

	var (
		prices     reader.PriceCorrector
		priceCache *pricing.Cache
	)
	if cfg.Pricing.Enabled {
		priceCache = pricing.NewCache(pricing.NewBinanceSource(cfg.Pricing, cfg.Notifications.Timeout), cfg.Pricing.RefreshInterval, cfg.Pricing.MaxDeviation)
		prices = priceCache
	}
	norm := reader.NewNormalizer(watchlist, prices)
	var spotIndex *symbols.SpotIndex
	if cfg.Feed.InfoURL != "" {
		spotIndex = symbols.NewSpotIndex(cfg.Feed.InfoURL, cfg.Notifications.Timeout)
		norm.UseCoinResolver(spotIndex)
	}

	var feed feedReader
	switch cfg.Feed.Source {
	case "kafka":
		kr, err := reader.NewKafkaReader(cfg.Feed.Kafka, norm, channels)
		if err != nil {
			return err
		}
		feed = kr
	default:
		feed = reader.NewWSReader(cfg.Feed.WebSocket, watchlist.Addresses(), norm, channels)
	}

	reportInterval := time.Duration(0)
	if cfg.Metrics.Enabled {
		reportInterval = cfg.Metrics.ReportInterval
	}
	pipeline, err := processor.NewPipeline(cfg.Pipeline, channels.Events, eng, channels, processor.Options{
		Counters:       counters,
		LimiterKeys:    limiter.Len,
		ReportInterval: reportInterval,
	})
	if err != nil {
		return err
	}

	senders, err := notifier.BuildSenders(cfg.Notifications)
	if err != nil {
		return err
	}
	var kafkaWriter *writer.KafkaWriter
	if cfg.Notifications.Kafka.Enabled {
		kafkaWriter, err = writer.NewKafkaWriter(cfg.Notifications.Kafka, cfg.Notifications.Timeout)
		if err != nil {
			return err
		}
		senders = append(senders, kafkaWriter)
	}
	if len(senders) == 0 {
		mainLog.Warn("no notification senders enabled; alerts are only counted")
	}
	ruleSet, err := rules.Compile(cfg.Rules)
	if err != nil {
		return err
	}
	dispatcherOpts := notifier.OptionsFromConfig(cfg.Notifications, counters)
	dispatcherOpts.Rules = ruleSet
	dispatcher := notifier.NewDispatcher(senders, dispatcherOpts)

	dash, err := dashboard.NewServer(cfg.Dashboard, registry, log)
	if err != nil {
		return err
	}
	dash.AddStatusSource("pipeline", func() interface{} { return pipeline.Stats() })
	dash.AddStatusSource("dispatcher", func() interface{} { return dispatcher.Stats() })
	dash.AddStatusSource("feed", func() interface{} { return feed.Stats() })
	dash.AddStatusSource("normalizer", func() interface{} { return norm.Stats() })
	dash.AddStatusSource("channels", func() interface{} { return channels.GetStats() })
	if priceCache != nil {
		dash.AddStatusSource("pricing", func() interface{} { return map[string]int{"assets": priceCache.Len()} })
	}
	if spotIndex != nil {
		dash.AddStatusSource("spot_coins", func() interface{} { return map[string]int{"coins": spotIndex.Len()} })
	}

	logger.RegisterReportSource("pipeline", counters.Snapshot)
	logger.RegisterReportSource("feed", feed.Stats)
	logger.RegisterReportSource("normalizer", norm.Stats)
	defer func() {
		logger.UnregisterReportSource("pipeline")
		logger.UnregisterReportSource("feed")
		logger.UnregisterReportSource("normalizer")
	}()
	if cfg.Metrics.Enabled {
		metrics.StartChannelSizeMetrics(ctx, channels, cfg.Metrics.ReportInterval)
	}

	// The pipeline and dispatcher outlive the signal so the shutdown
	// sequence below can flush open groups and deliver the last alerts.
	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	defer cancelDispatch()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(dispatchCtx, channels.Alerts)
	})
	if err := pipeline.Start(context.Background()); err != nil {
		channels.CloseAlerts()
		_ = g.Wait()
		return err
	}
	if priceCache != nil {
		g.Go(func() error { return priceCache.Run(gctx) })
	}
	if spotIndex != nil {
		g.Go(func() error { return spotIndex.Run(gctx, cfg.Feed.CoinRefresh) })
	}
	if dash != nil {
		g.Go(func() error { return dash.Run(gctx, cfg.App.Name) })
	}
	if err := feed.Start(gctx); err != nil {
		stop()
		pipeline.Stop()
		channels.CloseAlerts()
		_ = g.Wait()
		return fmt.Errorf("start feed reader: %w", err)
	}
	dash.SetReady(true)
	mainLog.Info("all components started successfully")

	var hardStop *time.Timer
	g.Go(func() error {
		<-gctx.Done()
		mainLog.Info("starting graceful shutdown")
		dash.SetReady(false)
		hardStop = time.AfterFunc(shutdownTimeout, func() {
			mainLog.Warn("graceful shutdown timeout exceeded, abandoning pending deliveries")
			cancelDispatch()
		})

		mainLog.Info("stopping feed reader")
		feed.Stop()
		channels.CloseEvents()

		mainLog.Info("stopping pipeline")
		pipeline.Stop()
		channels.CloseAlerts()
		return nil
	})

	err = g.Wait()
	if hardStop != nil {
		hardStop.Stop()
	}
	mainLog.WithFields(logger.Fields{"dispatcher": dispatcher.Stats()}).Info("dispatcher stopped")

	if kafkaWriter != nil {
		if cerr := kafkaWriter.Close(); cerr != nil {
			mainLog.WithError(cerr).Warn("failed to close kafka writer")
		}
	}
	if persister != nil {
		persister.Stop()
	}
	if c, ok := store.(io.Closer); ok {
		if cerr := c.Close(); cerr != nil {
			mainLog.WithError(cerr).Warn("failed to close rate limit store")
		}
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	mainLog.WithFields(logger.Fields{"counters": counters.Snapshot()}).Info("graceful shutdown completed")
	return nil
}

// buildStore returns nil when rate limit state is not persisted.
func buildStore(ctx context.Context, cfg *config.Config) (ratelimit.Store, error) {
	switch cfg.RateLimit.Store {
	case "file":
		return ratelimit.NewFileStore(cfg.RateLimit.FilePath)
	case "s3":
		return writer.NewS3Store(ctx, cfg.Storage.S3)
	case "redis":
		rs := writer.NewRedisStore(cfg.Storage.Redis)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rs.Ping(pingCtx); err != nil {
			rs.Close()
			return nil, err
		}
		return rs, nil
	default:
		return nil, nil
	}
}
