package processor

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	appconfig "walletwatch/config"
	"walletwatch/internal/aggregator"
	"walletwatch/internal/engine"
	"walletwatch/internal/metrics"
	"walletwatch/logger"
	"walletwatch/models"
)

// AlertSink receives alerts from the pipeline. SendAlert never blocks;
// SendAlertWait blocks until the alert is queued or ctx is done. Both return
// false when the alert could not be queued.
type AlertSink interface {
	SendAlert(models.Alert) bool
	SendAlertWait(context.Context, models.Alert) bool
}

const defaultFlushTimeout = 20 * time.Second

// Options carries the optional collaborators of a Pipeline.
type Options struct {
	Counters       *metrics.Counters
	LimiterKeys    func() int
	ReportInterval time.Duration
	// Now overrides the processing clock. Defaults to time.Now.
	Now func() time.Time
	// OnOutcome observes the terminal state of every sealed group.
	OnOutcome func(models.SealedGroup, models.Outcome)
}

type shard struct {
	id    int
	queue chan models.Event
	agg   *aggregator.Aggregator
	open  atomic.Int64
}

// Pipeline routes events to single-writer shards by aggregation key. Each
// shard aggregates, sweeps on its own ticker and hands sealed groups to the
// engine, so ingest and sweep for one key never run concurrently.
type Pipeline struct {
	cfg    appconfig.PipelineConfig
	input  <-chan models.Event
	sink   AlertSink
	engine *engine.Engine
	opts   Options

	shards  []*shard
	routed  sync.WaitGroup
	wg      sync.WaitGroup
	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	log     *logger.Log
}

func NewPipeline(cfg appconfig.PipelineConfig, input <-chan models.Event, eng *engine.Engine, sink AlertSink, opts Options) (*Pipeline, error) {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.ShardBuffer < 1 {
		cfg.ShardBuffer = 1
	}
	if cfg.SweepInterval <= 0 {
		return nil, &models.ConfigurationError{Field: "pipeline.sweep_interval", Reason: "must be greater than 0"}
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaultFlushTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	p := &Pipeline{
		cfg:    cfg,
		input:  input,
		sink:   sink,
		engine: eng,
		opts:   opts,
		log:    logger.GetLogger(),
	}
	for i := 0; i < cfg.Workers; i++ {
		agg, err := aggregator.New(cfg.AggregationWindow)
		if err != nil {
			return nil, err
		}
		agg.OnOpen(func(models.AggregationKey) { opts.Counters.Inc(metrics.GroupsOpened) })
		agg.OnSeal(func(models.SealedGroup) { opts.Counters.Inc(metrics.GroupsSealed) })
		p.shards = append(p.shards, &shard{
			id:    i,
			queue: make(chan models.Event, cfg.ShardBuffer),
			agg:   agg,
		})
	}
	return p, nil
}

func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("pipeline already running")
	}
	p.running = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	log := p.log.WithComponent("pipeline").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{
		"workers":            len(p.shards),
		"aggregation_window": p.cfg.AggregationWindow.String(),
		"sweep_interval":     p.cfg.SweepInterval.String(),
	}).Info("starting pipeline")

	for _, s := range p.shards {
		p.wg.Add(1)
		go p.worker(s)
	}

	p.routed.Add(1)
	go p.router(ctx)

	if p.opts.ReportInterval > 0 {
		go p.metricsReporter(ctx)
	}

	log.Info("pipeline started successfully")
	return nil
}

// Stop drains events already queued, flushes every open group through the
// engine and waits for the workers. The caller closes the alert sink after
// Stop returns.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	p.log.WithComponent("pipeline").Info("stopping pipeline")
	cancel()
	p.routed.Wait()
	p.wg.Wait()
	p.log.WithComponent("pipeline").WithFields(logger.Fields{"counters": p.opts.Counters.Snapshot()}).Info("pipeline stopped")
}

func (p *Pipeline) shardFor(key models.AggregationKey) *shard {
	h := fnv.New32a()
	h.Write([]byte(key.String()))
	return p.shards[h.Sum32()%uint32(len(p.shards))]
}

func (p *Pipeline) router(ctx context.Context) {
	defer p.routed.Done()
	defer func() {
		for _, s := range p.shards {
			close(s.queue)
		}
	}()

	log := p.log.WithComponent("pipeline").WithField("worker", "router")
	for {
		select {
		case ev, ok := <-p.input:
			if !ok {
				log.Info("event channel closed, router stopping")
				return
			}
			p.route(ev)
		case <-ctx.Done():
			drained := p.drainInput()
			log.WithField("drained", drained).Info("router stopped due to context cancellation")
			return
		}
	}
}

func (p *Pipeline) drainInput() int {
	n := 0
	for {
		select {
		case ev, ok := <-p.input:
			if !ok {
				return n
			}
			p.route(ev)
			n++
		default:
			return n
		}
	}
}

// route blocks while the shard queue is full; ordering within a key depends
// on never skipping an event.
func (p *Pipeline) route(ev models.Event) {
	p.shardFor(ev.Key()).queue <- ev
}

func (p *Pipeline) worker(s *shard) {
	defer p.wg.Done()

	log := p.log.WithComponent("pipeline").WithFields(logger.Fields{"worker_id": s.id})
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-s.queue:
			if !ok {
				p.flush(log, s)
				return
			}
			p.ingest(log, s, ev)
		case <-ticker.C:
			start := time.Now()
			sealed := s.agg.Sweep(p.opts.Now())
			for _, g := range sealed {
				p.decide(log, g, p.sink.SendAlert)
			}
			s.open.Store(int64(s.agg.Open()))
			if len(sealed) > 0 {
				logger.LogPerformanceEntry(log, "pipeline", "sweep", time.Since(start), logger.Fields{
					"worker_id": s.id,
					"sealed":    len(sealed),
				})
			}
		}
	}
}

func (p *Pipeline) ingest(log *logger.Entry, s *shard, ev models.Event) {
	sealed, err := s.agg.Ingest(ev, p.opts.Now())
	if err != nil {
		var dq *models.DataQualityError
		switch {
		case errors.As(err, &dq):
			p.opts.Counters.Inc(metrics.EventsDropped)
			metrics.EmitDropMetric(p.log, metrics.DropMetricDataQuality, ev.WalletAddress, ev.AssetSymbol, "aggregate")
			log.WithError(err).WithFields(logger.Fields{"event_id": ev.ID}).Debug("event dropped")
		case errors.Is(err, aggregator.ErrDuplicate):
			p.opts.Counters.Inc(metrics.EventsDuplicate)
		default:
			log.WithError(err).Warn("ingest failed")
		}
		return
	}
	if sealed != nil {
		p.decide(log, *sealed, p.sink.SendAlert)
	}
	s.open.Store(int64(s.agg.Open()))
}

// flush seals every open group once the shard queue is closed. Alerts wait
// for room in the alert channel, bounded by the flush timeout, since the
// dispatcher keeps draining until the pipeline has stopped.
func (p *Pipeline) flush(log *logger.Entry, s *shard) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.FlushTimeout)
	defer cancel()
	handoff := func(a models.Alert) bool { return p.sink.SendAlertWait(ctx, a) }

	sealed := s.agg.Flush(p.opts.Now())
	for _, g := range sealed {
		p.decide(log, g, handoff)
	}
	s.open.Store(0)
	log.WithField("flushed", len(sealed)).Info("shard queue closed, worker stopping")
}

func (p *Pipeline) decide(log *logger.Entry, g models.SealedGroup, handoff func(models.Alert) bool) {
	alert, outcome := p.engine.Process(g, p.opts.Now())
	if alert != nil && !handoff(*alert) {
		outcome = models.OutcomeUndelivered
		p.opts.Counters.Inc(metrics.AlertsDropped)
		metrics.EmitDropMetric(p.log, metrics.DropMetricAlertHandoff, g.Key.Wallet, g.Key.Asset, "handoff")
		log.WithWallet(g.Key.Wallet).WithAlert(alert.ID, alert.Tier.String()).Warn("alert channel full, alert dropped")
	}
	if p.opts.OnOutcome != nil {
		p.opts.OnOutcome(g, outcome)
	}
}

// OpenGroups returns the number of open groups across shards.
func (p *Pipeline) OpenGroups() int {
	n := 0
	for _, s := range p.shards {
		n += int(s.open.Load())
	}
	return n
}

// Stats returns a snapshot for reporting.
func (p *Pipeline) Stats() metrics.PipelineStats {
	stats := metrics.PipelineStats{
		Counters:      p.opts.Counters.Snapshot(),
		OpenGroups:    p.OpenGroups(),
		EventQueueLen: len(p.input),
		EventQueueCap: cap(p.input),
	}
	if p.opts.LimiterKeys != nil {
		stats.LimiterKeys = p.opts.LimiterKeys()
	}
	for _, s := range p.shards {
		stats.ShardQueueLen = append(stats.ShardQueueLen, len(s.queue))
	}
	return stats
}

func (p *Pipeline) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(p.opts.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.ReportPipeline(p.log, p.Stats())
		}
	}
}
