package notifier

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	appconfig "walletwatch/config"
	"walletwatch/internal/metrics"
	"walletwatch/internal/rules"
	"walletwatch/logger"
	"walletwatch/models"
)

// Options configures a Dispatcher.
type Options struct {
	Workers   int
	QueueSize int
	DedupTTL  time.Duration
	// Timeout bounds one send attempt.
	Timeout time.Duration
	Retry   RetryPolicy
	// FlushInterval is how often held batches and the dedup set are checked.
	FlushInterval time.Duration
	// Rules select the senders for each alert on top of their MinTier.
	// Nil routes every alert to every sender.
	Rules    *rules.Set
	Counters *metrics.Counters
	Now      func() time.Time
}

// OptionsFromConfig maps the notifications section onto dispatcher options.
func OptionsFromConfig(cfg appconfig.NotificationsConfig, counters *metrics.Counters) Options {
	return Options{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		DedupTTL:  cfg.DedupTTL,
		Timeout:   cfg.Timeout,
		Retry: RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			Jitter:      cfg.Retry.BaseDelay / 2,
		},
		Counters: counters,
	}
}

type job struct {
	sender Sender
	n      Notification
}

type route struct {
	sender   Sender
	throttle *throttle
}

// DispatcherStats is a point-in-time view for status reporting.
type DispatcherStats struct {
	Senders   []string `json:"senders"`
	QueueLen  int      `json:"queue_len"`
	QueueCap  int      `json:"queue_cap"`
	Held      int64    `json:"held"`
	Delivered int64    `json:"delivered"`
	Failed    int64    `json:"failed"`
	Dropped   int64    `json:"dropped"`
	Unmatched int64    `json:"unmatched"`
}

// Dispatcher fans alerts out to senders. A single loop owns deduplication
// and per-sender throttling; a worker pool performs the sends so one slow
// channel does not hold up the others.
type Dispatcher struct {
	routes []route
	opts   Options
	queue  chan job
	wg     sync.WaitGroup
	log    *logger.Log

	held      atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	unmatched atomic.Int64
}

func NewDispatcher(senders []Sender, opts Options) *Dispatcher {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	d := &Dispatcher{
		opts:  opts,
		queue: make(chan job, opts.QueueSize),
		log:   logger.GetLogger(),
	}
	for _, s := range senders {
		d.routes = append(d.routes, route{sender: s, throttle: newThrottle(s.Cooldown())})
	}
	return d
}

// Run consumes alerts until the channel is closed or ctx is cancelled, then
// sends every held batch and waits for queued sends to finish.
func (d *Dispatcher) Run(ctx context.Context, alerts <-chan models.Alert) error {
	log := d.log.WithComponent("dispatcher")
	names := make([]string, 0, len(d.routes))
	for _, r := range d.routes {
		names = append(names, r.sender.Name())
	}
	log.WithFields(logger.Fields{"senders": names, "workers": d.opts.Workers, "rules": d.opts.Rules.Len()}).Info("starting dispatcher")
	d.warnUnroutedChannels(log, names)

	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}

	dedup := newDeduper(d.opts.DedupTTL)
	ticker := time.NewTicker(d.opts.FlushInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case a, ok := <-alerts:
			if !ok {
				log.Info("alert channel closed, dispatcher draining")
				break loop
			}
			d.accept(dedup, a)
		case <-ticker.C:
			now := d.opts.Now()
			for _, r := range d.routes {
				for _, batch := range r.throttle.due(now) {
					d.enqueue(r.sender, Notification{Alerts: batch})
				}
			}
			dedup.evict(now)
			d.updateHeld()
		case <-ctx.Done():
			log.Info("context cancelled, dispatcher draining")
			d.drainBuffered(dedup, alerts)
			break loop
		}
	}

	// Held batches wait for a free worker unless the hard stop has
	// cancelled ctx.
	for _, r := range d.routes {
		for _, batch := range r.throttle.drain() {
			d.enqueueWait(ctx, r.sender, Notification{Alerts: batch})
		}
	}
	d.updateHeld()
	close(d.queue)
	d.wg.Wait()

	stats := d.Stats()
	log.WithFields(logger.Fields{
		"delivered": stats.Delivered,
		"failed":    stats.Failed,
		"dropped":   stats.Dropped,
	}).Info("dispatcher stopped")
	return nil
}

func (d *Dispatcher) drainBuffered(dedup *deduper, alerts <-chan models.Alert) {
	for {
		select {
		case a, ok := <-alerts:
			if !ok {
				return
			}
			d.accept(dedup, a)
		default:
			return
		}
	}
}

func (d *Dispatcher) accept(dedup *deduper, a models.Alert) {
	now := d.opts.Now()
	if dedup.seenOrAdd(a.ID, now) {
		d.log.WithComponent("dispatcher").WithField("alert_id", a.ID).Debug("duplicate alert ignored")
		return
	}
	allow, matched := d.opts.Rules.Route(a)
	if d.opts.Rules.Len() > 0 {
		if len(matched) == 0 {
			d.unmatched.Add(1)
			d.log.WithComponent("dispatcher").WithAlert(a.ID, a.Tier.String()).Debug("alert matched no rule")
			return
		}
		d.log.WithComponent("dispatcher").WithAlert(a.ID, a.Tier.String()).WithField("rules", matched).Debug("alert matched rules")
	}
	for _, r := range d.routes {
		if a.Tier < r.sender.MinTier() || !allow(r.sender.Name()) {
			continue
		}
		if batch := r.throttle.offer(a, now); batch != nil {
			d.enqueue(r.sender, Notification{Alerts: batch})
		}
	}
	d.updateHeld()
}

func (d *Dispatcher) warnUnroutedChannels(log *logger.Entry, senders []string) {
	active := make(map[string]bool, len(senders))
	for _, name := range senders {
		active[name] = true
	}
	for _, ch := range d.opts.Rules.Channels() {
		if !active[ch] {
			log.WithField("channel", ch).Warn("rules route to a channel with no enabled sender")
		}
	}
}

func (d *Dispatcher) updateHeld() {
	var n int
	for _, r := range d.routes {
		n += r.throttle.held()
	}
	d.held.Store(int64(n))
}

func (d *Dispatcher) enqueue(s Sender, n Notification) {
	select {
	case d.queue <- job{sender: s, n: n}:
	default:
		d.drop(s, n)
	}
}

func (d *Dispatcher) enqueueWait(ctx context.Context, s Sender, n Notification) {
	j := job{sender: s, n: n}
	select {
	case d.queue <- j:
		return
	default:
	}
	select {
	case d.queue <- j:
	case <-ctx.Done():
		d.drop(s, n)
	}
}

func (d *Dispatcher) drop(s Sender, n Notification) {
	d.dropped.Add(int64(len(n.Alerts)))
	d.opts.Counters.Inc(metrics.DispatchFailures)
	metrics.IncrementDispatch(s.Name(), "dropped")
	latest := n.Latest()
	metrics.EmitDropMetric(d.log, metrics.DropMetricDispatchQueue, latest.Group.Key.Wallet, latest.Group.Key.Asset, s.Name())
	d.log.WithComponent("dispatcher").WithFields(logger.Fields{
		"sender":   s.Name(),
		"alert_id": latest.ID,
	}).Warn("dispatch queue full, notification dropped")
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	log := d.log.WithComponent("dispatcher").WithField("worker_id", id)

	for j := range d.queue {
		d.deliver(log, j)
	}
}

func (d *Dispatcher) deliver(log *logger.Entry, j job) {
	name := j.sender.Name()
	log = log.WithWallet(j.n.Latest().Group.Key.Wallet)
	fields := logger.Fields{"sender": name, "alert_id": j.n.Latest().ID, "batch": len(j.n.Alerts)}
	policy := d.opts.Retry
	policy.OnRetry = func(attempt int, wait time.Duration, err error) {
		metrics.IncrementDispatch(name, "retry")
		log.WithFields(fields).WithError(err).WithFields(logger.Fields{
			"attempt": attempt,
			"wait":    wait.String(),
		}).Debug("send failed, retrying")
	}

	// Sends use their own deadline so that queued work drains after the
	// service context is cancelled.
	start := time.Now()
	err := withRetry(context.Background(), policy, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
		return j.sender.Send(ctx, j.n)
	})
	if err != nil {
		d.failed.Add(1)
		d.opts.Counters.Inc(metrics.DispatchFailures)
		metrics.IncrementDispatch(name, "failure")
		log.WithFields(fields).WithError(err).Error("notification delivery failed")
		return
	}
	d.delivered.Add(1)
	d.opts.Counters.Inc(metrics.AlertsDelivered)
	metrics.IncrementDispatch(name, "success")
	logger.LogPerformanceEntry(log, "dispatcher", "send", time.Since(start), fields)
}

func (d *Dispatcher) Stats() DispatcherStats {
	stats := DispatcherStats{
		QueueLen:  len(d.queue),
		QueueCap:  cap(d.queue),
		Held:      d.held.Load(),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
		Unmatched: d.unmatched.Load(),
	}
	for _, r := range d.routes {
		stats.Senders = append(stats.Senders, r.sender.Name())
	}
	return stats
}

// BuildSenders constructs the enabled HTTP and SMTP senders. Senders living
// in other packages are appended by the caller.
func BuildSenders(cfg appconfig.NotificationsConfig) ([]Sender, error) {
	var senders []Sender
	if cfg.Discord.Enabled {
		s, err := NewDiscordSender(cfg.Discord, cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("discord sender: %w", err)
		}
		senders = append(senders, s)
	}
	if cfg.Telegram.Enabled {
		s, err := NewTelegramSender(cfg.Telegram, cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("telegram sender: %w", err)
		}
		senders = append(senders, s)
	}
	if cfg.Webhook.Enabled {
		s, err := NewWebhookSender(cfg.Webhook, cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("webhook sender: %w", err)
		}
		senders = append(senders, s)
	}
	if cfg.Email.Enabled {
		s, err := NewEmailSender(cfg.Email)
		if err != nil {
			return nil, fmt.Errorf("email sender: %w", err)
		}
		senders = append(senders, s)
	}
	return senders, nil
}
