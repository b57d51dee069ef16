package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"walletwatch/logger"
)

// Persister periodically saves limiter state to a Store and restores it on
// startup so a restart does not re-alert keys still inside their cooldown.
type Persister struct {
	limiter  *Limiter
	store    Store
	interval time.Duration
	now      func() time.Time
	log      *logger.Log

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewPersister(limiter *Limiter, store Store, interval time.Duration) *Persister {
	return &Persister{
		limiter:  limiter,
		store:    store,
		interval: interval,
		now:      time.Now,
		log:      logger.GetLogger(),
	}
}

// Restore loads the stored state into the limiter.
func (p *Persister) Restore(ctx context.Context) (int, error) {
	st, err := p.store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load rate limit state: %w", err)
	}
	n := p.limiter.Restore(st.Entries, p.now())
	p.log.WithComponent("ratelimit").WithFields(logger.Fields{
		"restored": n,
		"stored":   len(st.Entries),
	}).Info("rate limit state restored")
	return n, nil
}

// Save writes the current limiter state.
func (p *Persister) Save(ctx context.Context) error {
	st := State{
		Cooldown: p.limiter.Cooldown(),
		SavedAt:  p.now().UTC(),
		Entries:  p.limiter.Snapshot(),
	}
	if err := p.store.Save(ctx, st); err != nil {
		return fmt.Errorf("save rate limit state: %w", err)
	}
	return nil
}

func (p *Persister) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("persister already running")
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.running = true

	p.wg.Add(1)
	go p.loop(ctx)
	return nil
}

func (p *Persister) loop(ctx context.Context) {
	defer p.wg.Done()
	log := p.log.WithComponent("ratelimit")
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := p.Save(ctx); err != nil {
				log.WithError(err).Warn("periodic save failed")
				continue
			}
			logger.LogPerformanceEntry(log, "ratelimit", "save_state", time.Since(start), logger.Fields{"keys": p.limiter.Len()})
		}
	}
}

// Stop halts the periodic loop and performs a final save.
func (p *Persister) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()
	p.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Save(ctx); err != nil {
		p.log.WithComponent("ratelimit").WithError(err).Error("final save failed")
		return
	}
	p.log.WithComponent("ratelimit").WithField("keys", p.limiter.Len()).Info("rate limit state saved")
}
