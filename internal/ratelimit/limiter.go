package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"

	"walletwatch/models"
)

const defaultStripes = 32

type stripe struct {
	mu        sync.Mutex
	last      map[models.RateLimitKey]time.Time
	lastPrune time.Time
}

// Limiter allows one emission per key per cooldown window. Keys are spread
// over independently locked stripes so that unrelated wallets do not contend.
type Limiter struct {
	cooldown time.Duration
	stripes  []*stripe
}

// New creates a limiter. stripes <= 0 selects the default stripe count.
func New(cooldown time.Duration, stripes int) (*Limiter, error) {
	if cooldown <= 0 {
		return nil, &models.ConfigurationError{Field: "rate_limit.cooldown_window", Reason: "must be greater than 0"}
	}
	if stripes <= 0 {
		stripes = defaultStripes
	}
	l := &Limiter{cooldown: cooldown, stripes: make([]*stripe, stripes)}
	for i := range l.stripes {
		l.stripes[i] = &stripe{last: make(map[models.RateLimitKey]time.Time)}
	}
	return l, nil
}

// Cooldown returns the configured window.
func (l *Limiter) Cooldown() time.Duration { return l.cooldown }

func (l *Limiter) stripeFor(key models.RateLimitKey) *stripe {
	h := fnv.New32a()
	h.Write([]byte(key.Wallet))
	h.Write([]byte{0})
	h.Write([]byte(key.Asset))
	h.Write([]byte{byte(key.Tier)})
	return l.stripes[h.Sum32()%uint32(len(l.stripes))]
}

// Allow reports whether key may emit at now. It does not record anything.
func (l *Limiter) Allow(key models.RateLimitKey, now time.Time) bool {
	s := l.stripeFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	l.prune(s, now)
	return l.allowed(s, key, now)
}

// Record anchors the key's window at now. An older timestamp never moves the
// anchor backwards.
func (l *Limiter) Record(key models.RateLimitKey, now time.Time) {
	s := l.stripeFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	l.prune(s, now)
	l.record(s, key, now)
}

// Attempt checks and records in one critical section and returns whether the
// attempt was allowed. Denied attempts still move the anchor to now.
func (l *Limiter) Attempt(key models.RateLimitKey, now time.Time) bool {
	s := l.stripeFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	l.prune(s, now)
	ok := l.allowed(s, key, now)
	l.record(s, key, now)
	return ok
}

func (l *Limiter) allowed(s *stripe, key models.RateLimitKey, now time.Time) bool {
	last, ok := s.last[key]
	return !ok || now.Sub(last) >= l.cooldown
}

func (l *Limiter) record(s *stripe, key models.RateLimitKey, now time.Time) {
	if last, ok := s.last[key]; ok && last.After(now) {
		return
	}
	s.last[key] = now
}

// prune drops expired entries, at most once per cooldown per stripe.
func (l *Limiter) prune(s *stripe, now time.Time) {
	if now.Sub(s.lastPrune) < l.cooldown {
		return
	}
	for key, last := range s.last {
		if now.Sub(last) >= l.cooldown {
			delete(s.last, key)
		}
	}
	s.lastPrune = now
}

// Len returns the number of tracked keys, including entries that have expired
// but not been pruned yet.
func (l *Limiter) Len() int {
	n := 0
	for _, s := range l.stripes {
		s.mu.Lock()
		n += len(s.last)
		s.mu.Unlock()
	}
	return n
}

// Snapshot returns a copy of the limiter state keyed by RateLimitKey.String.
func (l *Limiter) Snapshot() map[string]time.Time {
	out := make(map[string]time.Time)
	for _, s := range l.stripes {
		s.mu.Lock()
		for key, last := range s.last {
			out[key.String()] = last
		}
		s.mu.Unlock()
	}
	return out
}

// Restore loads a snapshot. Entries already outside the window at now and
// malformed keys are skipped. It returns the number of entries restored.
func (l *Limiter) Restore(snapshot map[string]time.Time, now time.Time) int {
	n := 0
	for raw, last := range snapshot {
		if now.Sub(last) >= l.cooldown {
			continue
		}
		key, err := models.ParseRateLimitKey(raw)
		if err != nil {
			continue
		}
		l.Record(key, last)
		n++
	}
	return n
}
