package notifier

import (
	"sort"
	"time"

	"golang.org/x/time/rate"

	"walletwatch/models"
)

const maxPendingPerWallet = 50

// throttle limits one sender to one message per wallet per cooldown. Alerts
// arriving inside the cooldown are held and delivered together with the next
// message for that wallet. Owned by the dispatch loop.
type throttle struct {
	cooldown time.Duration
	limiters map[string]*rate.Limiter
	pending  map[string][]models.Alert
	dropped  int
}

func newThrottle(cooldown time.Duration) *throttle {
	return &throttle{
		cooldown: cooldown,
		limiters: make(map[string]*rate.Limiter),
		pending:  make(map[string][]models.Alert),
	}
}

func (t *throttle) limiter(wallet string) *rate.Limiter {
	l, ok := t.limiters[wallet]
	if !ok {
		l = rate.NewLimiter(rate.Every(t.cooldown), 1)
		t.limiters[wallet] = l
	}
	return l
}

// offer returns the alerts to send now, or nil when a is held back.
func (t *throttle) offer(a models.Alert, now time.Time) []models.Alert {
	if t.cooldown <= 0 {
		return []models.Alert{a}
	}
	wallet := a.Group.Key.Wallet
	if t.limiter(wallet).AllowN(now, 1) {
		batch := append(t.pending[wallet], a)
		delete(t.pending, wallet)
		return batch
	}
	held := append(t.pending[wallet], a)
	if len(held) > maxPendingPerWallet {
		t.dropped += len(held) - maxPendingPerWallet
		held = held[len(held)-maxPendingPerWallet:]
	}
	t.pending[wallet] = held
	return nil
}

// due releases held batches whose wallet may send again and forgets idle
// limiters.
func (t *throttle) due(now time.Time) [][]models.Alert {
	var out [][]models.Alert
	for _, wallet := range t.wallets() {
		if t.limiter(wallet).AllowN(now, 1) {
			out = append(out, t.pending[wallet])
			delete(t.pending, wallet)
		}
	}
	for wallet, l := range t.limiters {
		if _, held := t.pending[wallet]; !held && l.TokensAt(now) >= 1 {
			delete(t.limiters, wallet)
		}
	}
	return out
}

// drain releases every held batch regardless of limits.
func (t *throttle) drain() [][]models.Alert {
	var out [][]models.Alert
	for _, wallet := range t.wallets() {
		out = append(out, t.pending[wallet])
		delete(t.pending, wallet)
	}
	return out
}

func (t *throttle) wallets() []string {
	wallets := make([]string, 0, len(t.pending))
	for w := range t.pending {
		wallets = append(wallets, w)
	}
	sort.Strings(wallets)
	return wallets
}

func (t *throttle) held() int {
	n := 0
	for _, p := range t.pending {
		n += len(p)
	}
	return n
}
