package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"walletwatch/models"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newLimiter(t *testing.T, cooldown time.Duration) *Limiter {
	t.Helper()
	l, err := New(cooldown, 8)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	return l
}

var key = models.RateLimitKey{Wallet: "0xabc", Asset: "ETH", Tier: models.TierLarge}

func TestNewRejectsNonPositiveCooldown(t *testing.T) {
	_, err := New(0, 1)
	var cfgErr *models.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestFirstOccurrenceAllowed(t *testing.T) {
	l := newLimiter(t, time.Minute)
	if !l.Allow(key, t0) {
		t.Fatal("first occurrence must be allowed")
	}
	if !l.Allow(key, t0) {
		t.Fatal("Allow must not record")
	}
}

func TestCooldownWindow(t *testing.T) {
	l := newLimiter(t, 60*time.Second)
	if !l.Attempt(key, t0) {
		t.Fatal("first attempt must be allowed")
	}
	if l.Attempt(key, t0.Add(time.Second)) {
		t.Fatal("attempt 1s later must be suppressed")
	}
	if !l.Attempt(key, t0.Add(61*time.Second)) {
		t.Fatal("attempt 61s later must be allowed")
	}
}

func TestDeniedAttemptMovesAnchor(t *testing.T) {
	l := newLimiter(t, 60*time.Second)
	l.Attempt(key, t0)
	l.Attempt(key, t0.Add(30*time.Second))
	if l.Allow(key, t0.Add(70*time.Second)) {
		t.Fatal("window must be anchored at the latest attempt")
	}
	if !l.Allow(key, t0.Add(90*time.Second)) {
		t.Fatal("expected allow once the latest attempt has aged out")
	}
}

func TestRecordNeverMovesBackwards(t *testing.T) {
	l := newLimiter(t, time.Minute)
	l.Record(key, t0.Add(time.Minute))
	l.Record(key, t0)
	if l.Allow(key, t0.Add(90*time.Second)) {
		t.Fatal("older record must not replace the newer anchor")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := newLimiter(t, time.Minute)
	l.Attempt(key, t0)
	others := []models.RateLimitKey{
		{Wallet: "0xdef", Asset: "ETH", Tier: models.TierLarge},
		{Wallet: "0xabc", Asset: "BTC", Tier: models.TierLarge},
		{Wallet: "0xabc", Asset: "ETH", Tier: models.TierWhale},
	}
	for _, k := range others {
		if !l.Allow(k, t0.Add(time.Second)) {
			t.Errorf("key %s must not be limited by %s", k, key)
		}
	}
}

func TestLazyPruneBoundsState(t *testing.T) {
	l, _ := New(time.Minute, 1)
	for i := 0; i < 100; i++ {
		l.Record(models.RateLimitKey{Wallet: fmt.Sprintf("0x%d", i), Asset: "ETH", Tier: models.TierNotable}, t0)
	}
	if l.Len() != 100 {
		t.Fatalf("expected 100 keys, got %d", l.Len())
	}
	l.Allow(key, t0.Add(2*time.Minute))
	if l.Len() != 0 {
		t.Fatalf("stale keys must be pruned, %d left", l.Len())
	}
}

func TestConcurrentAttemptsAllowOnce(t *testing.T) {
	l := newLimiter(t, time.Minute)
	var allowed int64
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Attempt(key, t0) {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()
	if allowed != 1 {
		t.Fatalf("expected exactly one allowed attempt, got %d", allowed)
	}
}

func TestSnapshotRestore(t *testing.T) {
	l := newLimiter(t, time.Minute)
	fresh := models.RateLimitKey{Wallet: "0xabc", Asset: "ETH", Tier: models.TierWhale}
	l.Record(key, t0)
	l.Record(fresh, t0.Add(50*time.Second))

	snap := l.Snapshot()
	snap["garbage"] = t0.Add(50 * time.Second)

	other := newLimiter(t, time.Minute)
	if n := other.Restore(snap, t0.Add(70*time.Second)); n != 1 {
		t.Fatalf("expected 1 restored entry, got %d", n)
	}
	if other.Allow(fresh, t0.Add(70*time.Second)) {
		t.Fatal("restored key must still be limited")
	}
	if !other.Allow(key, t0.Add(70*time.Second)) {
		t.Fatal("stale key must not be restored")
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "ratelimit.json")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	st, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if len(st.Entries) != 0 {
		t.Fatalf("expected empty state, got %v", st.Entries)
	}

	in := State{Cooldown: time.Minute, SavedAt: t0, Entries: map[string]time.Time{key.String(): t0}}
	if err := store.Save(context.Background(), in); err != nil {
		t.Fatalf("save: %v", err)
	}
	out, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !out.Entries[key.String()].Equal(t0) || out.Cooldown != time.Minute {
		t.Fatalf("unexpected state: %+v", out)
	}
}

func TestPersisterSaveAndRestore(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "rl.json"))
	if err != nil {
		t.Fatal(err)
	}
	now := t0

	l := newLimiter(t, time.Minute)
	l.Record(key, now)
	p := NewPersister(l, store, time.Hour)
	p.now = func() time.Time { return now }
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Start(context.Background()); err == nil {
		t.Fatal("expected error on second start")
	}
	p.Stop()

	restored := newLimiter(t, time.Minute)
	rp := NewPersister(restored, store, time.Hour)
	rp.now = func() time.Time { return now.Add(10 * time.Second) }
	n, err := rp.Restore(context.Background())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if n != 1 || restored.Allow(key, now.Add(10*time.Second)) {
		t.Fatalf("expected key restored and limited, n=%d", n)
	}
}
