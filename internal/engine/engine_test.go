package engine

import (
	"strings"
	"testing"
	"time"

	"walletwatch/internal/aggregator"
	"walletwatch/internal/classifier"
	"walletwatch/internal/metrics"
	"walletwatch/internal/ratelimit"
	"walletwatch/models"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	engine   *Engine
	counters *metrics.Counters
	limiter  *ratelimit.Limiter
}

func newFixture(t *testing.T, cooldown time.Duration) fixture {
	t.Helper()
	c, err := classifier.New(models.DefaultTierBounds())
	if err != nil {
		t.Fatalf("classifier: %v", err)
	}
	l, err := ratelimit.New(cooldown, 4)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	counters := metrics.NewCounters()
	return fixture{engine: New(c, l, counters), counters: counters, limiter: l}
}

func group(usd ...float64) models.SealedGroup {
	g := models.NewGroup(models.Event{ID: "e0", WalletAddress: "0xabc", AssetSymbol: "ETH", Action: models.ActionOrderUpdate, USDValue: usd[0], Quantity: 1, Price: usd[0]}, t0)
	for i, v := range usd[1:] {
		g.Append(models.Event{ID: "e" + string(rune('1'+i)), WalletAddress: "0xabc", AssetSymbol: "ETH", Action: models.ActionOrderUpdate, USDValue: v, Quantity: 1, Price: v}, t0.Add(time.Duration(i+1)*time.Second))
	}
	return g.Seal(t0.Add(time.Minute))
}

func TestProcessBelowThreshold(t *testing.T) {
	f := newFixture(t, time.Minute)
	alert, outcome := f.engine.Process(group(500), t0)
	if alert != nil || outcome != models.OutcomeBelowThreshold {
		t.Fatalf("expected below threshold discard, got %v %s", alert, outcome)
	}
	if f.counters.Get(metrics.BelowThreshold) != 1 {
		t.Fatal("below threshold counter not incremented")
	}
	if f.limiter.Len() != 0 {
		t.Fatal("below threshold groups must not touch the limiter")
	}
}

func TestProcessEmitsAlert(t *testing.T) {
	f := newFixture(t, time.Minute)
	g := group(40_000, 35_000, 60_000)
	alert, outcome := f.engine.Process(g, t0)
	if outcome != models.OutcomeAlerted || alert == nil {
		t.Fatalf("expected alert, got %s", outcome)
	}
	if alert.Tier != models.TierLarge || alert.Group.MemberCount != 3 || alert.Group.TotalUSDValue != 135_000 {
		t.Fatalf("unexpected alert: tier=%s members=%d total=%v", alert.Tier, alert.Group.MemberCount, alert.Group.TotalUSDValue)
	}
	if alert.ID != models.AlertID(g) || alert.Suppressed {
		t.Fatalf("unexpected identity: %+v", alert)
	}
	if !strings.Contains(alert.Summary, "Summary: 3 events") || !strings.Contains(alert.Summary, "3x order_update") {
		t.Fatalf("unexpected summary:\n%s", alert.Summary)
	}
	if f.counters.Get(metrics.AlertsEmitted) != 1 {
		t.Fatal("alerts_emitted not incremented")
	}
}

func TestProcessRateLimited(t *testing.T) {
	f := newFixture(t, 60*time.Second)
	g := group(50_000)

	if _, outcome := f.engine.Process(g, t0); outcome != models.OutcomeAlerted {
		t.Fatalf("first group should alert, got %s", outcome)
	}
	if _, outcome := f.engine.Process(g, t0.Add(time.Second)); outcome != models.OutcomeRateLimited {
		t.Fatalf("group 1s later should be suppressed, got %s", outcome)
	}
	if _, outcome := f.engine.Process(g, t0.Add(61*time.Second)); outcome != models.OutcomeAlerted {
		t.Fatalf("group 61s later should alert, got %s", outcome)
	}
	if f.counters.Get(metrics.AlertsSuppressed) != 1 || f.counters.Get(metrics.AlertsEmitted) != 2 {
		t.Fatalf("unexpected counters: %v", f.counters.Snapshot())
	}
}

func TestDifferentTiersAreLimitedSeparately(t *testing.T) {
	f := newFixture(t, time.Minute)
	if _, o := f.engine.Process(group(50_000), t0); o != models.OutcomeAlerted {
		t.Fatal("medium should alert")
	}
	if _, o := f.engine.Process(group(2_000_000), t0.Add(time.Second)); o != models.OutcomeAlerted {
		t.Fatal("whale should alert despite a recent medium alert")
	}
}

func TestEndToEndAggregationToAlert(t *testing.T) {
	f := newFixture(t, time.Minute)
	agg, err := aggregator.New(2 * time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	for i, v := range []float64{40_000, 35_000, 60_000} {
		ev := models.Event{ID: string(rune('a' + i)), WalletAddress: "0xabc", AssetSymbol: "ETH", Action: models.ActionOrderUpdate, USDValue: v}
		if sealed, err := agg.Ingest(ev, t0.Add(time.Duration(i)*10*time.Second)); err != nil || sealed != nil {
			t.Fatalf("ingest %d: sealed=%v err=%v", i, sealed, err)
		}
	}
	sealed := agg.Sweep(t0.Add(5 * time.Minute))
	if len(sealed) != 1 {
		t.Fatalf("expected one sealed group, got %d", len(sealed))
	}
	alert, outcome := f.engine.Process(sealed[0], t0.Add(5*time.Minute))
	if outcome != models.OutcomeAlerted || alert.Tier != models.TierLarge || alert.Group.MemberCount != 3 {
		t.Fatalf("unexpected result: %s %+v", outcome, alert)
	}
}
