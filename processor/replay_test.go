package processor

import (
	"context"
	"strings"
	"testing"
	"time"

	"walletwatch/internal/classifier"
	"walletwatch/internal/engine"
	"walletwatch/internal/metrics"
	"walletwatch/internal/ratelimit"
	"walletwatch/models"
)

const replayWallet = "0x1234567890abcdef1234567890abcdef12345678"

func newReplayer(t *testing.T, counters *metrics.Counters, filter EventFilter) *Replayer {
	t.Helper()
	c, err := classifier.New(models.DefaultTierBounds())
	if err != nil {
		t.Fatal(err)
	}
	l, err := ratelimit.New(time.Minute, 4)
	if err != nil {
		t.Fatal(err)
	}
	r, err := NewReplayer(2*time.Minute, engine.New(c, l, counters), filter, counters)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestReplayUsesEventTime(t *testing.T) {
	input := strings.Join([]string{
		"# captured 2024-03-01",
		`{"id":"e1","wallet_address":"` + replayWallet + `","asset_symbol":"ETH","action":"fill","usd_value":40000,"timestamp":"2024-03-01T12:00:00Z"}`,
		`{"id":"e2","wallet_address":"` + replayWallet + `","asset_symbol":"ETH","action":"fill","usd_value":35000,"timestamp":"2024-03-01T12:00:10Z"}`,
		`{"id":"e2","wallet_address":"` + replayWallet + `","asset_symbol":"ETH","action":"fill","usd_value":35000,"timestamp":"2024-03-01T12:00:11Z"}`,
		`{"id":"e3","wallet_address":"` + replayWallet + `","asset_symbol":"ETH","action":"fill","usd_value":60000,"timestamp":"2024-03-01T12:00:20Z"}`,
		"",
		`not json`,
		`{"id":"e4","wallet_address":"` + replayWallet + `","asset_symbol":"BTC","action":"fill","usd_value":500,"timestamp":"2024-03-01T12:05:00Z"}`,
	}, "\n")

	counters := metrics.NewCounters()
	r := newReplayer(t, counters, nil)

	var alerts []models.Alert
	stats, err := r.Run(context.Background(), strings.NewReader(input), func(a models.Alert) {
		alerts = append(alerts, a)
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	if stats.Lines != 8 || stats.Events != 5 || stats.Malformed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	a := alerts[0]
	if a.Tier != models.TierLarge || a.Group.MemberCount != 3 || a.Group.TotalUSDValue != 135_000 {
		t.Fatalf("unexpected alert tier=%s members=%d total=%v", a.Tier, a.Group.MemberCount, a.Group.TotalUSDValue)
	}
	// sealed by the BTC event five minutes later, not by wall clock
	if !a.Group.SealedAt.Equal(time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC)) {
		t.Fatalf("unexpected seal time %v", a.Group.SealedAt)
	}
	if stats.Outcomes[models.OutcomeAlerted] != 1 || stats.Outcomes[models.OutcomeBelowThreshold] != 1 {
		t.Fatalf("unexpected outcomes %v", stats.Outcomes)
	}
	if counters.Get(metrics.EventsDuplicate) != 1 {
		t.Fatalf("duplicate not counted: %v", counters.Snapshot())
	}
}

type dropBTC struct{}

func (dropBTC) Normalize(ev models.Event) (models.Event, bool) {
	return ev, ev.AssetSymbol != "BTC"
}

func TestReplayAppliesFilterAndCooldown(t *testing.T) {
	input := strings.Join([]string{
		`{"id":"a","wallet_address":"` + replayWallet + `","asset_symbol":"ETH","action":"fill","usd_value":20000,"timestamp":"2024-03-01T12:00:00Z"}`,
		`{"id":"b","wallet_address":"` + replayWallet + `","asset_symbol":"BTC","action":"fill","usd_value":20000,"timestamp":"2024-03-01T12:00:05Z"}`,
		`{"id":"c","wallet_address":"` + replayWallet + `","asset_symbol":"ETH","action":"fill","usd_value":20000,"timestamp":"2024-03-01T12:02:30Z"}`,
		`{"id":"d","wallet_address":"` + replayWallet + `","asset_symbol":"ETH","action":"fill","usd_value":20000,"timestamp":"2024-03-01T12:10:00Z"}`,
	}, "\n")

	counters := metrics.NewCounters()
	r := newReplayer(t, counters, dropBTC{})

	var alerts []models.Alert
	stats, err := r.Run(context.Background(), strings.NewReader(input), func(a models.Alert) {
		alerts = append(alerts, a)
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if stats.Filtered != 1 {
		t.Fatalf("expected 1 filtered event, got %+v", stats)
	}
	// a alerts at 12:02:30, c is sealed at 12:10:00 and alerts again since
	// the one-minute cooldown has passed; d is flushed inside the cooldown.
	if len(alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(alerts))
	}
	if stats.Outcomes[models.OutcomeRateLimited] != 1 {
		t.Fatalf("unexpected outcomes %v", stats.Outcomes)
	}
}

func TestReplayStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := newReplayer(t, metrics.NewCounters(), nil)
	if _, err := r.Run(ctx, strings.NewReader("{}\n"), nil); err == nil {
		t.Fatal("expected context error")
	}
}
