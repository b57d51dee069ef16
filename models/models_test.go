package models

import (
	"testing"
	"time"
)

func TestActionClass(t *testing.T) {
	cases := []struct {
		action Action
		class  ActionClass
	}{
		{ActionOrderPlaced, ClassOrder},
		{ActionOrderUpdate, ClassOrder},
		{ActionCancel, ClassOrder},
		{ActionFill, ClassFill},
		{ActionLiquidation, ClassLiquidation},
		{ActionPositionUpdate, ClassPosition},
		{Action("vault_deposit"), ActionClass("vault_deposit")},
	}
	for _, c := range cases {
		if got := c.action.Class(); got != c.class {
			t.Errorf("action %s: expected class %s got %s", c.action, c.class, got)
		}
	}
}

func TestParseSide(t *testing.T) {
	cases := map[string]Side{
		"B": SideBuy, "bid": SideBuy, "A": SideSell, "S": SideSell, "sell": SideSell, "?": SideUnknown,
	}
	for raw, want := range cases {
		if got := ParseSide(raw); got != want {
			t.Errorf("side %q: expected %s got %s", raw, want, got)
		}
	}
}

func TestAggregationKeyNormalisesCase(t *testing.T) {
	a := Event{WalletAddress: "0xABC", AssetSymbol: "eth", Action: ActionOrderPlaced}.Key()
	b := Event{WalletAddress: "0xabc", AssetSymbol: "ETH", Action: ActionOrderUpdate}.Key()
	if a != b {
		t.Fatalf("expected equal keys, got %v and %v", a, b)
	}
}

func TestSealSnapshotIsIndependent(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	g := NewGroup(Event{ID: "1", WalletAddress: "0xabc", AssetSymbol: "ETH", Action: ActionFill, USDValue: 10}, now)
	g.Append(Event{ID: "2", WalletAddress: "0xabc", AssetSymbol: "ETH", Action: ActionFill, USDValue: 5}, now.Add(time.Second))

	sealed := g.Seal(now.Add(2 * time.Second))
	g.Append(Event{ID: "3", USDValue: 100}, now.Add(3*time.Second))

	if sealed.MemberCount != 2 || len(sealed.Members) != 2 {
		t.Fatalf("sealed group mutated: %+v", sealed)
	}
	if sealed.TotalUSDValue != 15 {
		t.Fatalf("unexpected total: %v", sealed.TotalUSDValue)
	}
	if !sealed.LastSeen.Equal(now.Add(time.Second)) {
		t.Fatalf("unexpected last seen: %v", sealed.LastSeen)
	}
}

func TestBreakdownKeepsFirstAppearanceOrder(t *testing.T) {
	g := SealedGroup{Members: []Event{
		{Action: ActionOrderPlaced, USDValue: 1},
		{Action: ActionOrderUpdate, USDValue: 2},
		{Action: ActionOrderPlaced, USDValue: 3},
	}, MemberCount: 3}
	got := g.Breakdown()
	if len(got) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(got))
	}
	if got[0].Action != ActionOrderPlaced || got[0].Count != 2 || got[0].USDValue != 4 {
		t.Errorf("unexpected first line: %+v", got[0])
	}
	if got[1].Action != ActionOrderUpdate || got[1].Count != 1 {
		t.Errorf("unexpected second line: %+v", got[1])
	}
}

func TestTierBoundsValidate(t *testing.T) {
	if err := DefaultTierBounds().Validate(); err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}
	bad := []TierBounds{
		{Notable: 0, Medium: 10, Large: 100, Whale: 1000},
		{Notable: 10, Medium: 10, Large: 100, Whale: 1000},
		{Notable: 10, Medium: 100, Large: 50, Whale: 1000},
	}
	for _, b := range bad {
		err := b.Validate()
		if _, ok := err.(*ConfigurationError); !ok {
			t.Errorf("bounds %+v: expected ConfigurationError, got %v", b, err)
		}
	}
}

func TestRateLimitKeyRoundTrip(t *testing.T) {
	k := RateLimitKey{Wallet: "0xabc", Asset: "ETH", Tier: TierLarge}
	got, err := ParseRateLimitKey(k.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != k {
		t.Fatalf("expected %v got %v", k, got)
	}
	if _, err := ParseRateLimitKey("broken"); err == nil {
		t.Fatal("expected error for malformed key")
	}
}

func TestAlertIDStable(t *testing.T) {
	g := SealedGroup{
		Key:         NewAggregationKey("0xabc", "ETH", ClassOrder),
		Members:     []Event{{ID: "e1"}},
		MemberCount: 1,
	}
	if AlertID(g) != AlertID(g) {
		t.Fatal("alert id must be deterministic")
	}
	other := g
	other.MemberCount = 2
	if AlertID(g) == AlertID(other) {
		t.Fatal("different groups must not share an id")
	}
}
