package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"walletwatch/models"
)

func testAlert() models.Alert {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	g := models.NewGroup(models.Event{
		ID: "1", WalletAddress: "0xabc", AssetSymbol: "ETH", Action: models.ActionFill,
		Side: models.SideBuy, Quantity: 10, Price: 3000, USDValue: 30000,
	}, now).Seal(now)
	return models.Alert{ID: models.AlertID(g), Group: g, Tier: models.TierMedium}
}

func TestNewPrinterFormats(t *testing.T) {
	cases := []struct {
		format string
		check  func(out string) bool
	}{
		{"json", func(out string) bool {
			var a models.Alert
			return json.Unmarshal([]byte(out), &a) == nil && a.Group.Key.Asset == "ETH"
		}},
		{"text", func(out string) bool { return strings.Contains(out, "ETH") && strings.HasSuffix(out, "\n\n") }},
	}
	for _, c := range cases {
		var buf bytes.Buffer
		emit, err := newPrinter(&buf, c.format)
		if err != nil {
			t.Fatalf("%s: %v", c.format, err)
		}
		emit(testAlert())
		if !c.check(buf.String()) {
			t.Fatalf("%s: unexpected output %q", c.format, buf.String())
		}
	}
}

func TestNewPrinterRejectsUnknownFormat(t *testing.T) {
	for _, format := range []string{"", "JSON", "yaml", "csv"} {
		if emit, err := newPrinter(&bytes.Buffer{}, format); err == nil || emit != nil {
			t.Fatalf("format %q should be rejected", format)
		}
	}
}
