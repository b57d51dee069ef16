package symbols

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestToAsset(t *testing.T) {
	tests := []struct {
		exchange string
		in       string
		quote    string
		want     string
		ok       bool
	}{
		{"kucoin", "XBT-USDTM", "USDT", "BTC", true},
		{"coinbase", "BTC-USD", "USD", "BTC", true},
		{"kraken", "ETH/USD", "USD", "ETH", true},
		{"okx", "SOL-USDT-SWAP", "USDT", "SOL", true},
		{"binance", "ETHUSDT", "USDT", "ETH", true},
		{"binance", "ethusdt", "usdt", "ETH", true},
		{"binance", "1000BONKUSDT", "USDT", "KBONK", true},
		{"binance", "1000PEPEUSDT", "USDT", "KPEPE", true},
		{"bybit", "SHIB1000USDT", "USDT", "KSHIB", true},
		{"binance", "BTCUSDC", "USDT", "", false},
		{"binance", "USDT", "USDT", "", false},
		{"binance", "ETHUSDT", "", "", false},
	}
	for _, tt := range tests {
		got, ok := ToAsset(tt.exchange, tt.in, tt.quote)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ToAsset(%s,%s,%s)=%s,%v want %s,%v", tt.exchange, tt.in, tt.quote, got, ok, tt.want, tt.ok)
		}
	}
}

var testSpotMeta = SpotMeta{
	Tokens: []SpotToken{{Name: "USDC", Index: 0}, {Name: "PURR", Index: 1}, {Name: "HYPE", Index: 150}, {Name: "UBTC", Index: 197}},
	Universe: []SpotPair{
		{Name: "PURR/USDC", Tokens: []int{1, 0}, Index: 0},
		{Name: "@107", Tokens: []int{150, 0}, Index: 107},
		{Name: "@142", Tokens: []int{197, 0}, Index: 142},
		{Name: "@300", Tokens: []int{999, 0}, Index: 300},
	},
}

func TestSpotIndexResolve(t *testing.T) {
	x := NewSpotIndex("", time.Second)
	if n := x.Update(testSpotMeta); n != 3 {
		t.Fatalf("expected 3 mapped pairs, got %d", n)
	}
	tests := []struct {
		in   string
		want string
	}{
		{"@107", "HYPE"},
		{" @142 ", "UBTC"},
		{"@0", "PURR"},
		{"PURR/USDC", "PURR"},
		{"purr/usdc", "PURR"},
		{"@300", "@300"},
		{"@9999", "@9999"},
		{"ETH", "ETH"},
		{"KPEPE", "KPEPE"},
		{"FOO/USDC", "FOO"},
	}
	for _, tt := range tests {
		if got := x.Resolve(tt.in); got != tt.want {
			t.Errorf("Resolve(%q)=%q want %q", tt.in, got, tt.want)
		}
	}

	var unset *SpotIndex
	if got := unset.Resolve("@107"); got != "@107" {
		t.Fatalf("nil index should leave coins unchanged, got %q", got)
	}
}

func TestSpotIndexRefresh(t *testing.T) {
	var requested string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		requested = body["type"]
		_ = json.NewEncoder(w).Encode(testSpotMeta)
	}))
	defer srv.Close()

	x := NewSpotIndex(srv.URL, time.Second)
	if err := x.Run(context.Background(), 0); err != nil {
		t.Fatalf("run: %v", err)
	}
	if requested != "spotMeta" {
		t.Fatalf("unexpected request type %q", requested)
	}
	if x.Len() != 4 || x.Resolve("@107") != "HYPE" {
		t.Fatalf("table not loaded: len=%d", x.Len())
	}
}

func TestSpotIndexRefreshKeepsTableOnFailure(t *testing.T) {
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(SpotMeta{})
	}))
	defer srv.Close()

	x := NewSpotIndex(srv.URL, time.Second)
	x.Update(testSpotMeta)

	if err := x.Refresh(context.Background()); err == nil {
		t.Fatal("expected an error for an empty listing")
	}
	failing.Store(true)
	if err := x.Refresh(context.Background()); err == nil {
		t.Fatal("expected an error for a failed request")
	}
	if x.Resolve("@107") != "HYPE" {
		t.Fatal("failed refresh must keep the previous table")
	}
}
