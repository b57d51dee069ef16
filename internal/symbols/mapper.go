// Package symbols maps exchange listing symbols onto the asset symbols used
// by the wallet feed.
package symbols

import "strings"

// ToAsset converts an exchange listing such as ETHUSDT, XBT-USDTM or
// 1000PEPEUSDT into the feed's asset symbol (ETH, BTC, KPEPE). The second
// result is false when the listing is not quoted in quote.
// Supported exchanges: binance, bybit, kucoin, coinbase, kraken, okx.
func ToAsset(exchange, sym, quote string) (string, bool) {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	quote = strings.ToUpper(quote)

	switch strings.ToLower(exchange) {
	case "coinbase":
		sym = strings.ReplaceAll(sym, "-", "")
	case "kraken":
		sym = strings.ReplaceAll(sym, "/", "")
		sym = strings.ReplaceAll(sym, "-", "")
	case "kucoin":
		sym = strings.ReplaceAll(sym, "-", "")
		sym = strings.TrimSuffix(sym, "M")
	case "okx":
		sym = strings.TrimSuffix(sym, "-SWAP")
		sym = strings.ReplaceAll(sym, "-", "")
	default:
		// binance and bybit already list BASEQUOTE
	}

	if quote == "" || !strings.HasSuffix(sym, quote) || len(sym) == len(quote) {
		return "", false
	}
	base := strings.TrimSuffix(sym, quote)

	if strings.HasPrefix(base, "XBT") {
		base = "BTC" + base[3:]
	}
	// contracts on 1000 units are listed as kPEPE on the wallet side
	switch {
	case strings.HasPrefix(base, "1000") && len(base) > 4:
		base = "K" + base[4:]
	case strings.HasSuffix(base, "1000") && len(base) > 4:
		base = "K" + strings.TrimSuffix(base, "1000")
	}
	return base, true
}
