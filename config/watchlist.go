package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"walletwatch/models"
)

// WatchedWallet is one wallet the feed reader subscribes to.
type WatchedWallet struct {
	Address string   `yaml:"address"`
	Label   string   `yaml:"label"`
	Assets  []string `yaml:"assets"`
}

// Watchlist is the set of wallets to monitor, keyed by lower-cased address.
type Watchlist struct {
	Wallets []WatchedWallet `yaml:"wallets"`

	byAddress map[string]WatchedWallet
}

// LoadWatchlist loads the wallet list from the given path. Addresses are
// lower-cased and duplicates are rejected.
func LoadWatchlist(path string) (*Watchlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read watchlist file: %w", err)
	}
	var wl Watchlist
	if err := yaml.Unmarshal(data, &wl); err != nil {
		return nil, fmt.Errorf("failed to parse watchlist file: %w", err)
	}
	if err := wl.index(); err != nil {
		return nil, err
	}
	return &wl, nil
}

// NewWatchlist builds a watchlist from wallets already in memory.
func NewWatchlist(wallets ...WatchedWallet) (*Watchlist, error) {
	wl := &Watchlist{Wallets: wallets}
	if err := wl.index(); err != nil {
		return nil, err
	}
	return wl, nil
}

func (w *Watchlist) index() error {
	w.byAddress = make(map[string]WatchedWallet, len(w.Wallets))
	for i := range w.Wallets {
		addr := strings.ToLower(strings.TrimSpace(w.Wallets[i].Address))
		if !isWalletAddress(addr) {
			return &models.ConfigurationError{
				Field:  fmt.Sprintf("watchlist.wallets[%d].address", i),
				Reason: fmt.Sprintf("'%s' is not a 0x-prefixed 20 byte address", w.Wallets[i].Address),
			}
		}
		if _, dup := w.byAddress[addr]; dup {
			return &models.ConfigurationError{
				Field:  fmt.Sprintf("watchlist.wallets[%d].address", i),
				Reason: fmt.Sprintf("duplicate address '%s'", addr),
			}
		}
		w.Wallets[i].Address = addr
		for j, a := range w.Wallets[i].Assets {
			w.Wallets[i].Assets[j] = strings.ToUpper(strings.TrimSpace(a))
		}
		w.byAddress[addr] = w.Wallets[i]
	}
	return nil
}

func isWalletAddress(addr string) bool {
	if len(addr) != 42 || !strings.HasPrefix(addr, "0x") {
		return false
	}
	for _, c := range addr[2:] {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// Len returns the number of watched wallets.
func (w *Watchlist) Len() int {
	if w == nil {
		return 0
	}
	return len(w.Wallets)
}

// Addresses returns the watched addresses in sorted order.
func (w *Watchlist) Addresses() []string {
	if w == nil {
		return nil
	}
	out := make([]string, 0, len(w.byAddress))
	for addr := range w.byAddress {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// Label returns the configured label for a wallet, or "" if none.
func (w *Watchlist) Label(address string) string {
	if w == nil {
		return ""
	}
	return w.byAddress[strings.ToLower(address)].Label
}

// Watches reports whether events for the wallet and asset should be kept. A
// wallet without an asset filter watches every asset.
func (w *Watchlist) Watches(address, asset string) bool {
	if w == nil {
		return true
	}
	wallet, ok := w.byAddress[strings.ToLower(address)]
	if !ok {
		return false
	}
	if len(wallet.Assets) == 0 {
		return true
	}
	asset = strings.ToUpper(asset)
	for _, a := range wallet.Assets {
		if a == asset {
			return true
		}
	}
	return false
}
