package symbols

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"walletwatch/logger"
)

// SpotMeta is the body of a Hyperliquid {"type":"spotMeta"} info request.
type SpotMeta struct {
	Tokens   []SpotToken `json:"tokens"`
	Universe []SpotPair  `json:"universe"`
}

type SpotToken struct {
	Name  string `json:"name"`
	Index int    `json:"index"`
}

// SpotPair lists a market by its token indices, base first. Fills on the
// market report the coin as "@<Index>", except for the few pairs that keep a
// canonical Name such as PURR/USDC.
type SpotPair struct {
	Name   string `json:"name"`
	Tokens []int  `json:"tokens"`
	Index  int    `json:"index"`
}

// SpotIndex resolves spot coin identifiers to base token names. Safe for
// concurrent use; the zero value and a nil index resolve nothing.
type SpotIndex struct {
	url    string
	client *http.Client
	log    *logger.Log

	mu      sync.RWMutex
	names   map[string]string
	updated time.Time
}

func NewSpotIndex(infoURL string, timeout time.Duration) *SpotIndex {
	return &SpotIndex{
		url:    infoURL,
		client: &http.Client{Timeout: timeout},
		log:    logger.GetLogger(),
		names:  map[string]string{},
	}
}

// Resolve returns the base token for "@107" or "PURR/USDC" style coins.
// Perp coins and unknown indices come back unchanged.
func (x *SpotIndex) Resolve(coin string) string {
	coin = strings.TrimSpace(coin)
	if x != nil {
		x.mu.RLock()
		name, ok := x.names[strings.ToUpper(coin)]
		x.mu.RUnlock()
		if ok {
			return name
		}
	}
	if !strings.HasPrefix(coin, "@") {
		if base, _, ok := strings.Cut(coin, "/"); ok && base != "" {
			return base
		}
	}
	return coin
}

// Update replaces the table with the pairs in meta and returns how many
// pairs were mapped. Pairs whose base token is missing are skipped.
func (x *SpotIndex) Update(meta SpotMeta) int {
	tokens := make(map[int]string, len(meta.Tokens))
	for _, t := range meta.Tokens {
		if name := strings.TrimSpace(t.Name); name != "" {
			tokens[t.Index] = name
		}
	}

	names := make(map[string]string, 2*len(meta.Universe))
	mapped := 0
	for _, p := range meta.Universe {
		if len(p.Tokens) == 0 {
			continue
		}
		base, ok := tokens[p.Tokens[0]]
		if !ok {
			continue
		}
		names["@"+strconv.Itoa(p.Index)] = base
		if p.Name != "" && !strings.HasPrefix(p.Name, "@") {
			names[strings.ToUpper(p.Name)] = base
		}
		mapped++
	}

	x.mu.Lock()
	x.names = names
	x.updated = time.Now()
	x.mu.Unlock()
	return mapped
}

func (x *SpotIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.names)
}

// Refresh fetches spotMeta and rebuilds the table. An empty listing keeps the
// previous table.
func (x *SpotIndex) Refresh(ctx context.Context) error {
	start := time.Now()
	meta, err := FetchSpotMeta(ctx, x.client, x.url)
	if err != nil {
		return err
	}
	if len(meta.Universe) == 0 {
		return fmt.Errorf("spotMeta returned no markets")
	}
	n := x.Update(meta)
	logger.LogPerformanceEntry(x.log.WithComponent("symbols"), "symbols", "spot_refresh", time.Since(start), logger.Fields{"pairs": n, "tokens": len(meta.Tokens)})
	return nil
}

// Run refreshes once, then on every interval until ctx is done. A zero
// interval refreshes only once. Failed refreshes keep the previous table.
func (x *SpotIndex) Run(ctx context.Context, interval time.Duration) error {
	log := x.log.WithComponent("symbols")
	if err := x.Refresh(ctx); err != nil {
		log.WithError(err).Warn("initial spot index refresh failed, spot coins stay as @index")
	}
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := x.Refresh(ctx); err != nil {
				log.WithError(err).Warn("spot index refresh failed")
			}
		}
	}
}

// FetchSpotMeta posts a spotMeta request to a Hyperliquid info endpoint.
func FetchSpotMeta(ctx context.Context, client *http.Client, infoURL string) (SpotMeta, error) {
	var meta SpotMeta
	body, err := json.Marshal(map[string]string{"type": "spotMeta"})
	if err != nil {
		return meta, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, infoURL, bytes.NewReader(body))
	if err != nil {
		return meta, fmt.Errorf("build spotMeta request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return meta, fmt.Errorf("spotMeta request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return meta, fmt.Errorf("spotMeta request: unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return meta, fmt.Errorf("decode spotMeta: %w", err)
	}
	return meta, nil
}
