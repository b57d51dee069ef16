// Package pricing keeps a reference price per asset used to sanity-check
// prices reported by the feed.
package pricing

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"

	appconfig "walletwatch/config"
	"walletwatch/internal/symbols"
	"walletwatch/logger"
)

// Source returns current prices keyed by upper-case asset symbol.
type Source interface {
	Prices(ctx context.Context) (map[string]float64, error)
}

// BinanceSource lists Binance USD-M futures prices keyed by feed asset
// symbol (ETHUSDT -> ETH, 1000PEPEUSDT -> KPEPE).
type BinanceSource struct {
	client *futures.Client
	suffix string
}

func NewBinanceSource(cfg appconfig.PricingConfig, timeout time.Duration) *BinanceSource {
	client := futures.NewClient("", "")
	client.HTTPClient = &http.Client{Timeout: timeout}
	if cfg.Endpoint != "" {
		client.SetApiEndpoint(strings.TrimRight(cfg.Endpoint, "/"))
	}
	suffix := cfg.QuoteSuffix
	if suffix == "" {
		suffix = "USDT"
	}
	return &BinanceSource{client: client, suffix: strings.ToUpper(suffix)}
}

func (s *BinanceSource) Prices(ctx context.Context) (map[string]float64, error) {
	list, err := s.client.NewListPricesService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("list futures prices: %w", err)
	}
	out := make(map[string]float64, len(list))
	for _, p := range list {
		asset, ok := symbols.ToAsset("binance", p.Symbol, s.suffix)
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(p.Price, 64)
		if err != nil || v <= 0 {
			continue
		}
		out[asset] = v
	}
	return out, nil
}

// Cache holds the latest reference prices. Safe for concurrent use.
type Cache struct {
	source       Source
	refresh      time.Duration
	maxDeviation float64
	log          *logger.Log

	mu      sync.RWMutex
	prices  map[string]float64
	updated time.Time
	now     func() time.Time
}

func NewCache(source Source, refresh time.Duration, maxDeviation float64) *Cache {
	return &Cache{
		source:       source,
		refresh:      refresh,
		maxDeviation: maxDeviation,
		log:          logger.GetLogger(),
		prices:       map[string]float64{},
		now:          time.Now,
	}
}

// Refresh replaces the cached prices with a fresh listing.
func (c *Cache) Refresh(ctx context.Context) error {
	start := time.Now()
	prices, err := c.source.Prices(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.prices = prices
	c.updated = c.now()
	c.mu.Unlock()

	logger.LogPerformanceEntry(c.log.WithComponent("pricing"), "pricing", "refresh", time.Since(start), logger.Fields{"assets": len(prices)})
	return nil
}

// Run refreshes on every interval until ctx is done. Failed refreshes keep
// the previous prices.
func (c *Cache) Run(ctx context.Context) error {
	log := c.log.WithComponent("pricing")
	if err := c.Refresh(ctx); err != nil {
		log.WithError(err).Warn("initial price refresh failed")
	}

	ticker := time.NewTicker(c.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				log.WithError(err).Warn("price refresh failed")
			}
		}
	}
}

// Price returns the reference price of an asset. Prices older than five
// refresh intervals are treated as unknown.
func (c *Cache) Price(asset string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.updated.IsZero() || (c.refresh > 0 && c.now().Sub(c.updated) > 5*c.refresh) {
		return 0, false
	}
	p, ok := c.prices[strings.ToUpper(asset)]
	return p, ok
}

// Correct returns the reference price when price is missing or off by more
// than the configured ratio in either direction. The second result reports
// whether a replacement happened.
func (c *Cache) Correct(asset string, price float64) (float64, bool) {
	ref, ok := c.Price(asset)
	if !ok {
		return price, false
	}
	if price <= 0 {
		return ref, true
	}
	if c.maxDeviation > 1 {
		ratio := price / ref
		if ratio > c.maxDeviation || ratio < 1/c.maxDeviation {
			return ref, true
		}
	}
	return price, false
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.prices)
}
