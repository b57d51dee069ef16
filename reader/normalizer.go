package reader

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	appconfig "walletwatch/config"
	"walletwatch/logger"
	"walletwatch/models"
)

// PriceCorrector replaces implausible feed prices with a reference price.
type PriceCorrector interface {
	Correct(asset string, price float64) (float64, bool)
}

// CoinResolver maps feed coin identifiers, such as Hyperliquid spot "@107",
// to asset symbols.
type CoinResolver interface {
	Resolve(coin string) string
}

// Normalizer turns feed records into Events: it filters by watchlist,
// attaches wallet labels, corrects prices and computes the USD value.
type Normalizer struct {
	watchlist *appconfig.Watchlist
	prices    PriceCorrector
	coins     CoinResolver
	log       *logger.Log

	corrected atomic.Int64
	filtered  atomic.Int64
	resolved  atomic.Int64
}

// NewNormalizer accepts a nil watchlist (keep everything) and a nil price
// corrector (trust feed prices).
func NewNormalizer(watchlist *appconfig.Watchlist, prices PriceCorrector) *Normalizer {
	return &Normalizer{watchlist: watchlist, prices: prices, log: logger.GetLogger()}
}

// UseCoinResolver sets the resolver applied to every asset symbol. Call it
// before the normalizer is shared with a reader.
func (n *Normalizer) UseCoinResolver(r CoinResolver) {
	n.coins = r
}

// Normalize applies the watchlist, label and price correction to ev. The
// second result is false when the event is not watched.
func (n *Normalizer) Normalize(ev models.Event) (models.Event, bool) {
	ev.WalletAddress = strings.ToLower(strings.TrimSpace(ev.WalletAddress))
	ev.AssetSymbol = strings.TrimSpace(ev.AssetSymbol)
	if n.coins != nil {
		if asset := n.coins.Resolve(ev.AssetSymbol); asset != ev.AssetSymbol {
			n.resolved.Add(1)
			ev.AssetSymbol = asset
		}
	}
	ev.AssetSymbol = strings.ToUpper(ev.AssetSymbol)

	if !n.watchlist.Watches(ev.WalletAddress, ev.AssetSymbol) {
		n.filtered.Add(1)
		return ev, false
	}
	if ev.WalletLabel == "" {
		ev.WalletLabel = n.watchlist.Label(ev.WalletAddress)
	}

	if n.prices != nil && ev.Quantity > 0 {
		if price, ok := n.prices.Correct(ev.AssetSymbol, ev.Price); ok {
			n.corrected.Add(1)
			n.log.WithComponent("normalizer").WithFields(logger.Fields{
				"asset":      ev.AssetSymbol,
				"feed_price": ev.Price,
				"reference":  price,
				"event_id":   ev.ID,
			}).Debug("price corrected from reference")
			ev.Price = price
		}
	}
	if ev.Quantity > 0 && ev.Price > 0 {
		ev.USDValue = ev.Quantity * ev.Price
	}
	return ev, true
}

func (n *Normalizer) fromFill(wallet string, f hlFill) (models.Event, error) {
	id := fillID(f)
	px, sz, err := parseAmounts(id, f.Px, f.Sz)
	if err != nil {
		return models.Event{}, err
	}
	action := models.ActionFill
	if f.isLiquidation() {
		action = models.ActionLiquidation
	}
	return models.Event{
		ID:            id,
		WalletAddress: wallet,
		AssetSymbol:   f.Coin,
		Action:        action,
		Side:          models.ParseSide(f.Side),
		Status:        f.Dir,
		Quantity:      sz,
		Price:         px,
		Timestamp:     fromMillis(f.Time),
		RawReference:  f.Hash,
	}, nil
}

func (n *Normalizer) fromOrderUpdate(wallet string, u hlOrderUpdate) (models.Event, error) {
	id := orderID(u)
	size := u.Order.Sz
	// a filled or canceled order reports the remaining size
	if u.Order.OrigSz != "" && u.Status != "open" {
		size = u.Order.OrigSz
	}
	px, sz, err := parseAmounts(id, u.Order.LimitPx, size)
	if err != nil {
		return models.Event{}, err
	}
	ts := u.StatusTimestamp
	if ts == 0 {
		ts = u.Order.Timestamp
	}
	return models.Event{
		ID:            id,
		WalletAddress: wallet,
		AssetSymbol:   u.Order.Coin,
		Action:        orderAction(u.Status),
		Side:          models.ParseSide(u.Order.Side),
		Status:        strings.ToUpper(u.Status),
		Quantity:      sz,
		Price:         px,
		Timestamp:     fromMillis(ts),
		RawReference:  strconv.FormatInt(u.Order.Oid, 10),
	}, nil
}

func orderAction(status string) models.Action {
	s := strings.ToLower(status)
	switch {
	case s == "open":
		return models.ActionOrderPlaced
	case strings.HasSuffix(s, "canceled") || strings.HasSuffix(s, "cancelled") || strings.HasSuffix(s, "rejected"):
		return models.ActionCancel
	default:
		return models.ActionOrderUpdate
	}
}

func parseAmounts(id, px, sz string) (float64, float64, error) {
	price, err := strconv.ParseFloat(strings.TrimSpace(px), 64)
	if err != nil {
		return 0, 0, &models.DataQualityError{EventID: id, Reason: "unparsable price " + strconv.Quote(px)}
	}
	size, err := strconv.ParseFloat(strings.TrimSpace(sz), 64)
	if err != nil {
		return 0, 0, &models.DataQualityError{EventID: id, Reason: "unparsable size " + strconv.Quote(sz)}
	}
	return price, size, nil
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Stats reports normalizer counters for the runtime report.
func (n *Normalizer) Stats() map[string]int64 {
	return map[string]int64{
		"prices_corrected": n.corrected.Load(),
		"events_filtered":  n.filtered.Load(),
		"coins_resolved":   n.resolved.Load(),
	}
}
