package models

import (
	"strings"
	"time"
)

// Action is the kind of wallet activity carried by an Event.
type Action string

const (
	ActionOrderPlaced    Action = "order_placed"
	ActionOrderUpdate    Action = "order_update"
	ActionFill           Action = "fill"
	ActionCancel         Action = "cancel"
	ActionLiquidation    Action = "liquidation"
	ActionPositionUpdate Action = "position_update"
)

// ActionClass groups actions that may be merged into one aggregation.
type ActionClass string

const (
	ClassOrder       ActionClass = "order"
	ClassFill        ActionClass = "fill"
	ClassLiquidation ActionClass = "liquidation"
	ClassPosition    ActionClass = "position"
)

// Class maps an action to its aggregation class. Unknown actions form their
// own class.
func (a Action) Class() ActionClass {
	switch a {
	case ActionOrderPlaced, ActionOrderUpdate, ActionCancel:
		return ClassOrder
	case ActionFill:
		return ClassFill
	case ActionLiquidation:
		return ClassLiquidation
	case ActionPositionUpdate:
		return ClassPosition
	default:
		return ActionClass(a)
	}
}

// Side is the trade direction of an event.
type Side string

const (
	SideBuy     Side = "buy"
	SideSell    Side = "sell"
	SideUnknown Side = "unknown"
)

// ParseSide normalises the side codes used by exchanges (B/A, BID/ASK, ...).
func ParseSide(raw string) Side {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "B", "BUY", "BID", "LONG":
		return SideBuy
	case "A", "S", "SELL", "ASK", "SHORT":
		return SideSell
	default:
		return SideUnknown
	}
}

// Event is one normalised wallet/market occurrence with a resolved USD notional.
// Events are treated as immutable once created.
type Event struct {
	ID            string    `json:"id"`
	WalletAddress string    `json:"wallet_address"`
	WalletLabel   string    `json:"wallet_label,omitempty"`
	AssetSymbol   string    `json:"asset_symbol"`
	Action        Action    `json:"action"`
	Side          Side      `json:"side,omitempty"`
	Status        string    `json:"status,omitempty"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price"`
	USDValue      float64   `json:"usd_value"`
	Timestamp     time.Time `json:"timestamp"`
	RawReference  string    `json:"raw_reference,omitempty"`
}

// Key derives the aggregation key of the event.
func (e Event) Key() AggregationKey {
	return NewAggregationKey(e.WalletAddress, e.AssetSymbol, e.Action.Class())
}

// AggregationKey defines which events may merge into one group.
type AggregationKey struct {
	Wallet string      `json:"wallet"`
	Asset  string      `json:"asset"`
	Class  ActionClass `json:"class"`
}

// NewAggregationKey builds a key with wallet lower-cased and asset upper-cased
// so that feed casing differences do not split groups.
func NewAggregationKey(wallet, asset string, class ActionClass) AggregationKey {
	return AggregationKey{
		Wallet: strings.ToLower(strings.TrimSpace(wallet)),
		Asset:  strings.ToUpper(strings.TrimSpace(asset)),
		Class:  class,
	}
}

func (k AggregationKey) String() string {
	return k.Wallet + "|" + k.Asset + "|" + string(k.Class)
}
