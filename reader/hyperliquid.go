package reader

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	channelUserFills    = "userFills"
	channelOrderUpdates = "orderUpdates"
)

// wsMessage is the envelope of every Hyperliquid websocket push.
type wsMessage struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type wsSubscribe struct {
	Method       string         `json:"method"`
	Subscription wsSubscription `json:"subscription"`
}

type wsSubscription struct {
	Type string `json:"type"`
	User string `json:"user"`
}

type userFillsData struct {
	User       string   `json:"user"`
	IsSnapshot bool     `json:"isSnapshot"`
	Fills      []hlFill `json:"fills"`
}

type hlFill struct {
	Coin        string          `json:"coin"`
	Px          string          `json:"px"`
	Sz          string          `json:"sz"`
	Side        string          `json:"side"`
	Time        int64           `json:"time"`
	Dir         string          `json:"dir"`
	Hash        string          `json:"hash"`
	Oid         int64           `json:"oid"`
	Tid         int64           `json:"tid"`
	Liquidation json.RawMessage `json:"liquidation,omitempty"`
}

type hlOrderUpdate struct {
	Order           hlOrder `json:"order"`
	Status          string  `json:"status"`
	StatusTimestamp int64   `json:"statusTimestamp"`
}

type hlOrder struct {
	Coin      string `json:"coin"`
	Side      string `json:"side"`
	LimitPx   string `json:"limitPx"`
	Sz        string `json:"sz"`
	OrigSz    string `json:"origSz"`
	Oid       int64  `json:"oid"`
	Timestamp int64  `json:"timestamp"`
}

func subscriptions(wallet string) []wsSubscribe {
	return []wsSubscribe{
		{Method: "subscribe", Subscription: wsSubscription{Type: channelUserFills, User: wallet}},
		{Method: "subscribe", Subscription: wsSubscription{Type: channelOrderUpdates, User: wallet}},
	}
}

// fillID identifies a fill across redelivery.
func fillID(f hlFill) string {
	return fmt.Sprintf("fill:%s:%d", f.Hash, f.Tid)
}

func orderID(u hlOrderUpdate) string {
	return fmt.Sprintf("order:%d:%s", u.Order.Oid, strings.ToLower(u.Status))
}

// isLiquidation reports whether the fill carries liquidation details.
func (f hlFill) isLiquidation() bool {
	s := strings.TrimSpace(string(f.Liquidation))
	return s != "" && s != "null"
}
