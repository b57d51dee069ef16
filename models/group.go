package models

import (
	"sort"
	"time"
)

// AggregatedGroup collects related events for one AggregationKey while its
// window is open. Only the aggregator mutates it.
type AggregatedGroup struct {
	Key           AggregationKey
	Members       []Event
	FirstSeen     time.Time
	LastSeen      time.Time
	TotalUSDValue float64
}

// NewGroup opens a group seeded with ev.
func NewGroup(ev Event, now time.Time) *AggregatedGroup {
	return &AggregatedGroup{
		Key:           ev.Key(),
		Members:       []Event{ev},
		FirstSeen:     now,
		LastSeen:      now,
		TotalUSDValue: ev.USDValue,
	}
}

// Append adds ev to the group and advances LastSeen.
func (g *AggregatedGroup) Append(ev Event, now time.Time) {
	g.Members = append(g.Members, ev)
	g.TotalUSDValue += ev.USDValue
	if now.After(g.LastSeen) {
		g.LastSeen = now
	}
}

// Seal freezes the group. The returned value shares nothing mutable with g.
func (g *AggregatedGroup) Seal(at time.Time) SealedGroup {
	members := make([]Event, len(g.Members))
	copy(members, g.Members)

	var total float64
	for _, m := range members {
		total += m.USDValue
	}

	return SealedGroup{
		Key:           g.Key,
		Members:       members,
		FirstSeen:     g.FirstSeen,
		LastSeen:      g.LastSeen,
		SealedAt:      at,
		TotalUSDValue: total,
		MemberCount:   len(members),
	}
}

// SealedGroup is an immutable snapshot of a closed aggregation.
type SealedGroup struct {
	Key           AggregationKey `json:"key"`
	Members       []Event        `json:"members"`
	FirstSeen     time.Time      `json:"first_seen"`
	LastSeen      time.Time      `json:"last_seen"`
	SealedAt      time.Time      `json:"sealed_at"`
	TotalUSDValue float64        `json:"total_usd_value"`
	MemberCount   int            `json:"member_count"`
}

// IsMulti reports whether the group produces a multi-event summary.
func (g SealedGroup) IsMulti() bool {
	return g.MemberCount > 1
}

// First returns the first member in insertion order.
func (g SealedGroup) First() Event {
	if len(g.Members) == 0 {
		return Event{}
	}
	return g.Members[0]
}

// Latest returns the last member in insertion order.
func (g SealedGroup) Latest() Event {
	if len(g.Members) == 0 {
		return Event{}
	}
	return g.Members[len(g.Members)-1]
}

// TotalQuantity sums member quantities.
func (g SealedGroup) TotalQuantity() float64 {
	var q float64
	for _, m := range g.Members {
		q += m.Quantity
	}
	return q
}

// AveragePrice is the USD-weighted average price across members.
func (g SealedGroup) AveragePrice() float64 {
	q := g.TotalQuantity()
	if q <= 0 {
		return g.Latest().Price
	}
	return g.TotalUSDValue / q
}

// ActionCount is one line of a multi-event breakdown.
type ActionCount struct {
	Action   Action  `json:"action"`
	Count    int     `json:"count"`
	USDValue float64 `json:"usd_value"`
}

// Breakdown counts members per action, ordered by first appearance.
func (g SealedGroup) Breakdown() []ActionCount {
	index := make(map[Action]int)
	var out []ActionCount
	for _, m := range g.Members {
		i, ok := index[m.Action]
		if !ok {
			i = len(out)
			index[m.Action] = i
			out = append(out, ActionCount{Action: m.Action})
		}
		out[i].Count++
		out[i].USDValue += m.USDValue
	}
	return out
}

// Sides returns the distinct sides seen in the group, sorted.
func (g SealedGroup) Sides() []Side {
	seen := make(map[Side]struct{})
	for _, m := range g.Members {
		if m.Side == "" {
			continue
		}
		seen[m.Side] = struct{}{}
	}
	out := make([]Side, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
