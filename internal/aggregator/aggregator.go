package aggregator

import (
	"errors"
	"math"
	"sort"
	"time"

	"walletwatch/models"
)

// ErrDuplicate is returned when an event id is already a member of the open
// group for its key, or of a group for that key sealed less than two windows
// ago. The event is ignored.
var ErrDuplicate = errors.New("aggregator: duplicate event")

// sealedIDTTLWindows is how many windows ids of a sealed group are remembered.
const sealedIDTTLWindows = 2

type memberID struct {
	key models.AggregationKey
	id  string
}

type openGroup struct {
	group *models.AggregatedGroup
	ids   map[string]struct{}
}

// Aggregator folds events into groups per AggregationKey. It is not safe for
// concurrent use: each pipeline shard owns exactly one Aggregator and calls
// Ingest, Sweep and Flush from a single goroutine.
type Aggregator struct {
	window time.Duration
	open   map[models.AggregationKey]*openGroup
	sealed map[memberID]time.Time

	onOpen func(models.AggregationKey)
	onSeal func(models.SealedGroup)
}

// New returns an aggregator that keeps a group open while consecutive events
// arrive no more than window apart.
func New(window time.Duration) (*Aggregator, error) {
	if window <= 0 {
		return nil, &models.ConfigurationError{Field: "pipeline.aggregation_window", Reason: "must be greater than 0"}
	}
	return &Aggregator{
		window: window,
		open:   make(map[models.AggregationKey]*openGroup),
		sealed: make(map[memberID]time.Time),
	}, nil
}

// OnOpen registers a callback invoked whenever a new group is opened.
func (a *Aggregator) OnOpen(fn func(models.AggregationKey)) { a.onOpen = fn }

// OnSeal registers a callback invoked for every sealed group.
func (a *Aggregator) OnSeal(fn func(models.SealedGroup)) { a.onSeal = fn }

// Window returns the aggregation window.
func (a *Aggregator) Window() time.Duration { return a.window }

// Open returns the number of open groups.
func (a *Aggregator) Open() int { return len(a.open) }

// Remembered returns the number of sealed-group ids still checked for
// duplicates.
func (a *Aggregator) Remembered() int { return len(a.sealed) }

func (a *Aggregator) ttl() time.Duration { return sealedIDTTLWindows * a.window }

// Ingest adds ev to the open group for its key. When the existing group's
// window has elapsed it is sealed and returned, and ev seeds a new group.
// Events with a non-positive or non-finite usd_value are rejected with a
// *models.DataQualityError and leave all groups untouched.
func (a *Aggregator) Ingest(ev models.Event, now time.Time) (*models.SealedGroup, error) {
	if err := validate(ev); err != nil {
		return nil, err
	}

	key := ev.Key()
	if ev.ID != "" {
		if at, dup := a.sealed[memberID{key, ev.ID}]; dup && now.Sub(at) <= a.ttl() {
			return nil, ErrDuplicate
		}
	}
	og, ok := a.open[key]
	if ok && now.Sub(og.group.LastSeen) <= a.window {
		if ev.ID != "" {
			if _, dup := og.ids[ev.ID]; dup {
				return nil, ErrDuplicate
			}
			og.ids[ev.ID] = struct{}{}
		}
		og.group.Append(ev, now)
		return nil, nil
	}

	var sealed *models.SealedGroup
	if ok {
		s := a.seal(key, og, now)
		sealed = &s
	}
	a.start(key, ev, now)
	return sealed, nil
}

// Sweep seals every open group whose last event is older than the window and
// forgets expired ids of sealed groups. Groups are returned in first-seen
// order.
func (a *Aggregator) Sweep(now time.Time) []models.SealedGroup {
	for m, at := range a.sealed {
		if now.Sub(at) > a.ttl() {
			delete(a.sealed, m)
		}
	}
	var expired []models.AggregationKey
	for key, og := range a.open {
		if now.Sub(og.group.LastSeen) > a.window {
			expired = append(expired, key)
		}
	}
	return a.sealKeys(expired, now)
}

// Flush seals every open group regardless of age. Used on shutdown.
func (a *Aggregator) Flush(now time.Time) []models.SealedGroup {
	keys := make([]models.AggregationKey, 0, len(a.open))
	for key := range a.open {
		keys = append(keys, key)
	}
	return a.sealKeys(keys, now)
}

func (a *Aggregator) sealKeys(keys []models.AggregationKey, now time.Time) []models.SealedGroup {
	if len(keys) == 0 {
		return nil
	}
	sort.Slice(keys, func(i, j int) bool {
		gi, gj := a.open[keys[i]].group, a.open[keys[j]].group
		if !gi.FirstSeen.Equal(gj.FirstSeen) {
			return gi.FirstSeen.Before(gj.FirstSeen)
		}
		return keys[i].String() < keys[j].String()
	})
	out := make([]models.SealedGroup, 0, len(keys))
	for _, key := range keys {
		out = append(out, a.seal(key, a.open[key], now))
	}
	return out
}

func (a *Aggregator) start(key models.AggregationKey, ev models.Event, now time.Time) {
	og := &openGroup{group: models.NewGroup(ev, now), ids: make(map[string]struct{})}
	if ev.ID != "" {
		og.ids[ev.ID] = struct{}{}
	}
	a.open[key] = og
	if a.onOpen != nil {
		a.onOpen(key)
	}
}

func (a *Aggregator) seal(key models.AggregationKey, og *openGroup, now time.Time) models.SealedGroup {
	delete(a.open, key)
	for id := range og.ids {
		a.sealed[memberID{key, id}] = now
	}
	sealed := og.group.Seal(now)
	if a.onSeal != nil {
		a.onSeal(sealed)
	}
	return sealed
}

func validate(ev models.Event) error {
	switch {
	case math.IsNaN(ev.USDValue) || math.IsInf(ev.USDValue, 0):
		return &models.DataQualityError{EventID: ev.ID, Reason: "usd_value is not finite"}
	case ev.USDValue <= 0:
		return &models.DataQualityError{EventID: ev.ID, Reason: "usd_value must be positive"}
	case ev.WalletAddress == "":
		return &models.DataQualityError{EventID: ev.ID, Reason: "missing wallet address"}
	case ev.AssetSymbol == "":
		return &models.DataQualityError{EventID: ev.ID, Reason: "missing asset symbol"}
	}
	return nil
}
