package metrics

import "sync/atomic"

// Counter names as they appear in logs, reports and Prometheus.
const (
	GroupsOpened     = "groups_opened"
	GroupsSealed     = "groups_sealed"
	AlertsEmitted    = "alerts_emitted"
	AlertsSuppressed = "alerts_suppressed"
	EventsDropped    = "events_dropped"
	EventsDuplicate  = "events_duplicate"
	BelowThreshold   = "below_threshold"
	AlertsDropped    = "alerts_dropped"
	DispatchFailures = "dispatch_failures"
	AlertsDelivered  = "alerts_delivered"
)

// CounterNames lists every pipeline counter in report order.
var CounterNames = []string{
	GroupsOpened, GroupsSealed, AlertsEmitted, AlertsSuppressed, EventsDropped,
	EventsDuplicate, BelowThreshold, AlertsDropped, DispatchFailures, AlertsDelivered,
}

// Counters holds the observable pipeline counters. All methods are safe for
// concurrent use; a nil *Counters ignores increments.
type Counters struct {
	groupsOpened     atomic.Int64
	groupsSealed     atomic.Int64
	alertsEmitted    atomic.Int64
	alertsSuppressed atomic.Int64
	eventsDropped    atomic.Int64
	eventsDuplicate  atomic.Int64
	belowThreshold   atomic.Int64
	alertsDropped    atomic.Int64
	dispatchFailures atomic.Int64
	alertsDelivered  atomic.Int64
}

func NewCounters() *Counters { return &Counters{} }

func (c *Counters) field(name string) *atomic.Int64 {
	if c == nil {
		return nil
	}
	switch name {
	case GroupsOpened:
		return &c.groupsOpened
	case GroupsSealed:
		return &c.groupsSealed
	case AlertsEmitted:
		return &c.alertsEmitted
	case AlertsSuppressed:
		return &c.alertsSuppressed
	case EventsDropped:
		return &c.eventsDropped
	case EventsDuplicate:
		return &c.eventsDuplicate
	case BelowThreshold:
		return &c.belowThreshold
	case AlertsDropped:
		return &c.alertsDropped
	case DispatchFailures:
		return &c.dispatchFailures
	case AlertsDelivered:
		return &c.alertsDelivered
	}
	return nil
}

// Inc increments the named counter. Unknown names are ignored.
func (c *Counters) Inc(name string) {
	if f := c.field(name); f != nil {
		f.Add(1)
	}
}

// Get returns the current value of the named counter.
func (c *Counters) Get(name string) int64 {
	if f := c.field(name); f != nil {
		return f.Load()
	}
	return 0
}

// Snapshot returns every counter by name.
func (c *Counters) Snapshot() map[string]int64 {
	out := make(map[string]int64, len(CounterNames))
	for _, name := range CounterNames {
		out[name] = c.Get(name)
	}
	return out
}
