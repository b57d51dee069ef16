package notifier

import "time"

// deduper remembers alert ids for a TTL. Expired entries are evicted in
// insertion order. Not safe for concurrent use; the dispatch loop owns it.
type deduper struct {
	ttl  time.Duration
	m    map[string]time.Time // id -> expiry
	q    []dedupItem
	head int
}

type dedupItem struct {
	id     string
	expiry time.Time
}

func newDeduper(ttl time.Duration) *deduper {
	return &deduper{ttl: ttl, m: make(map[string]time.Time)}
}

// seenOrAdd returns true if id was recorded and has not expired at now.
// Otherwise it records id.
func (d *deduper) seenOrAdd(id string, now time.Time) bool {
	if d.ttl <= 0 || id == "" {
		return false
	}
	if exp, ok := d.m[id]; ok && !now.After(exp) {
		return true
	}
	exp := now.Add(d.ttl)
	d.m[id] = exp
	d.q = append(d.q, dedupItem{id: id, expiry: exp})
	return false
}

func (d *deduper) evict(now time.Time) {
	for d.head < len(d.q) {
		it := d.q[d.head]
		if !now.After(it.expiry) {
			break
		}
		// only delete if the map still points at this entry
		if exp, ok := d.m[it.id]; ok && exp.Equal(it.expiry) {
			delete(d.m, it.id)
		}
		d.head++
	}

	if d.head > 1024 && d.head*2 > len(d.q) {
		q := make([]dedupItem, 0, len(d.q)-d.head)
		q = append(q, d.q[d.head:]...)
		d.q = q
		d.head = 0
	}
}

func (d *deduper) len() int { return len(d.m) }
