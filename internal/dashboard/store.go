package dashboard

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"walletwatch/internal/metrics"
)

const defaultHistory = 200

// ring keeps the last limit items pushed into it.
type ring[T any] struct {
	mu    sync.RWMutex
	items []T
	next  int
	full  bool
}

func newRing[T any](limit int) *ring[T] {
	if limit <= 0 {
		limit = defaultHistory
	}
	return &ring[T]{items: make([]T, limit)}
}

func (r *ring[T]) push(v T) {
	r.mu.Lock()
	r.items[r.next] = v
	r.next = (r.next + 1) % len(r.items)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// filter returns the retained items oldest first. A nil keep returns all.
func (r *ring[T]) filter(keep func(T) bool) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, start := r.next, 0
	if r.full {
		n, start = len(r.items), r.next
	}
	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		v := r.items[(start+i)%len(r.items)]
		if keep == nil || keep(v) {
			out = append(out, v)
		}
	}
	return out
}

func (r *ring[T]) latest() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var zero T
	if !r.full && r.next == 0 {
		return zero, false
	}
	return r.items[(r.next-1+len(r.items))%len(r.items)], true
}

// metricStore keeps the most recent metric events for /api/metrics.
type metricStore struct {
	*ring[metrics.Metric]
}

func newMetricStore(limit int) *metricStore {
	return &metricStore{newRing[metrics.Metric](limit)}
}

func (s *metricStore) handle(m metrics.Metric) { s.push(m) }

// query filters by component and metric name; empty values match everything.
func (s *metricStore) query(component, name string) []metrics.Metric {
	return s.filter(func(m metrics.Metric) bool {
		return (component == "" || m.Component == component) && (name == "" || m.Name == name)
	})
}

// logRecord is a captured log line.
type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Wallet    string                 `json:"wallet,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// logStore is a logrus hook keeping recent info-and-above entries. Entries
// that carry a wallet field can be looked up per wallet.
type logStore struct {
	*ring[logRecord]
	closed atomic.Bool
}

func newLogStore(limit int) *logStore {
	return &logStore{ring: newRing[logRecord](limit)}
}

func (s *logStore) Levels() []logrus.Level {
	return logrus.AllLevels[:logrus.InfoLevel+1]
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if s.closed.Load() {
		return nil
	}

	record := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}
	for k, v := range entry.Data {
		switch k {
		case "component":
			record.Component, _ = v.(string)
			continue
		case "wallet":
			record.Wallet, _ = v.(string)
			continue
		}
		if record.Fields == nil {
			record.Fields = make(map[string]interface{}, len(entry.Data))
		}
		switch val := v.(type) {
		case error:
			record.Fields[k] = val.Error()
		case fmt.Stringer:
			record.Fields[k] = val.String()
		default:
			record.Fields[k] = val
		}
	}

	s.push(record)
	return nil
}

// query filters by component, minimum level and wallet.
func (s *logStore) query(component string, minLevel logrus.Level, wallet string) []logRecord {
	return s.filter(func(r logRecord) bool {
		if component != "" && r.Component != component {
			return false
		}
		if wallet != "" && r.Wallet != wallet {
			return false
		}
		lvl, err := logrus.ParseLevel(r.Level)
		return err != nil || lvl <= minLevel
	})
}

func (s *logStore) close() { s.closed.Store(true) }
