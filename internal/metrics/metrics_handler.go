package metrics

import (
	"sync"
	"time"

	"walletwatch/logger"
)

// Kind tells consumers how to aggregate a Metric.
type Kind string

const (
	KindCounter Kind = "counter"
	KindGauge   Kind = "gauge"
)

// Metric is one emitted measurement, fanned out to registered handlers.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     float64
	Kind      Kind
	Fields    logger.Fields
}

type MetricHandler func(Metric)

// MetricHandlerID identifies a registration; zero is never issued.
type MetricHandlerID uint64

// hub fans metrics out to subscribers. Handlers run on the emitting
// goroutine and must not block.
type hub struct {
	mu       sync.RWMutex
	handlers map[MetricHandlerID]MetricHandler
	lastID   MetricHandlerID
}

var defaultHub = &hub{handlers: map[MetricHandlerID]MetricHandler{}}

func (h *hub) subscribe(fn MetricHandler) MetricHandlerID {
	if fn == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastID++
	h.handlers[h.lastID] = fn
	return h.lastID
}

func (h *hub) unsubscribe(id MetricHandlerID) {
	h.mu.Lock()
	delete(h.handlers, id)
	h.mu.Unlock()
}

func (h *hub) publish(m Metric) {
	h.mu.RLock()
	fns := make([]MetricHandler, 0, len(h.handlers))
	for _, fn := range h.handlers {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(m)
	}
}

// RegisterMetricHandler subscribes handler to every emitted metric. A nil
// handler is ignored and yields id 0.
func RegisterMetricHandler(handler MetricHandler) MetricHandlerID {
	return defaultHub.subscribe(handler)
}

func UnregisterMetricHandler(id MetricHandlerID) {
	if id != 0 {
		defaultHub.unsubscribe(id)
	}
}

// EmitMetric logs the metric at debug, hands it to registered handlers and
// publishes it to CloudWatch when configured. Metrics without a name are
// dropped; an empty kind means counter. fields is copied, never modified.
func EmitMetric(log *logger.Log, component, name string, value float64, kind Kind, fields logger.Fields) {
	if name == "" {
		return
	}
	if kind == "" {
		kind = KindCounter
	}
	if log == nil {
		log = logger.GetLogger()
	}

	m := Metric{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Kind:      kind,
		Fields:    make(logger.Fields, len(fields)),
	}
	for k, v := range fields {
		m.Fields[k] = v
	}

	log.WithComponent(component).WithFields(m.Fields).WithFields(logger.Fields{
		"metric":      name,
		"metric_type": string(kind),
		"value":       value,
	}).Debug("metric")

	defaultHub.publish(m)
	logger.PublishMetric(component, name, value, m.Fields)
}
