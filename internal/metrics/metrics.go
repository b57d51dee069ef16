// Registers:
//
//	#walletwatch_<counter>_total for every pipeline counter
//	#walletwatch_dispatch_total{sender,result}
//	#go_* and process_* system metrics
//
// The registry is served on /metrics by the dashboard server.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "walletwatch"

var (
	dispatchOnce  sync.Once
	dispatchTotal *prometheus.CounterVec
)

// Registry wraps a Prometheus registry populated from pipeline counters.
type Registry struct {
	reg *prometheus.Registry
}

// NewRegistry registers the counters, the dispatch counter vector and the
// runtime collectors on a fresh registry.
func NewRegistry(c *Counters) (*Registry, error) {
	reg := prometheus.NewRegistry()
	for _, name := range CounterNames {
		name := name
		cf := prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name + "_total",
			Help:      "Pipeline counter " + name,
		}, func() float64 { return float64(c.Get(name)) })
		if err := reg.Register(cf); err != nil {
			return nil, err
		}
	}
	if err := reg.Register(dispatchCounter()); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}
	return &Registry{reg: reg}, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests and embedding.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func dispatchCounter() *prometheus.CounterVec {
	dispatchOnce.Do(func() {
		dispatchTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_total",
				Help:      "Alert deliveries per sender and result",
			},
			[]string{"sender", "result"},
		)
	})
	return dispatchTotal
}

// IncrementDispatch counts one delivery attempt outcome for a sender.
func IncrementDispatch(sender, result string) {
	dispatchCounter().WithLabelValues(sender, result).Inc()
}
