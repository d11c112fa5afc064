package query

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of a Cache.
type Metrics struct {
	Requests      *prometheus.CounterVec
	Fetches       *prometheus.CounterVec
	Deduplicated  prometheus.Counter
	Invalidations prometheus.Counter
	Evictions     prometheus.Counter
}

// NewMetrics creates and registers the cache metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "masomo",
			Subsystem: "query_cache",
			Name:      "requests_total",
			Help:      "Cache reads by outcome (hit, stale, miss, placeholder, disabled).",
		}, []string{"scope", "outcome"}),
		Fetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "masomo",
			Subsystem: "query_cache",
			Name:      "fetches_total",
			Help:      "Fetches issued to the remote API by result.",
		}, []string{"scope", "result"}),
		Deduplicated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "masomo",
			Subsystem: "query_cache",
			Name:      "deduplicated_total",
			Help:      "Reads that attached to an in-flight fetch.",
		}),
		Invalidations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "masomo",
			Subsystem: "query_cache",
			Name:      "invalidated_entries_total",
			Help:      "Entries marked invalid by mutations.",
		}),
		Evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "masomo",
			Subsystem: "query_cache",
			Name:      "evictions_total",
			Help:      "Unused entries removed by the janitor.",
		}),
	}
}

func (m *Metrics) request(scope, outcome string) {
	if m != nil {
		m.Requests.WithLabelValues(scope, outcome).Inc()
	}
}

func (m *Metrics) fetch(scope string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.Fetches.WithLabelValues(scope, result).Inc()
}

func (m *Metrics) dedup() {
	if m != nil {
		m.Deduplicated.Inc()
	}
}

func (m *Metrics) invalidated(n int) {
	if m != nil {
		m.Invalidations.Add(float64(n))
	}
}

func (m *Metrics) evicted(n int) {
	if m != nil {
		m.Evictions.Add(float64(n))
	}
}
