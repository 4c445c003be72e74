package worker

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Counter names, as reported in metrics and logs.
const (
	CounterHits             = "cacheHits"
	CounterMisses           = "cacheMisses"
	CounterNetworkFallbacks = "networkFallbacks"
	CounterErrors           = "errors"
)

// Counters accumulate for the lifetime of one worker and are never reset.
type Counters struct {
	hits      atomic.Uint64
	misses    atomic.Uint64
	fallbacks atomic.Uint64
	errors    atomic.Uint64

	every   uint64
	sink    *Metrics
	version string
}

func newCounters(every int, sink *Metrics, version string) *Counters {
	return &Counters{
		every:   uint64(every),
		sink:    sink,
		version: version,
	}
}

// Track bumps counter and, when the number of lookups reaches a multiple of
// the report interval, returns a snapshot to broadcast.
func (c *Counters) Track(counter string) (Performance, bool) {
	switch counter {
	case CounterHits:
		c.hits.Add(1)
	case CounterMisses:
		c.misses.Add(1)
	case CounterNetworkFallbacks:
		c.fallbacks.Add(1)
	case CounterErrors:
		c.errors.Add(1)
	default:
		return Performance{}, false
	}
	if c.sink != nil {
		c.sink.events.WithLabelValues(c.version, counter).Inc()
	}

	if counter != CounterHits && counter != CounterMisses {
		return Performance{}, false
	}
	snap := c.Snapshot()
	lookups := snap.CacheHits + snap.CacheMisses
	if c.every == 0 || lookups%c.every != 0 {
		return Performance{}, false
	}
	return snap, true
}

func (c *Counters) Snapshot() Performance {
	p := Performance{
		CacheHits:        c.hits.Load(),
		CacheMisses:      c.misses.Load(),
		NetworkFallbacks: c.fallbacks.Load(),
		Errors:           c.errors.Load(),
	}
	if total := p.CacheHits + p.CacheMisses; total > 0 {
		p.HitRate = float64(p.CacheHits) / float64(total)
	}
	return p
}

// Metrics exports worker activity to Prometheus, labelled by worker version.
type Metrics struct {
	Registry *prometheus.Registry

	events    *prometheus.CounterVec
	routes    *prometheus.CounterVec
	evictions *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vtedge",
			Subsystem: "worker",
			Name:      "events_total",
			Help:      "Cache hits, misses, network fallbacks and errors.",
		}, []string{"version", "counter"}),
		routes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vtedge",
			Subsystem: "worker",
			Name:      "fetches_total",
			Help:      "Fetch events by the route that handled them.",
		}, []string{"version", "route"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vtedge",
			Subsystem: "worker",
			Name:      "evictions_total",
			Help:      "Entries deleted by limit enforcement.",
		}, []string{"version", "namespace"}),
	}
	reg.MustRegister(m.events, m.routes, m.evictions)
	return m
}

func (m *Metrics) route(version, route string) {
	if m != nil {
		m.routes.WithLabelValues(version, route).Inc()
	}
}

func (m *Metrics) evicted(version, namespace string, n int) {
	if m != nil && n > 0 {
		m.evictions.WithLabelValues(version, namespace).Add(float64(n))
	}
}
