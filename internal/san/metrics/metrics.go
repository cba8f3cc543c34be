// Package metrics exposes sanitizer counters as Prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so components take one
// unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "slabsan"

// Metrics groups the collectors of one sanitizer runtime.
type Metrics struct {
	Allocs            prometheus.Counter
	Frees             prometheus.Counter
	QuarantineBytes   prometheus.Gauge
	QuarantineObjects prometheus.Gauge
	QuarantineEvicted prometheus.Counter
	QuarantineReduces prometheus.Counter
	Reports           *prometheus.CounterVec
	MetadataDisabled  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg when reg is not
// nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Allocs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "allocations_total",
			Help: "Objects handed out through the sanitizer.",
		}),
		Frees: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frees_total",
			Help: "Objects freed through the sanitizer. Refused invalid and double frees are counted as reports instead.",
		}),
		QuarantineBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "quarantine", Name: "bytes",
			Help: "Bytes currently held in quarantine.",
		}),
		QuarantineObjects: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "quarantine", Name: "objects",
			Help: "Objects currently held in quarantine.",
		}),
		QuarantineEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "quarantine", Name: "evicted_total",
			Help: "Objects released from quarantine back to the allocator.",
		}),
		QuarantineReduces: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "quarantine", Name: "reduces_total",
			Help: "Opportunistic quarantine reductions that evicted a batch.",
		}),
		Reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reports_total",
			Help: "Memory safety violations detected, by kind.",
		}, []string{"kind"}),
		MetadataDisabled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "metadata_disabled_total",
			Help: "Caches whose metadata did not fit the allocation ceiling, by record kind.",
		}, []string{"record"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Allocs, m.Frees,
		m.QuarantineBytes, m.QuarantineObjects, m.QuarantineEvicted, m.QuarantineReduces,
		m.Reports, m.MetadataDisabled,
	}
}

// Unregister removes the collectors from reg.
func (m *Metrics) Unregister(reg prometheus.Registerer) {
	if m == nil || reg == nil {
		return
	}
	for _, c := range m.collectors() {
		reg.Unregister(c)
	}
}

// Alloc counts one allocation.
func (m *Metrics) Alloc() {
	if m != nil {
		m.Allocs.Inc()
	}
}

// Free counts one free.
func (m *Metrics) Free() {
	if m != nil {
		m.Frees.Inc()
	}
}

// Report counts one violation of kind.
func (m *Metrics) Report(kind string) {
	if m != nil {
		m.Reports.WithLabelValues(kind).Inc()
	}
}

// Disabled counts one dropped metadata record kind ("alloc" or "free").
func (m *Metrics) Disabled(record string) {
	if m != nil {
		m.MetadataDisabled.WithLabelValues(record).Inc()
	}
}

// Quarantine publishes the current quarantine occupancy.
func (m *Metrics) Quarantine(bytes int64, objects int) {
	if m != nil {
		m.QuarantineBytes.Set(float64(bytes))
		m.QuarantineObjects.Set(float64(objects))
	}
}

// Evicted counts n objects released from quarantine.
func (m *Metrics) Evicted(n int) {
	if m != nil && n > 0 {
		m.QuarantineEvicted.Add(float64(n))
	}
}

// Reduced counts one productive quarantine reduction.
func (m *Metrics) Reduced() {
	if m != nil {
		m.QuarantineReduces.Inc()
	}
}
