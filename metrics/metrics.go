// Package metrics exposes store statistics and workload latency to
// Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/weiihann/splitstress/latency"
	"github.com/weiihann/splitstress/store"
)

const namespace = "splitstress"

// StatsSource provides store statistics on demand.
type StatsSource interface {
	Stats() store.Stats
}

// Metrics owns a private registry so several runs in one process do not
// collide.
type Metrics struct {
	registry *prometheus.Registry
	ops      *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// New registers the workload metrics and, if src is non-nil, a collector that
// reads store statistics at scrape time.
func New(src StatsSource) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Completed workload operations",
		}, []string{"op"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of completed workload operations",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 2, 24),
		}, []string{"op"}),
	}

	m.registry.MustRegister(m.ops, m.latency)
	if src != nil {
		m.registry.MustRegister(newStoreCollector(src))
	}

	return m
}

// Observe records one sample. It is meant to be passed to
// latency.NewRecorder.
func (m *Metrics) Observe(s latency.Sample) {
	op := string(s.Op)
	m.ops.WithLabelValues(op).Inc()
	m.latency.WithLabelValues(op).Observe(s.Duration().Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

type storeMetric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(store.Stats) float64
}

// storeCollector takes one Stats snapshot per scrape.
type storeCollector struct {
	src     StatsSource
	metrics []storeMetric
}

func newStoreCollector(src StatsSource) *storeCollector {
	counter := func(name, help string, v func(store.Stats) uint64) storeMetric {
		return storeMetric{
			desc: prometheus.NewDesc(prometheus.BuildFQName(namespace, "store", name), help, nil, nil),
			kind: prometheus.CounterValue,
			value: func(st store.Stats) float64 {
				return float64(v(st))
			},
		}
	}
	gauge := func(name, help string, v func(store.Stats) float64) storeMetric {
		return storeMetric{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "store", name), help, nil, nil),
			kind:  prometheus.GaugeValue,
			value: v,
		}
	}

	return &storeCollector{
		src: src,
		metrics: []storeMetric{
			counter("inserts_total", "New keys inserted",
				func(st store.Stats) uint64 { return st.Inserts }),
			counter("updates_total", "Existing keys overwritten",
				func(st store.Stats) uint64 { return st.Updates }),
			counter("leaf_splits_total", "Leaf page splits",
				func(st store.Stats) uint64 { return st.LeafSplits }),
			counter("internal_splits_total", "Internal page splits",
				func(st store.Stats) uint64 { return st.InternalSplits }),
			counter("root_splits_total", "Root splits that added a level",
				func(st store.Stats) uint64 { return st.RootSplits }),
			counter("deepens_total", "Multi-way root splits",
				func(st store.Stats) uint64 { return st.Deepens }),
			counter("restarts_total", "Inserts retried with exclusive latches",
				func(st store.Stats) uint64 { return st.Restarts }),
			counter("evictions_total", "Leaves evicted from the cache",
				func(st store.Stats) uint64 { return st.Evictions }),
			counter("page_reads_total", "Evicted leaves read back",
				func(st store.Stats) uint64 { return st.PageReads }),
			counter("page_writes_total", "Leaves written to the page file",
				func(st store.Stats) uint64 { return st.PageWrites }),
			counter("log_records_total", "Write-ahead log records",
				func(st store.Stats) uint64 { return st.LogRecords }),
			counter("capacity_errors_total", "Inserts rejected for a full cache",
				func(st store.Stats) uint64 { return st.CapacityErrors }),
			gauge("entries", "Distinct keys stored",
				func(st store.Stats) float64 { return float64(st.Entries) }),
			gauge("cache_bytes", "Bytes of resident pages",
				func(st store.Stats) float64 { return float64(st.CacheBytes) }),
			gauge("cache_capacity_bytes", "Configured cache size",
				func(st store.Stats) float64 { return float64(st.CacheCapacity) }),
			gauge("leaf_pages", "Leaf pages",
				func(st store.Stats) float64 { return float64(st.LeafPages) }),
			gauge("internal_pages", "Internal pages",
				func(st store.Stats) float64 { return float64(st.InternalPages) }),
			gauge("height", "Tree height",
				func(st store.Stats) float64 { return float64(st.Height) }),
			gauge("leaf_fill_ratio", "Average leaf fill with statistics=all",
				func(st store.Stats) float64 { return st.LeafFill }),
		},
	}
}

func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Stats()
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(st))
	}
}

// Since is a convenience for timing code that does not go through a
// latency.Recorder.
func (m *Metrics) Since(op latency.Op, start time.Time) {
	m.Observe(latency.Sample{Op: op, Start: start, End: time.Now()})
}
