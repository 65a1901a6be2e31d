// Package metrics exports weighted tracker state to Prometheus.
package metrics

import (
	"io"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/wudi/weightedsocket/weighted"
)

// Source is the read side of a tracker. *weighted.Tracker satisfies it.
type Source interface {
	Name() string
	Availability() float64
	Snapshot() weighted.State
}

// Collector gathers per-connection gauges from registered trackers at
// scrape time. It only reads Snapshot, so scraping never decays an estimate.
type Collector struct {
	mu      sync.RWMutex
	sources map[string]Source

	pending      *prometheus.Desc
	estimate     *prometheus.Desc
	busy         *prometheus.Desc
	availability *prometheus.Desc
}

// NewCollector creates a collector whose metric names start with namespace.
func NewCollector(namespace string) *Collector {
	labels := []string{"conn"}
	return &Collector{
		sources: make(map[string]Source),
		pending: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "pending_requests"),
			"Requests submitted on the connection and not yet terminated.",
			labels, nil),
		estimate: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "latency_estimate_seconds"),
			"Current streaming latency estimate of the connection.",
			labels, nil),
		busy: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "busy_seconds"),
			"Concurrency-time integral of requests still in flight, as of the last event.",
			labels, nil),
		availability: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "availability"),
			"Health reported by the underlying connection, 0 to 1.",
			labels, nil),
	}
}

// Add registers s under its name, replacing any source with the same name.
func (c *Collector) Add(s Source) {
	c.mu.Lock()
	c.sources[s.Name()] = s
	c.mu.Unlock()
}

// Remove unregisters the source with the given name.
func (c *Collector) Remove(name string) {
	c.mu.Lock()
	delete(c.sources, name)
	c.mu.Unlock()
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pending
	ch <- c.estimate
	ch <- c.busy
	ch <- c.availability
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	names := make([]string, 0, len(c.sources))
	for name := range c.sources {
		names = append(names, name)
	}
	sources := c.sources
	sort.Strings(names)
	snapshot := make([]Source, len(names))
	for i, name := range names {
		snapshot[i] = sources[name]
	}
	c.mu.RUnlock()

	for _, s := range snapshot {
		st := s.Snapshot()
		name := s.Name()
		ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(st.Outstanding), name)
		ch <- prometheus.MustNewConstMetric(c.estimate, prometheus.GaugeValue, st.Estimate.Seconds(), name)
		ch <- prometheus.MustNewConstMetric(c.busy, prometheus.GaugeValue, st.BusyTime.Seconds(), name)
		ch <- prometheus.MustNewConstMetric(c.availability, prometheus.GaugeValue, s.Availability(), name)
	}
}

// WriteText writes everything g gathers in the Prometheus text format.
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
