package reassembly

import "github.com/prometheus/client_golang/prometheus"

// Collector exports the engine counters and table occupancy to Prometheus.
type Collector struct {
	r         *Reassembler
	events    *prometheus.Desc
	contexts  *prometheus.Desc
	fragments *prometheus.Desc
}

// NewCollector returns a collector for r.
func NewCollector(r *Reassembler, constLabels prometheus.Labels) *Collector {
	return &Collector{
		r: r,
		events: prometheus.NewDesc(
			"frag6_reassembly_events_total",
			"IPv6 reassembly events by outcome.",
			[]string{"event"}, constLabels,
		),
		contexts: prometheus.NewDesc(
			"frag6_reassembly_contexts",
			"Datagrams currently under reassembly.",
			nil, constLabels,
		),
		fragments: prometheus.NewDesc(
			"frag6_reassembly_fragments",
			"Fragments currently queued for reassembly.",
			nil, constLabels,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.events
	ch <- c.contexts
	ch <- c.fragments
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, ev := range Events() {
		ch <- prometheus.MustNewConstMetric(c.events, prometheus.CounterValue, float64(c.r.stats.Load(ev)), ev.String())
	}
	ch <- prometheus.MustNewConstMetric(c.contexts, prometheus.GaugeValue, float64(c.r.Contexts()))
	ch <- prometheus.MustNewConstMetric(c.fragments, prometheus.GaugeValue, float64(c.r.Fragments()))
}
