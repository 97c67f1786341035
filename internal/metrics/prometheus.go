package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const eventsTotalName = "livestream_signaling_events_total"

// Collector exposes a Metrics registry as a single Prometheus counter family
// with an `event` label. Gauges can be attached for values that are read at
// scrape time (connection state, viewer count).
type Collector struct {
	m      *Metrics
	events *prometheus.Desc
	gauges []gauge
}

type gauge struct {
	desc *prometheus.Desc
	read func() float64
}

// NewCollector exports m's counters to Prometheus.
func NewCollector(m *Metrics) *Collector {
	return &Collector{
		m: m,
		events: prometheus.NewDesc(
			eventsTotalName,
			"Internal event counters.",
			[]string{"event"},
			nil,
		),
	}
}

// AddGauge registers a gauge that is evaluated on every scrape. It must be
// called before the collector is registered.
func (c *Collector) AddGauge(name, help string, read func() float64) {
	c.gauges = append(c.gauges, gauge{
		desc: prometheus.NewDesc(name, help, nil, nil),
		read: read,
	})
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.events
	for _, g := range c.gauges {
		ch <- g.desc
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for name, v := range c.m.Snapshot() {
		ch <- prometheus.MustNewConstMetric(c.events, prometheus.CounterValue, float64(v), name)
	}
	for _, g := range c.gauges {
		ch <- prometheus.MustNewConstMetric(g.desc, prometheus.GaugeValue, g.read())
	}
}

// Handler serves the collector together with the Go runtime and process
// collectors from a private registry.
func Handler(c *Collector) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
