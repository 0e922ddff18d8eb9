package prometheus

import (
	"net/http"

	"github.com/MrEthical07/sockauth"
	"github.com/MrEthical07/sockauth/metrics/export/internaldefs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsSource interface {
	MetricsSnapshot() sockauth.MetricsSnapshot
	AuditDropped() uint64
}

// PrometheusExporter collects gate snapshots on every scrape.
type PrometheusExporter struct {
	source      metricsSource
	counters    []*prometheus.Desc
	histograms  []*prometheus.Desc
	dropped     *prometheus.Desc
	connections *prometheus.Desc
	connCount   func() int
}

var _ prometheus.Collector = (*PrometheusExporter)(nil)

// NewPrometheusExporter creates an exporter reading from gate.
func NewPrometheusExporter(gate *sockauth.Gate) *PrometheusExporter {
	return NewPrometheusExporterFromSource(gate)
}

// NewPrometheusExporterFromSource creates an exporter over any snapshot source.
func NewPrometheusExporterFromSource(source metricsSource) *PrometheusExporter {
	e := &PrometheusExporter{
		source: source,
		dropped: prometheus.NewDesc("sockauth_audit_dropped_total",
			"Dropped audit events due to dispatcher backpressure.", nil, nil),
	}
	for _, def := range internaldefs.CounterDefs {
		e.counters = append(e.counters, prometheus.NewDesc(def.Name, def.Help, nil, nil))
	}
	for _, def := range internaldefs.HistogramDefs {
		e.histograms = append(e.histograms, prometheus.NewDesc(def.Name, def.Help, nil, nil))
	}
	return e
}

// WithConnectionGauge publishes count() as sockauth_connections_open.
func (p *PrometheusExporter) WithConnectionGauge(count func() int) *PrometheusExporter {
	p.connCount = count
	p.connections = prometheus.NewDesc("sockauth_connections_open", "Open channel connections.", nil, nil)
	return p
}

func (p *PrometheusExporter) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range p.counters {
		ch <- d
	}
	for _, d := range p.histograms {
		ch <- d
	}
	ch <- p.dropped
	if p.connections != nil {
		ch <- p.connections
	}
}

func (p *PrometheusExporter) Collect(ch chan<- prometheus.Metric) {
	if p == nil || p.source == nil {
		return
	}
	snapshot := p.source.MetricsSnapshot()

	for i, def := range internaldefs.CounterDefs {
		ch <- prometheus.MustNewConstMetric(p.counters[i], prometheus.CounterValue, float64(snapshot.Counters[def.ID]))
	}

	for i, def := range internaldefs.HistogramDefs {
		raw, ok := snapshot.Histograms[def.ID]
		if !ok {
			continue
		}
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(raw))
		buckets := make(map[float64]uint64, len(internaldefs.HistogramUpperBounds))
		for j, le := range internaldefs.HistogramUpperBounds {
			buckets[le] = cumulative[j]
		}
		// Snapshots carry no sum.
		ch <- prometheus.MustNewConstHistogram(p.histograms[i], cumulative[len(cumulative)-1], 0, buckets)
	}

	ch <- prometheus.MustNewConstMetric(p.dropped, prometheus.CounterValue, float64(p.source.AuditDropped()))

	if p.connections != nil && p.connCount != nil {
		ch <- prometheus.MustNewConstMetric(p.connections, prometheus.GaugeValue, float64(p.connCount()))
	}
}

// Handler serves the exporter from a private registry.
func (p *PrometheusExporter) Handler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(p)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
