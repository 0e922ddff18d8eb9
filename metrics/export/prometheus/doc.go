// Package prometheus exposes gate metrics as a prometheus.Collector.
//
// [NewPrometheusExporter] wraps a [sockauth.Gate]. Counters are published as
// sockauth_*_total, the admission latency as the native histogram
// sockauth_admit_latency_seconds. The exporter never registers with the
// global registry; use [PrometheusExporter.Handler] or register the
// exporter with a registry of your own.
package prometheus
