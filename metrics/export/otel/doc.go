// Package otel publishes gate metrics through an OpenTelemetry Meter.
//
// [NewOTelExporter] registers one Int64ObservableCounter per gate counter and
// one Int64ObservableGauge per latency bucket, all fed by a single callback
// that reads the gate snapshot on each collection. Callers own the
// MeterProvider.
package otel
