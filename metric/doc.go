// Package metric wraps a Prometheus registry for duplexbus components.
//
// A nil *MetricsRegistry means metrics are disabled; constructors that accept one
// skip registration in that case. Components register their collectors under a
// component name so duplicate registration is reported instead of panicking.
package metric
