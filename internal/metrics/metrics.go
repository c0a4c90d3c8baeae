// Package metrics defines the generic counter/timer plumbing every other
// package reports through, plus a no-op sink for tests and a Prometheus
// sink for real deployments. Shrunk from the teacher's dozens of
// domain-specific promauto vectors (tracing/metrics.go) down to the
// generic MetricSink shape spec.md calls for, with a concrete vector set
// for ingest rate, queue depth, transitive-query latency, snapshot
// write latency/failures, and watchdog restarts.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counter is an incrementable named metric.
type Counter interface {
	Inc()
	Add(delta float64)
}

// Timer records observed durations.
type Timer interface {
	Observe(d time.Duration)
}

// Gauge is a settable named metric, used for queue depth.
type Gauge interface {
	Set(v float64)
}

// Sink is the generic plumbing interface every component reports through,
// so the core ingestion/traversal code never imports Prometheus directly.
type Sink interface {
	Counter(name string) Counter
	Timer(name string) Timer
	Gauge(name string) Gauge
}

// --- NoopSink ---

// NoopSink discards everything; used by tests and any caller that does
// not want metrics wiring.
type NoopSink struct{}

func (NoopSink) Counter(string) Counter { return noopCounter{} }
func (NoopSink) Timer(string) Timer     { return noopTimer{} }
func (NoopSink) Gauge(string) Gauge     { return noopGauge{} }

type noopCounter struct{}

func (noopCounter) Inc()            {}
func (noopCounter) Add(float64)     {}

type noopTimer struct{}

func (noopTimer) Observe(time.Duration) {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

// --- PrometheusSink ---

// PrometheusSink registers a fixed set of promauto vectors under
// namespace and hands out labeled children by metric name. Names not in
// the fixed set fall back to a lazily-registered generic vector, so a
// caller can still report an ad hoc counter without panicking.
type PrometheusSink struct {
	registry *prometheus.Registry

	ingestTotal      *prometheus.CounterVec
	queueDepth       *prometheus.GaugeVec
	transitiveLatency *prometheus.HistogramVec
	snapshotLatency  *prometheus.HistogramVec
	snapshotFailures *prometheus.CounterVec
	watchdogRestarts *prometheus.CounterVec

	genericCounters map[string]*prometheus.CounterVec
	genericGauges   map[string]*prometheus.GaugeVec
	genericTimers   map[string]*prometheus.HistogramVec
}

// NewPrometheusSink registers its vectors against registry under
// namespace, mirroring tracing/metrics.go's NewMetrics(namespace)
// constructor shape.
func NewPrometheusSink(namespace string, registry *prometheus.Registry) *PrometheusSink {
	factory := promauto.With(registry)
	return &PrometheusSink{
		registry: registry,
		ingestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_records_total",
			Help:      "Records applied to the store, by source.",
		}, []string{"source"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_queue_depth",
			Help:      "Current depth of a feed's bounded output queue.",
		}, []string{"feed"}),
		transitiveLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transitive_query_duration_seconds",
			Help:      "Latency of transitive membership queries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"query"}),
		snapshotLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_write_duration_seconds",
			Help:      "Latency of snapshot writes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
		snapshotFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_write_failures_total",
			Help:      "Snapshot writes that failed.",
		}, []string{"reason"}),
		watchdogRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_restarts_total",
			Help:      "Pipeline restarts triggered by the watchdog.",
		}, []string{"reason"}),
		genericCounters: make(map[string]*prometheus.CounterVec),
		genericGauges:   make(map[string]*prometheus.GaugeVec),
		genericTimers:   make(map[string]*prometheus.HistogramVec),
	}
}

func (s *PrometheusSink) Counter(name string) Counter {
	switch name {
	case "ingest_records_total":
		return labeledCounter{s.ingestTotal, "unknown"}
	case "snapshot_write_failures_total":
		return labeledCounter{s.snapshotFailures, "unknown"}
	case "watchdog_restarts_total":
		return labeledCounter{s.watchdogRestarts, "unknown"}
	default:
		return labeledCounter{s.genericCounterVec(name), "unknown"}
	}
}

// CounterWithLabel exposes the label dimension tracing/metrics.go's
// RecordX helpers rely on, for callers that know their label up front
// (e.g. the ingest source, or a watchdog restart reason).
func (s *PrometheusSink) CounterWithLabel(name, label string) Counter {
	switch name {
	case "ingest_records_total":
		return labeledCounter{s.ingestTotal, label}
	case "snapshot_write_failures_total":
		return labeledCounter{s.snapshotFailures, label}
	case "watchdog_restarts_total":
		return labeledCounter{s.watchdogRestarts, label}
	default:
		return labeledCounter{s.genericCounterVec(name), label}
	}
}

func (s *PrometheusSink) Timer(name string) Timer {
	switch name {
	case "transitive_query_duration_seconds":
		return labeledTimer{s.transitiveLatency, "unknown"}
	case "snapshot_write_duration_seconds":
		return labeledTimer{s.snapshotLatency, "unknown"}
	default:
		return labeledTimer{s.genericTimerVec(name), "unknown"}
	}
}

func (s *PrometheusSink) TimerWithLabel(name, label string) Timer {
	switch name {
	case "transitive_query_duration_seconds":
		return labeledTimer{s.transitiveLatency, label}
	case "snapshot_write_duration_seconds":
		return labeledTimer{s.snapshotLatency, label}
	default:
		return labeledTimer{s.genericTimerVec(name), label}
	}
}

func (s *PrometheusSink) Gauge(name string) Gauge {
	if name == "feed_queue_depth" {
		return labeledGauge{s.queueDepth, "unknown"}
	}
	return labeledGauge{s.genericGaugeVec(name), "unknown"}
}

func (s *PrometheusSink) GaugeWithLabel(name, label string) Gauge {
	if name == "feed_queue_depth" {
		return labeledGauge{s.queueDepth, label}
	}
	return labeledGauge{s.genericGaugeVec(name), label}
}

func (s *PrometheusSink) genericCounterVec(name string) *prometheus.CounterVec {
	if v, ok := s.genericCounters[name]; ok {
		return v
	}
	v := promauto.With(s.registry).NewCounterVec(prometheus.CounterOpts{
		Name: name,
		Help: "Generic counter: " + name,
	}, []string{"label"})
	s.genericCounters[name] = v
	return v
}

func (s *PrometheusSink) genericGaugeVec(name string) *prometheus.GaugeVec {
	if v, ok := s.genericGauges[name]; ok {
		return v
	}
	v := promauto.With(s.registry).NewGaugeVec(prometheus.GaugeOpts{
		Name: name,
		Help: "Generic gauge: " + name,
	}, []string{"label"})
	s.genericGauges[name] = v
	return v
}

func (s *PrometheusSink) genericTimerVec(name string) *prometheus.HistogramVec {
	if v, ok := s.genericTimers[name]; ok {
		return v
	}
	v := promauto.With(s.registry).NewHistogramVec(prometheus.HistogramOpts{
		Name:    name,
		Help:    "Generic timer: " + name,
		Buckets: prometheus.DefBuckets,
	}, []string{"label"})
	s.genericTimers[name] = v
	return v
}

type labeledCounter struct {
	vec   *prometheus.CounterVec
	label string
}

func (c labeledCounter) Inc()               { c.vec.WithLabelValues(c.label).Inc() }
func (c labeledCounter) Add(delta float64)  { c.vec.WithLabelValues(c.label).Add(delta) }

type labeledTimer struct {
	vec   *prometheus.HistogramVec
	label string
}

func (t labeledTimer) Observe(d time.Duration) {
	t.vec.WithLabelValues(t.label).Observe(d.Seconds())
}

type labeledGauge struct {
	vec   *prometheus.GaugeVec
	label string
}

func (g labeledGauge) Set(v float64) { g.vec.WithLabelValues(g.label).Set(v) }
