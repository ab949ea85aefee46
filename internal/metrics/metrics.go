// Package metrics exposes Prometheus collectors for the history engine.
//
// All collectors live on a private registry so that several engines (or
// tests) in one process do not collide. A nil *Metrics is valid and records
// nothing.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "budgethist"

// Metrics holds the engine's collectors.
type Metrics struct {
	commitsTotal        *prometheus.CounterVec
	casConflictsTotal   prometheus.Counter
	verifyTotal         *prometheus.CounterVec
	verifyDuration      prometheus.Histogram
	materializeDuration prometheus.Histogram
	indicatorsTotal     *prometheus.CounterVec
	cacheHitsTotal      prometheus.Counter
	cacheMissesTotal    prometheus.Counter

	registry *prometheus.Registry
}

// New creates a Metrics instance with its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		commitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "chain",
				Name:      "commits_appended_total",
				Help:      "Total number of commits appended by author",
			},
			[]string{"author"},
		),
		casConflictsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "chain",
				Name:      "cas_conflicts_total",
				Help:      "Total number of append attempts that lost the tip compare-and-swap",
			},
		),
		verifyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "integrity",
				Name:      "verify_total",
				Help:      "Total number of chain verifications by result",
			},
			[]string{"result"},
		),
		// Chains are verified in full, so allow for multi-second runs.
		verifyDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "integrity",
				Name:      "verify_duration_seconds",
				Help:      "Chain verification latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
		),
		materializeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "restore",
				Name:      "materialize_duration_seconds",
				Help:      "State reconstruction latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
		),
		indicatorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tamper",
				Name:      "indicators_total",
				Help:      "Total number of tamper indicators raised by type and severity",
			},
			[]string{"type", "severity"},
		),
		cacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "hits_total",
				Help:      "Total number of integrity status cache hits",
			},
		),
		cacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "misses_total",
				Help:      "Total number of integrity status cache misses",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.commitsTotal,
		m.casConflictsTotal,
		m.verifyTotal,
		m.verifyDuration,
		m.materializeDuration,
		m.indicatorsTotal,
		m.cacheHitsTotal,
		m.cacheMissesTotal,
	)
	return m
}

// RecordCommit counts an appended commit.
func (m *Metrics) RecordCommit(author string) {
	if m == nil {
		return
	}
	m.commitsTotal.WithLabelValues(author).Inc()
}

// RecordCASConflict counts a lost tip compare-and-swap.
func (m *Metrics) RecordCASConflict() {
	if m == nil {
		return
	}
	m.casConflictsTotal.Inc()
}

// RecordVerify records a verification run.
func (m *Metrics) RecordVerify(valid bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "valid"
	if !valid {
		result = "broken"
	}
	m.verifyTotal.WithLabelValues(result).Inc()
	m.verifyDuration.Observe(d.Seconds())
}

// RecordMaterialize records a state reconstruction.
func (m *Metrics) RecordMaterialize(d time.Duration) {
	if m == nil {
		return
	}
	m.materializeDuration.Observe(d.Seconds())
}

// RecordIndicator counts a tamper indicator.
func (m *Metrics) RecordIndicator(indicatorType, severity string) {
	if m == nil {
		return
	}
	m.indicatorsTotal.WithLabelValues(indicatorType, severity).Inc()
}

// RecordCacheHit counts an integrity cache hit.
func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.cacheHitsTotal.Inc()
}

// RecordCacheMiss counts an integrity cache miss.
func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.cacheMissesTotal.Inc()
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes every metric to path in the text exposition format,
// for pickup by a node-exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
