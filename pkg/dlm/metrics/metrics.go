// Package metrics provides Prometheus instrumentation for the DLM engine
// packages: per-namespace LRU gauges, enqueue/cancel/replay counters, and a
// completion-wait histogram, named and labeled the way
// pkg/metadata/lock/metrics.go does (Label*/Status*/Reason* string
// constants).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Label constants for metrics.
const (
	LabelNamespace = "namespace"
	LabelType      = "type"
	LabelStatus    = "status"
	LabelReason    = "reason"
	LabelPolicy    = "policy"
)

// Status constants for enqueue/cancel outcomes.
const (
	StatusGranted = "granted"
	StatusFailed  = "failed"
	StatusTimeout = "timeout"
)

// Reason constants for cancel/eviction.
const (
	ReasonExplicit  = "explicit"
	ReasonLRU       = "lru"
	ReasonReplay    = "replay"
	ReasonBlocking  = "blocking_ast"
	ReasonReconnect = "reconnect"
)

// Metrics provides Prometheus metrics for the lock engine packages.
type Metrics struct {
	nsUnusedLocks *prometheus.GaugeVec
	nsLocalValue  *prometheus.GaugeVec

	enqueueTotal *prometheus.CounterVec
	cancelTotal  *prometheus.CounterVec
	replayTotal  *prometheus.CounterVec

	lruEvictedTotal *prometheus.CounterVec

	completionWaitDuration *prometheus.HistogramVec

	registered bool
}

// NewMetrics creates and registers lock-engine metrics. If registry is nil,
// metrics are created but not registered (useful for testing).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		nsUnusedLocks: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "dlm",
				Subsystem: "ns",
				Name:      "unused_locks",
				Help:      "Current length of a namespace's unused (LRU) list",
			},
			[]string{LabelNamespace},
		),

		nsLocalValue: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "dlm",
				Subsystem: "ns",
				Name:      "local_value",
				Help:      "Last computed LRUR local value (LVF * age * unused) published to the server pool",
			},
			[]string{LabelNamespace},
		),

		enqueueTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dlm",
				Subsystem: "enqueue",
				Name:      "total",
				Help:      "Total number of enqueue attempts",
			},
			[]string{LabelNamespace, LabelType, LabelStatus},
		),

		cancelTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dlm",
				Subsystem: "cancel",
				Name:      "total",
				Help:      "Total number of lock cancellations",
			},
			[]string{LabelNamespace, LabelReason},
		),

		replayTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dlm",
				Subsystem: "replay",
				Name:      "total",
				Help:      "Total number of locks replayed after a reconnect",
			},
			[]string{LabelNamespace, LabelStatus},
		),

		lruEvictedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dlm",
				Subsystem: "lru",
				Name:      "evicted_total",
				Help:      "Total number of locks evicted by the LRU scan, by selected policy",
			},
			[]string{LabelNamespace, LabelPolicy},
		),

		completionWaitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "dlm",
				Subsystem: "completion",
				Name:      "wait_duration_seconds",
				Help:      "Time spent waiting for a lock to become grantable",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{LabelNamespace},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.nsUnusedLocks,
			m.nsLocalValue,
			m.enqueueTotal,
			m.cancelTotal,
			m.replayTotal,
			m.lruEvictedTotal,
			m.completionWaitDuration,
		)
		m.registered = true
	}

	return m
}

// SetUnusedLocks sets the current LRU list length for a namespace.
func (m *Metrics) SetUnusedLocks(namespace string, count float64) {
	if m == nil {
		return
	}
	m.nsUnusedLocks.WithLabelValues(namespace).Set(count)
}

// SetLocalValue records the LRUR policy's last-computed local value.
func (m *Metrics) SetLocalValue(namespace string, lv float64) {
	if m == nil {
		return
	}
	m.nsLocalValue.WithLabelValues(namespace).Set(lv)
}

// ObserveEnqueue records an enqueue attempt's outcome.
func (m *Metrics) ObserveEnqueue(namespace string, lockType string, status string) {
	if m == nil {
		return
	}
	m.enqueueTotal.WithLabelValues(namespace, lockType, status).Inc()
}

// ObserveCancel records a lock cancellation and why it happened.
func (m *Metrics) ObserveCancel(namespace string, reason string) {
	if m == nil {
		return
	}
	m.cancelTotal.WithLabelValues(namespace, reason).Inc()
}

// ObserveReplay records a single lock's replay outcome.
func (m *Metrics) ObserveReplay(namespace string, status string) {
	if m == nil {
		return
	}
	m.replayTotal.WithLabelValues(namespace, status).Inc()
}

// ObserveLRUEviction records an LRU-driven cancellation batch, labeled by
// the policy that selected it (e.g. "lrur", "aged", "passed", "no_wait").
func (m *Metrics) ObserveLRUEviction(namespace string, policy string, count float64) {
	if m == nil || count <= 0 {
		return
	}
	m.lruEvictedTotal.WithLabelValues(namespace, policy).Add(count)
}

// ObserveCompletionWait records time spent in a completion wait.
func (m *Metrics) ObserveCompletionWait(namespace string, d time.Duration) {
	if m == nil {
		return
	}
	m.completionWaitDuration.WithLabelValues(namespace).Observe(d.Seconds())
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	if m == nil || !m.registered {
		return
	}
	m.nsUnusedLocks.Describe(ch)
	m.nsLocalValue.Describe(ch)
	m.enqueueTotal.Describe(ch)
	m.cancelTotal.Describe(ch)
	m.replayTotal.Describe(ch)
	m.lruEvictedTotal.Describe(ch)
	m.completionWaitDuration.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	if m == nil || !m.registered {
		return
	}
	m.nsUnusedLocks.Collect(ch)
	m.nsLocalValue.Collect(ch)
	m.enqueueTotal.Collect(ch)
	m.cancelTotal.Collect(ch)
	m.replayTotal.Collect(ch)
	m.lruEvictedTotal.Collect(ch)
	m.completionWaitDuration.Collect(ch)
}
