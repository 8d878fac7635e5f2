package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetrics_CreatesAllMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
	if m.nsUnusedLocks == nil {
		t.Error("nsUnusedLocks not initialized")
	}
	if m.nsLocalValue == nil {
		t.Error("nsLocalValue not initialized")
	}
	if m.enqueueTotal == nil {
		t.Error("enqueueTotal not initialized")
	}
	if m.cancelTotal == nil {
		t.Error("cancelTotal not initialized")
	}
	if m.replayTotal == nil {
		t.Error("replayTotal not initialized")
	}
	if m.lruEvictedTotal == nil {
		t.Error("lruEvictedTotal not initialized")
	}
	if m.completionWaitDuration == nil {
		t.Error("completionWaitDuration not initialized")
	}
}

func TestMetrics_SetUnusedLocks_UpdatesGauge(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.SetUnusedLocks("ns-1", 42)

	mfs, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	found := false
	for _, mf := range mfs {
		if mf.GetName() == "dlm_ns_unused_locks" {
			found = true
			if len(mf.GetMetric()) > 0 && mf.GetMetric()[0].GetGauge().GetValue() != 42 {
				t.Errorf("unused_locks = %v, want 42", mf.GetMetric()[0].GetGauge().GetValue())
			}
		}
	}
	if !found {
		t.Error("expected dlm_ns_unused_locks metric")
	}
}

func TestMetrics_SetLocalValue_UpdatesGauge(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.SetLocalValue("ns-1", 1234.5)

	mfs, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	found := false
	for _, mf := range mfs {
		if mf.GetName() == "dlm_ns_local_value" {
			found = true
		}
	}
	if !found {
		t.Error("expected dlm_ns_local_value metric")
	}
}

func TestMetrics_ObserveEnqueue_IncrementsCounter(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.ObserveEnqueue("ns-1", "EXTENT", StatusGranted)
	m.ObserveEnqueue("ns-1", "EXTENT", StatusFailed)

	mfs, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	found := false
	for _, mf := range mfs {
		if mf.GetName() == "dlm_enqueue_total" {
			found = true
		}
	}
	if !found {
		t.Error("expected dlm_enqueue_total metric")
	}
}

func TestMetrics_ObserveCancel_IncrementsCounter(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.ObserveCancel("ns-1", ReasonLRU)

	mfs, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	found := false
	for _, mf := range mfs {
		if mf.GetName() == "dlm_cancel_total" {
			found = true
		}
	}
	if !found {
		t.Error("expected dlm_cancel_total metric")
	}
}

func TestMetrics_ObserveReplay_IncrementsCounter(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.ObserveReplay("ns-1", StatusGranted)

	mfs, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	found := false
	for _, mf := range mfs {
		if mf.GetName() == "dlm_replay_total" {
			found = true
		}
	}
	if !found {
		t.Error("expected dlm_replay_total metric")
	}
}

func TestMetrics_ObserveLRUEviction_SkipsZeroCount(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.ObserveLRUEviction("ns-1", "lrur", 0)
	m.ObserveLRUEviction("ns-1", "lrur", 3)

	mfs, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	for _, mf := range mfs {
		if mf.GetName() == "dlm_lru_evicted_total" {
			if len(mf.GetMetric()) != 1 {
				t.Fatalf("expected exactly one label combination recorded, got %d", len(mf.GetMetric()))
			}
			if got := mf.GetMetric()[0].GetCounter().GetValue(); got != 3 {
				t.Errorf("evicted_total = %v, want 3", got)
			}
			return
		}
	}
	t.Error("expected dlm_lru_evicted_total metric")
}

func TestMetrics_ObserveCompletionWait_RecordsHistogram(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.ObserveCompletionWait("ns-1", 150*time.Millisecond)

	mfs, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	found := false
	for _, mf := range mfs {
		if mf.GetName() == "dlm_completion_wait_duration_seconds" {
			found = true
		}
	}
	if !found {
		t.Error("expected dlm_completion_wait_duration_seconds metric")
	}
}

func TestMetrics_NilMetrics_NoPanic(t *testing.T) {
	var m *Metrics

	m.SetUnusedLocks("ns-1", 1)
	m.SetLocalValue("ns-1", 1)
	m.ObserveEnqueue("ns-1", "PLAIN", StatusGranted)
	m.ObserveCancel("ns-1", ReasonExplicit)
	m.ObserveReplay("ns-1", StatusGranted)
	m.ObserveLRUEviction("ns-1", "aged", 1)
	m.ObserveCompletionWait("ns-1", time.Second)
}

func TestMetrics_NilRegistry_NoPanic(t *testing.T) {
	m := NewMetrics(nil)

	m.SetUnusedLocks("ns-1", 1)
	m.ObserveEnqueue("ns-1", "PLAIN", StatusGranted)
	m.ObserveCancel("ns-1", ReasonExplicit)
	m.ObserveReplay("ns-1", StatusGranted)
	m.ObserveLRUEviction("ns-1", "aged", 1)
	m.ObserveCompletionWait("ns-1", time.Second)
}

func TestMetrics_Describe_NilAndUnregistered(t *testing.T) {
	var m *Metrics
	ch := make(chan *prometheus.Desc, 10)
	m.Describe(ch)
	close(ch)
	if n := drainDesc(ch); n != 0 {
		t.Errorf("expected no descriptions from nil receiver, got %d", n)
	}

	m2 := NewMetrics(nil)
	ch2 := make(chan *prometheus.Desc, 10)
	m2.Describe(ch2)
	close(ch2)
	if n := drainDesc(ch2); n != 0 {
		t.Errorf("expected no descriptions from unregistered metrics, got %d", n)
	}
}

func TestMetrics_Collect(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.SetUnusedLocks("ns-1", 5)

	ch := make(chan prometheus.Metric, 100)
	m.Collect(ch)
	close(ch)

	count := 0
	for range ch {
		count++
	}
	if count == 0 {
		t.Error("expected some metrics to be collected")
	}
}

func drainDesc(ch chan *prometheus.Desc) int {
	n := 0
	for range ch {
		n++
	}
	return n
}
