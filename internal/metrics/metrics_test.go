package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.JobStarted()
	m.JobFinished("completed")
	m.ModelRequest("ok", time.Second)
	m.ToolCall("web_search", "ok")
	m.SubscriberAdded()
	m.SubscriberRemoved(true)
	m.Delivered(3)
	m.PersistenceFailed()
}

func TestCountersRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.JobFinished("failed")
	m.JobFinished("failed")
	m.ToolCall("web_fetch", "error")
	m.SubscriberAdded()
	m.SubscriberAdded()
	m.SubscriberRemoved(true)

	if got := testutil.ToFloat64(m.JobsFinished.WithLabelValues("failed")); got != 2 {
		t.Fatalf("jobs finished: want 2 got %v", got)
	}
	if got := testutil.ToFloat64(m.ToolCalls.WithLabelValues("web_fetch", "error")); got != 1 {
		t.Fatalf("tool calls: want 1 got %v", got)
	}
	if got := testutil.ToFloat64(m.Subscribers); got != 1 {
		t.Fatalf("subscribers gauge: want 1 got %v", got)
	}
	if got := testutil.ToFloat64(m.EventsDropped); got != 1 {
		t.Fatalf("dropped: want 1 got %v", got)
	}
}
