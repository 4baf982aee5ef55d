package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Enqueued("DailyReport")
	m.Enqueued("DailyReport")
	m.Skipped("DailyReport")
	m.Unmatched()

	if got := testutil.ToFloat64(m.enqueued.WithLabelValues("DailyReport")); got != 2 {
		t.Errorf("enqueued = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.skipped.WithLabelValues("DailyReport")); got != 1 {
		t.Errorf("skipped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.unmatched); got != 1 {
		t.Errorf("unmatched = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Enqueued("x")
	m.Skipped("x")
	m.DecisionFailed("x")
	m.Revived("x")
	m.Unmatched()
	m.ReviveFailed("x")
}
