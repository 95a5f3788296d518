package monitor

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func value(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	var m dto.Metric
	if err := (<-ch).Write(&m); err != nil {
		t.Fatal(err)
	}
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	}
	return 0
}

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	m.RecordOutcome("SUCCESS", "completed", 2)
	m.RecordOutcome("FAIL", "security_violation", 40)
	m.RecordOutcome("SUCCESS", "completed", 2)
	if got := value(t, m.JobOutcomes.WithLabelValues("SUCCESS", "completed")); got != 2 {
		t.Errorf("success outcomes = %v, want 2", got)
	}

	m.SetSlotUsage(1, 7)
	if got := value(t, m.SlotUsage.WithLabelValues("1")); got != 7 {
		t.Errorf("slot usage = %v, want 7", got)
	}
	m.RecordRecreation(1, "max_usage")
	if got := value(t, m.SlotUsage.WithLabelValues("1")); got != 0 {
		t.Errorf("slot usage after recreate = %v, want 0", got)
	}
	if got := value(t, m.SlotRecreations.WithLabelValues("max_usage")); got != 1 {
		t.Errorf("recreations = %v, want 1", got)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() = %v", err)
	}
	for _, f := range families {
		if len(f.GetName()) < 8 || f.GetName()[:8] != "compile_" {
			t.Errorf("metric %q is outside the compile namespace", f.GetName())
		}
	}
}
