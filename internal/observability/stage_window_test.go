package observability

import (
	"fmt"
	"testing"
	"time"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := newStageWindow(8)
	w.Observe("score", 500*time.Millisecond)
	w.Observe("score", 700*time.Millisecond)
	w.Observe("score", 1900*time.Millisecond)
	w.Observe("parse", 2*time.Millisecond)
	w.ObserveIndicator("link_failed")
	w.ObserveIndicator(" link_failed ")
	w.ObserveIndicator("")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 2 {
		t.Fatalf("len(Stages) = %d, want 2", len(snap.Stages))
	}
	if snap.Stages[0].Stage != "parse" {
		t.Fatalf("Stages[0] = %q, want pipeline order starting with parse", snap.Stages[0].Stage)
	}
	s := snap.Stages[1]
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 1900 {
		t.Fatalf("LastMS = %.2f, want 1900", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS != 1900 || s.P99MS != 1900 {
		t.Fatalf("P95MS/P99MS = %.2f/%.2f, want 1900", s.P95MS, s.P99MS)
	}
	if s.AvgMS != 1033.33 {
		t.Fatalf("AvgMS = %.2f, want 1033.33", s.AvgMS)
	}
	if s.TargetP95MS != 1500 || s.OverTarget != 1 {
		t.Fatalf("target = %.2f over = %d, want 1500 and 1", s.TargetP95MS, s.OverTarget)
	}
	if snap.Stages[0].OverTarget != 0 {
		t.Fatalf("parse OverTarget = %d, want 0", snap.Stages[0].OverTarget)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Name != "link_failed" || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v, want link_failed x2", snap.Indicators)
	}
}

func TestStageWindowWrapsRing(t *testing.T) {
	w := newStageWindow(4)
	for i := 1; i <= 10; i++ {
		w.Observe("commit", time.Duration(i)*time.Millisecond)
	}
	s := w.Snapshot().Stages[0]
	if s.Samples != 4 {
		t.Fatalf("Samples = %d, want 4", s.Samples)
	}
	if s.AvgMS != 8.5 {
		t.Fatalf("AvgMS = %.2f, want 8.5", s.AvgMS)
	}
	if s.LastMS != 10 {
		t.Fatalf("LastMS = %.2f, want 10", s.LastMS)
	}
	if s.P50MS != 8 {
		t.Fatalf("P50MS = %.2f, want 8", s.P50MS)
	}
}

func TestStageWindowUnknownStagesSortLast(t *testing.T) {
	w := newStageWindow(2)
	w.Observe("zeta", time.Millisecond)
	w.Observe("alpha", time.Millisecond)
	w.Observe("ingest_total", time.Millisecond)
	w.Observe("source", -time.Millisecond)

	snap := w.Snapshot()
	got := make([]string, 0, len(snap.Stages))
	for _, s := range snap.Stages {
		got = append(got, s.Stage)
	}
	if fmt.Sprint(got) != "[ingest_total alpha zeta]" {
		t.Fatalf("stage order = %v, want [ingest_total alpha zeta]", got)
	}
	if snap.Stages[1].TargetP95MS != 0 {
		t.Fatalf("unknown stage target = %.2f, want 0", snap.Stages[1].TargetP95MS)
	}
}

func TestMetricsObserveStage(t *testing.T) {
	m := NewMetrics(fmt.Sprintf("elderwatch_test_stage_%d", time.Now().UnixNano()))
	m.ObserveStage("link", 1500*time.Microsecond)
	snap := m.SnapshotStages()
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	if snap.Stages[0].LastMS != 1.5 {
		t.Fatalf("LastMS = %.2f, want 1.5", snap.Stages[0].LastMS)
	}

	var nilMetrics *Metrics
	nilMetrics.ObserveStage("link", time.Millisecond)
	if got := nilMetrics.SnapshotStages(); len(got.Stages) != 0 {
		t.Fatalf("nil SnapshotStages() = %+v, want empty", got)
	}
}
