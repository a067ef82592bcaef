package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	id := NewTraceID()
	ctx = WithTraceID(ctx, id)
	if got := TraceID(ctx); got != id {
		t.Fatalf("expected %q, got %q", id, got)
	}
}

func TestTaskID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := TaskID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithTaskID(ctx, "fetch-weather")
	if got := TaskID(ctx); got != "fetch-weather" {
		t.Fatalf("expected fetch-weather, got %q", got)
	}
}

func TestReportProgress_Clamps(t *testing.T) {
	var seen []int
	ctx := WithProgress(context.Background(), func(p int) { seen = append(seen, p) })

	ReportProgress(ctx, -5)
	ReportProgress(ctx, 40)
	ReportProgress(ctx, 250)

	want := []int{0, 40, 100}
	if len(seen) != len(want) {
		t.Fatalf("expected %d reports, got %d", len(want), len(seen))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("report %d = %d, want %d", i, seen[i], want[i])
		}
	}
}

func TestReportProgress_NoSink(t *testing.T) {
	// Must not panic without a sink.
	ReportProgress(context.Background(), 50)
}
