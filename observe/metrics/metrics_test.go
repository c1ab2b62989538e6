package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/PipeOpsHQ/qoe-assistant/observe"
)

func TestSink_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := New(reg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()
	events := []observe.Event{
		{Kind: observe.KindTurn, Status: observe.StatusStarted},
		{Kind: observe.KindProvider, Status: observe.StatusStarted, Provider: "openai"},
		{Kind: observe.KindProvider, Status: observe.StatusRetried, Provider: "openai"},
		{Kind: observe.KindProvider, Status: observe.StatusStarted, Provider: "openai"},
		{Kind: observe.KindTool, Status: observe.StatusStarted, ToolName: "calcula_qoe"},
		{Kind: observe.KindTool, Status: observe.StatusCompleted, ToolName: "calcula_qoe", DurationMs: 3},
		{Kind: observe.KindTool, Status: observe.StatusFailed, ToolName: "media_qoe", DurationMs: 1},
		{Kind: observe.KindTurn, Status: observe.StatusCompleted, DurationMs: 40},
	}
	for _, e := range events {
		if err := sink.Emit(ctx, e); err != nil {
			t.Fatalf("Emit failed: %v", err)
		}
	}

	if got := testutil.ToFloat64(sink.generations.WithLabelValues("openai")); got != 2 {
		t.Fatalf("expected 2 generations, got %v", got)
	}
	if got := testutil.ToFloat64(sink.degenerate); got != 1 {
		t.Fatalf("expected 1 degenerate response, got %v", got)
	}
	if got := testutil.ToFloat64(sink.toolCalls.WithLabelValues("calcula_qoe", "completed")); got != 1 {
		t.Fatalf("expected 1 completed tool call, got %v", got)
	}
	if got := testutil.ToFloat64(sink.toolCalls.WithLabelValues("media_qoe", "failed")); got != 1 {
		t.Fatalf("expected 1 failed tool call, got %v", got)
	}
	if got := testutil.ToFloat64(sink.turns.WithLabelValues("completed")); got != 1 {
		t.Fatalf("expected 1 completed turn, got %v", got)
	}
	if n := testutil.CollectAndCount(sink.toolDuration); n != 2 {
		t.Fatalf("expected 2 tool duration series, got %d", n)
	}
}

func TestNew_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := New(reg); err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := New(reg); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}
