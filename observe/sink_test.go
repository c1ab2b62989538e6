package observe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/PipeOpsHQ/qoe-assistant/types"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Emit(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSink) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestMultiSink_ContinuesPastFailures(t *testing.T) {
	failing := SinkFunc(func(context.Context, Event) error { return errors.New("boom") })
	rec := &recordingSink{}
	sink := NewMultiSink(nil, failing, rec)

	if err := sink.Emit(context.Background(), Event{Kind: KindTurn}); err == nil {
		t.Fatalf("expected joined error")
	}
	if rec.len() != 1 {
		t.Fatalf("expected downstream sink to receive the event, got %d", rec.len())
	}
	if _, ok := NewMultiSink(nil, nil).(NoopSink); !ok {
		t.Fatalf("expected NoopSink for no sinks")
	}
}

func TestAsyncSink_CloseDrains(t *testing.T) {
	rec := &recordingSink{}
	sink := NewAsyncSink(rec, 16)
	for i := 0; i < 10; i++ {
		if err := sink.Emit(context.Background(), Event{Kind: KindTool}); err != nil {
			t.Fatalf("Emit failed: %v", err)
		}
	}
	sink.Close()
	if rec.len() != 10 {
		t.Fatalf("expected 10 drained events, got %d", rec.len())
	}
}

func TestAsyncSink_EmitAfterCloseIsDropped(t *testing.T) {
	rec := &recordingSink{}
	sink := NewAsyncSink(rec, 4)
	sink.Close()
	sink.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sink.Emit(context.Background(), Event{Kind: KindTurn}); err != nil {
				t.Errorf("Emit after Close returned %v", err)
			}
		}()
	}
	wg.Wait()
	if rec.len() != 0 {
		t.Fatalf("expected no events after Close, got %d", rec.len())
	}
}

func TestFromRuntimeEvent(t *testing.T) {
	now := time.Now().UTC()
	tests := []struct {
		in         types.Event
		wantKind   Kind
		wantStatus Status
		wantSpan   string
		wantParent string
	}{
		{types.Event{Type: types.EventTurnStarted, TurnID: "t1"}, KindTurn, StatusStarted, "t1", ""},
		{types.Event{Type: types.EventBeforeGenerate, TurnID: "t1", Iteration: 2}, KindProvider, StatusStarted, "t1:gen:2", "t1"},
		{types.Event{Type: types.EventDegenerateResponse, TurnID: "t1", Iteration: 1}, KindProvider, StatusRetried, "t1:gen:1", "t1"},
		{types.Event{Type: types.EventAfterTool, TurnID: "t1", Iteration: 1, ToolCallID: "c1", Error: "bad"}, KindTool, StatusFailed, "t1:tool:1:c1", "t1:gen:1"},
		{types.Event{Type: types.EventMessage, TurnID: "t1", Message: &types.Message{Role: types.RoleUser}}, KindMessage, StatusCompleted, "t1", ""},
		{types.Event{Type: types.EventTurnFailed}, KindTurn, StatusFailed, "", ""},
	}
	for _, tt := range tests {
		tt.in.Timestamp = now
		got := FromRuntimeEvent(tt.in)
		if got.Kind != tt.wantKind || got.Status != tt.wantStatus {
			t.Fatalf("%s: expected %s/%s, got %s/%s", tt.in.Type, tt.wantKind, tt.wantStatus, got.Kind, got.Status)
		}
		if got.SpanID != tt.wantSpan || got.ParentSpanID != tt.wantParent {
			t.Fatalf("%s: expected span %q parent %q, got %q %q", tt.in.Type, tt.wantSpan, tt.wantParent, got.SpanID, got.ParentSpanID)
		}
		if got.Attributes["eventType"] != string(tt.in.Type) {
			t.Fatalf("%s: missing eventType attribute", tt.in.Type)
		}
	}
}
