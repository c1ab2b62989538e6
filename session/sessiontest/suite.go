// Package sessiontest holds the behavior every session.Store backend must
// share.
package sessiontest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/PipeOpsHQ/qoe-assistant/session"
	"github.com/PipeOpsHQ/qoe-assistant/types"
)

// Run exercises store. The store must start empty.
func Run(t *testing.T, store session.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("unknown session has empty history", func(t *testing.T) {
		msgs, err := store.History(ctx, "missing-"+session.NewID())
		if err != nil {
			t.Fatalf("History failed: %v", err)
		}
		if len(msgs) != 0 {
			t.Fatalf("expected empty history, got %d messages", len(msgs))
		}
	})

	t.Run("append preserves order", func(t *testing.T) {
		id := session.NewID()
		first := []types.Message{
			{Role: types.RoleUser, Content: "Qual o QoE do cliente SP?"},
			{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{{ID: "call-1", Name: "get_bitrates_latencias_cliente", Arguments: json.RawMessage(`{"cliente":"SP"}`)}}},
		}
		second := []types.Message{
			{Role: types.RoleTool, Name: "get_bitrates_latencias_cliente", ToolCallID: "call-1", Content: `{"(SP, RJ)":{"bitrate":200,"latencia":20}}`},
			{Role: types.RoleAssistant, Content: "O QoE do cliente SP é 10."},
		}
		if err := store.Append(ctx, id, first...); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if err := store.Append(ctx, id, second...); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		got, err := store.History(ctx, id)
		if err != nil {
			t.Fatalf("History failed: %v", err)
		}
		want := append(append([]types.Message{}, first...), second...)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("history mismatch (-want +got):\n%s", diff)
		}

		other := session.NewID()
		if err := store.Append(ctx, other, types.Message{Role: types.RoleUser, Content: "oi"}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		got, _ = store.History(ctx, id)
		if len(got) != 4 {
			t.Fatalf("sessions must not share history, got %d messages", len(got))
		}

		sessions, err := store.ListSessions(ctx, session.ListSessionsQuery{Limit: 10})
		if err != nil {
			t.Fatalf("ListSessions failed: %v", err)
		}
		counts := map[string]int{}
		for _, info := range sessions {
			counts[info.ID] = info.Messages
		}
		if counts[id] != 4 || counts[other] != 1 {
			t.Fatalf("unexpected session listing: %#v", sessions)
		}
	})

	t.Run("append requires session id", func(t *testing.T) {
		if err := store.Append(ctx, "", types.Message{Role: types.RoleUser, Content: "x"}); err == nil {
			t.Fatalf("expected error for empty session id")
		}
	})

	t.Run("turn records upsert", func(t *testing.T) {
		id := session.NewID()
		started := time.Now().UTC().Add(-time.Second)
		turn := session.TurnRecord{
			TurnID:    "turn-" + session.NewID(),
			SessionID: id,
			Provider:  "test",
			Status:    session.TurnRunning,
			Input:     "oi",
			CreatedAt: &started,
			UpdatedAt: &started,
		}
		if err := store.SaveTurn(ctx, turn); err != nil {
			t.Fatalf("SaveTurn failed: %v", err)
		}
		done := time.Now().UTC()
		turn.Status = session.TurnCompleted
		turn.Output = "Olá"
		turn.Iterations = 2
		turn.DegenerateRetries = 1
		turn.Usage = &types.Usage{InputTokens: 3, OutputTokens: 4, TotalTokens: 7}
		turn.UpdatedAt = &done
		turn.CompletedAt = &done
		if err := store.SaveTurn(ctx, turn); err != nil {
			t.Fatalf("SaveTurn upsert failed: %v", err)
		}

		got, err := store.LoadTurn(ctx, turn.TurnID)
		if err != nil {
			t.Fatalf("LoadTurn failed: %v", err)
		}
		if got.Status != session.TurnCompleted || got.Output != "Olá" || got.Iterations != 2 || got.DegenerateRetries != 1 {
			t.Fatalf("unexpected turn: %#v", got)
		}
		if got.Usage == nil || got.Usage.TotalTokens != 7 {
			t.Fatalf("unexpected usage: %#v", got.Usage)
		}
		if got.CompletedAt == nil {
			t.Fatalf("expected completed_at")
		}

		turns, err := store.ListTurns(ctx, session.ListTurnsQuery{SessionID: id})
		if err != nil {
			t.Fatalf("ListTurns failed: %v", err)
		}
		if len(turns) != 1 || turns[0].TurnID != turn.TurnID {
			t.Fatalf("expected one turn, got %#v", turns)
		}
		failed, err := store.ListTurns(ctx, session.ListTurnsQuery{SessionID: id, Status: session.TurnFailed})
		if err != nil || len(failed) != 0 {
			t.Fatalf("expected no failed turns, got %d (%v)", len(failed), err)
		}

		if _, err := store.LoadTurn(ctx, "missing-turn"); !errors.Is(err, session.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}
